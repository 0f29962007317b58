package commands

import (
	"errors"
	"fmt"

	"github.com/jrife/strata/storage/collection"
	"github.com/jrife/strata/storage/kv"
	"github.com/jrife/strata/storage/partition"
)

var (
	// ErrMissingCollection indicates that a request did not name a collection
	ErrMissingCollection = errors.New("request must specify a collection")
	// ErrInvalidRequest indicates that a request is malformed
	ErrInvalidRequest = errors.New("invalid request")
	// ErrProtectedCollection indicates an attempt to change the partitions
	// of a protected collection without force
	ErrProtectedCollection = errors.New("collection is protected")
	// ErrPartitionIDMismatch indicates that a resolved request names a
	// partition id other than the one this store would allocate
	ErrPartitionIDMismatch = errors.New("partition id does not match the next partition id")
)

// passthrough lists errors that callers are expected to branch on.
// They are returned as they are instead of being wrapped in context.
var passthrough = []error{
	collection.ErrNoSuchCollection,
	collection.ErrCollectionExists,
	collection.ErrEmptyLastPartition,
	partition.ErrInvalidBound,
	partition.ErrIDSpaceExhausted,
	partition.ErrCannotDropSolePartition,
	partition.ErrNoSuchPartition,
	kv.ErrDuplicateKey,
	kv.ErrClosed,
}

func wrapError(wrap string, err error) error {
	if err == nil {
		return nil
	}

	for _, sentinel := range passthrough {
		if errors.Is(err, sentinel) {
			return err
		}
	}

	return fmt.Errorf("%s: %w", wrap, err)
}
