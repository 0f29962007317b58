package commands

import (
	"context"
	"fmt"

	"github.com/jrife/strata/document"
	"github.com/jrife/strata/storage/collection"
	"github.com/jrife/strata/storage/keystring"
	"github.com/jrife/strata/storage/kv"
	"go.uber.org/zap"
)

// AddPartitionRequest caps the last partition of a collection and
// appends a new one. NewMax is derived from the data when it is nil.
// Info, if present, describes the partition the request is expected to
// create. Replicas apply the resolved request returned by AddPartition
// so they never have to derive a bound themselves.
type AddPartitionRequest struct {
	Collection string                    `json:"addPartition"`
	NewMax     keystring.Tuple           `json:"newMax,omitempty"`
	Info       *collection.PartitionInfo `json:"info,omitempty"`
	Force      bool                      `json:"force,omitzero"`
}

// DropPartitionRequest drops partitions of a collection either by id
// or by bound. Exactly one of ID and Max must be set. Max is a pivot
// document: every partition whose bound is at most the pivot's primary
// key is dropped as long as another partition remains.
type DropPartitionRequest struct {
	Collection string            `json:"dropPartition"`
	ID         *int64            `json:"id,omitempty"`
	Max        document.Document `json:"max,omitempty"`
	Force      bool              `json:"force,omitzero"`
}

// DropPartitionResponse lists the partitions a drop removed
type DropPartitionResponse struct {
	Dropped []int64 `json:"dropped"`
}

func (db *Database) checkProtected(name string, force bool) error {
	if db.protected[name] && !force {
		return fmt.Errorf("%s: %w", name, ErrProtectedCollection)
	}

	return nil
}

// AddPartition runs an add partition request and returns it resolved:
// NewMax is the bound the previous last partition was capped with and
// Info describes the new partition.
func (db *Database) AddPartition(ctx context.Context, request AddPartitionRequest) (AddPartitionRequest, error) {
	logger := db.operationLogger(ctx, "AddPartition").With(zap.String("collection", request.Collection))
	logger.Debug("start", zap.Stringer("newMax", request.NewMax))

	if request.Collection == "" {
		return AddPartitionRequest{}, ErrMissingCollection
	}

	if err := db.checkProtected(request.Collection, request.Force); err != nil {
		return AddPartitionRequest{}, err
	}

	resolved := request

	err := db.Exclusive(ctx, request.Collection, func(txn kv.Transaction, c *collection.Collection) error {
		if request.Info != nil {
			next, err := c.NextPartitionID()

			if err != nil {
				return err
			}

			if request.Info.ID != next {
				return fmt.Errorf("request names partition %d but the next partition is %d: %w", request.Info.ID, next, ErrPartitionIDMismatch)
			}
		}

		if request.NewMax == nil {
			max, err := c.MaxKeyFromLastPartition(txn)

			if err != nil {
				return err
			}

			if max == nil {
				return collection.ErrEmptyLastPartition
			}

			resolved.NewMax = max
		}

		created, err := c.CreatePartitionWithBound(ctx, txn, resolved.NewMax)

		if err != nil {
			return err
		}

		resolved.Info = &collection.PartitionInfo{ID: created.ID, Max: created.Max}

		return nil
	})

	if err != nil {
		err = wrapError("could not add partition", err)
		logger.Debug("error", zap.Error(err))

		return AddPartitionRequest{}, err
	}

	logger.Debug("return", zap.Int64("id", resolved.Info.ID))

	return resolved, nil
}

// DropPartition runs a drop partition request
func (db *Database) DropPartition(ctx context.Context, request DropPartitionRequest) (DropPartitionResponse, error) {
	logger := db.operationLogger(ctx, "DropPartition").With(zap.String("collection", request.Collection))
	logger.Debug("start")

	if request.Collection == "" {
		return DropPartitionResponse{}, ErrMissingCollection
	}

	if (request.ID == nil) == (request.Max == nil) {
		return DropPartitionResponse{}, fmt.Errorf("must provide either an id or a max key of data to be dropped: %w", ErrInvalidRequest)
	}

	if err := db.checkProtected(request.Collection, request.Force); err != nil {
		return DropPartitionResponse{}, err
	}

	response := DropPartitionResponse{}

	err := db.Exclusive(ctx, request.Collection, func(txn kv.Transaction, c *collection.Collection) error {
		if request.ID != nil {
			if err := c.DropPartition(ctx, txn, *request.ID); err != nil {
				return err
			}

			response.Dropped = []int64{*request.ID}

			return nil
		}

		dropped, err := c.DropPartitionsLessOrEqual(ctx, txn, request.Max)
		response.Dropped = dropped

		return err
	})

	if err != nil {
		err = wrapError("could not drop partition", err)
		logger.Debug("error", zap.Error(err))

		return DropPartitionResponse{}, err
	}

	logger.Debug("return", zap.Int64s("dropped", response.Dropped))

	return response, nil
}

// GetPartitionInfo describes the partitions of a collection
func (db *Database) GetPartitionInfo(ctx context.Context, name string) (collection.Info, error) {
	var info collection.Info

	err := db.View(ctx, name, func(txn kv.Transaction, c *collection.Collection) error {
		info = c.PartitionInfo()

		return nil
	})

	if err != nil {
		return collection.Info{}, wrapError("could not get partition info", err)
	}

	return info, nil
}
