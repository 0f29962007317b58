// Package partition implements the partition directory: the ordered
// list of partitions of one logical store with their upper bounds, and
// the routing function that maps a key to the partition that owns it.
//
// A directory is a value. Operations that change it return a new
// directory and leave the receiver untouched, so a caller can keep the
// previous directory around and restore it if the transaction that
// made the change rolls back.
package partition

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/jrife/strata/storage/keystring"
)

const (
	// DefaultIDBits is the width of the partition id space
	DefaultIDBits = 23
	// MaxIDBits is the widest id space a directory supports
	MaxIDBits = 62
)

var (
	// ErrInvalidBound indicates that a proposed upper bound is lower than
	// data already in the partition being capped or is not greater than
	// the bound of the partition before it
	ErrInvalidBound = errors.New("invalid partition bound")
	// ErrIDSpaceExhausted indicates that the next partition id would
	// collide with the id of the oldest live partition
	ErrIDSpaceExhausted = errors.New("partition id space exhausted")
	// ErrCannotDropSolePartition indicates an attempt to drop the only
	// remaining partition
	ErrCannotDropSolePartition = errors.New("cannot drop the sole partition")
	// ErrNoSuchPartition indicates that no partition has the requested id
	ErrNoSuchPartition = errors.New("partition does not exist")
)

// Partition is one entry in a directory
type Partition struct {
	// ID identifies the partition. It is unique among live partitions.
	ID int64
	// Max is the inclusive upper bound of the keys this partition holds.
	// For the last partition it is the open bound.
	Max keystring.Tuple

	encodedMax []byte
}

// Directory is the ordered list of partitions of one logical store.
// It is never empty. Ids increase along the list (modulo the id space)
// and bounds are non-decreasing. The last partition is open.
type Directory struct {
	partitions []Partition
	ordering   keystring.Ordering
	mask       int64
}

// Options configures a directory
type Options struct {
	// IDBits is the width of the partition id space. Ids wrap
	// around at 1 << IDBits. Zero means DefaultIDBits.
	IDBits int
}

func (options Options) mask() (int64, error) {
	bits := options.IDBits

	if bits == 0 {
		bits = DefaultIDBits
	}

	if bits < 1 || bits > MaxIDBits {
		return 0, fmt.Errorf("id bits must be between 1 and %d, got %d", MaxIDBits, bits)
	}

	return int64(1)<<uint(bits) - 1, nil
}

// New creates a directory with a single open partition whose id is firstID
func New(ordering keystring.Ordering, firstID int64, options Options) (Directory, error) {
	mask, err := options.mask()

	if err != nil {
		return Directory{}, err
	}

	if firstID < 0 || firstID > mask {
		return Directory{}, fmt.Errorf("partition id %d is outside the id space", firstID)
	}

	directory := Directory{ordering: ordering, mask: mask}
	directory.partitions = []Partition{directory.open(firstID)}

	return directory, nil
}

// Load rebuilds a directory from persisted partitions listed in
// directory order. The bound of the last partition is ignored and
// replaced with the open bound.
func Load(ordering keystring.Ordering, partitions []Partition, options Options) (Directory, error) {
	mask, err := options.mask()

	if err != nil {
		return Directory{}, err
	}

	if len(partitions) == 0 {
		return Directory{}, fmt.Errorf("a directory needs at least one partition")
	}

	directory := Directory{ordering: ordering, mask: mask, partitions: make([]Partition, 0, len(partitions))}

	for i, p := range partitions {
		if i == len(partitions)-1 {
			directory.partitions = append(directory.partitions, directory.open(p.ID))

			break
		}

		encodedMax, err := keystring.Encode(p.Max, ordering)

		if err != nil {
			return Directory{}, fmt.Errorf("partition %d has a bad bound: %w", p.ID, err)
		}

		directory.partitions = append(directory.partitions, Partition{ID: p.ID, Max: p.Max, encodedMax: encodedMax})
	}

	if err := directory.Validate(); err != nil {
		return Directory{}, err
	}

	return directory, nil
}

func (directory Directory) open(id int64) Partition {
	max := keystring.UpperBound(directory.ordering)

	return Partition{ID: id, Max: max, encodedMax: keystring.MustEncode(max, directory.ordering)}
}

// Len returns the number of partitions
func (directory Directory) Len() int {
	return len(directory.partitions)
}

// At returns the partition at offset i
func (directory Directory) At(i int) Partition {
	return directory.partitions[i]
}

// First returns the oldest partition
func (directory Directory) First() Partition {
	return directory.partitions[0]
}

// Last returns the open partition
func (directory Directory) Last() Partition {
	return directory.partitions[len(directory.partitions)-1]
}

// Partitions returns a copy of the partition list
func (directory Directory) Partitions() []Partition {
	partitions := make([]Partition, len(directory.partitions))
	copy(partitions, directory.partitions)

	return partitions
}

// Ordering returns the ordering of the keys routed by this directory
func (directory Directory) Ordering() keystring.Ordering {
	return directory.ordering
}

// Offset returns the offset of the partition that owns the encoded key.
// Bounds are inclusive: a key equal to a partition's bound belongs to that
// partition.
func (directory Directory) Offset(key []byte) int {
	n := len(directory.partitions)

	if n == 1 {
		return 0
	}

	// Most inserts land in the open partition
	if bytes.Compare(key, directory.partitions[n-2].encodedMax) > 0 {
		return n - 1
	}

	return sort.Search(n-1, func(i int) bool {
		return bytes.Compare(directory.partitions[i].encodedMax, key) >= 0
	})
}

// OffsetOf is like Offset but takes a structured key
func (directory Directory) OffsetOf(key keystring.Tuple) (int, error) {
	encoded, err := keystring.Encode(key, directory.ordering)

	if err != nil {
		return 0, err
	}

	return directory.Offset(encoded), nil
}

// relative returns the distance of id from the first partition's id
// in the wraparound id space. Relative ids increase along the directory.
func (directory Directory) relative(id int64) int64 {
	return (id - directory.partitions[0].ID) & directory.mask
}

// IndexOf returns the offset of the partition with this id
func (directory Directory) IndexOf(id int64) (int, error) {
	n := len(directory.partitions)

	if directory.partitions[n-1].ID == id {
		return n - 1, nil
	}

	target := directory.relative(id)
	i := sort.Search(n, func(i int) bool {
		return directory.relative(directory.partitions[i].ID) >= target
	})

	if i == n || directory.partitions[i].ID != id {
		return 0, fmt.Errorf("partition %d: %w", id, ErrNoSuchPartition)
	}

	return i, nil
}

// NextID returns the id the next partition will get
func (directory Directory) NextID() (int64, error) {
	next := (directory.Last().ID + 1) & directory.mask

	if next == directory.First().ID {
		return 0, fmt.Errorf("next id %d is still used by partition %d: %w", next, directory.First().ID, ErrIDSpaceExhausted)
	}

	return next, nil
}

// ValidateBound checks that newMax can cap the current last partition.
// maxKey is the greatest key present in the last partition, or nil if it
// is empty. The bound must be at least maxKey, strictly greater than the
// bound of the partition before the last one, and below the open bound.
func (directory Directory) ValidateBound(newMax keystring.Tuple, maxKey keystring.Tuple) error {
	encodedMax, err := keystring.Encode(newMax, directory.ordering)

	if err != nil {
		return fmt.Errorf("%s: %w", err.Error(), ErrInvalidBound)
	}

	if maxKey != nil && keystring.Compare(newMax, maxKey, directory.ordering) < 0 {
		return fmt.Errorf("bound %s is less than existing key %s: %w", newMax, maxKey, ErrInvalidBound)
	}

	if n := len(directory.partitions); n > 1 && bytes.Compare(encodedMax, directory.partitions[n-2].encodedMax) <= 0 {
		return fmt.Errorf("bound %s is not greater than the previous bound %s: %w", newMax, directory.partitions[n-2].Max, ErrInvalidBound)
	}

	if bytes.Compare(encodedMax, directory.Last().encodedMax) >= 0 {
		return fmt.Errorf("bound %s must be below the open bound: %w", newMax, ErrInvalidBound)
	}

	return nil
}

// Append caps the last partition with newMax and appends a new open
// partition. newMax must already have been checked with ValidateBound.
// It returns the new directory and the new partition.
func (directory Directory) Append(newMax keystring.Tuple) (Directory, Partition, error) {
	id, err := directory.NextID()

	if err != nil {
		return Directory{}, Partition{}, err
	}

	encodedMax, err := keystring.Encode(newMax, directory.ordering)

	if err != nil {
		return Directory{}, Partition{}, fmt.Errorf("%s: %w", err.Error(), ErrInvalidBound)
	}

	next := directory.clone(len(directory.partitions) + 1)
	next.partitions[len(next.partitions)-1] = Partition{ID: directory.Last().ID, Max: newMax, encodedMax: encodedMax}
	partition := directory.open(id)
	next.partitions = append(next.partitions, partition)

	return next, partition, nil
}

// Remove drops the partition with this id. The sole partition cannot
// be dropped. Dropping the last partition opens the partition before it.
func (directory Directory) Remove(id int64) (Directory, error) {
	if len(directory.partitions) == 1 {
		return Directory{}, ErrCannotDropSolePartition
	}

	i, err := directory.IndexOf(id)

	if err != nil {
		return Directory{}, err
	}

	next := directory.clone(len(directory.partitions))
	next.partitions = append(next.partitions[:i], next.partitions[i+1:]...)

	if i == len(next.partitions) {
		next.partitions[i-1] = directory.open(next.partitions[i-1].ID)
	}

	return next, nil
}

func (directory Directory) clone(capacity int) Directory {
	partitions := make([]Partition, len(directory.partitions), capacity)
	copy(partitions, directory.partitions)
	directory.partitions = partitions

	return directory
}

// Validate checks the directory invariants
func (directory Directory) Validate() error {
	if len(directory.partitions) == 0 {
		return fmt.Errorf("directory has no partitions")
	}

	seen := map[int64]bool{}

	for i, p := range directory.partitions {
		if p.ID < 0 || p.ID > directory.mask {
			return fmt.Errorf("partition id %d is outside the id space", p.ID)
		}

		if seen[p.ID] {
			return fmt.Errorf("partition id %d appears more than once", p.ID)
		}

		seen[p.ID] = true

		if i == 0 {
			continue
		}

		prev := directory.partitions[i-1]

		if directory.relative(p.ID) <= directory.relative(prev.ID) {
			return fmt.Errorf("partition %d comes after partition %d out of id order", p.ID, prev.ID)
		}

		if bytes.Compare(p.encodedMax, prev.encodedMax) < 0 {
			return fmt.Errorf("partition %d has bound %s below the bound %s of partition %d", p.ID, p.Max, prev.Max, prev.ID)
		}
	}

	if !bytes.Equal(directory.Last().encodedMax, keystring.MustEncode(keystring.UpperBound(directory.ordering), directory.ordering)) {
		return fmt.Errorf("last partition %d is not open", directory.Last().ID)
	}

	return nil
}
