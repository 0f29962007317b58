package partition

import (
	"fmt"
	"strconv"
	"strings"
)

// DictionaryName returns the name of the physical dictionary that
// holds partition id of the logical store ident
func DictionaryName(ident string, id int64) string {
	return fmt.Sprintf("%s$$p%d", ident, id)
}

// ParseDictionaryName reverses DictionaryName. ok is false if name
// is not the name of a partition of ident.
func ParseDictionaryName(ident string, name string) (id int64, ok bool) {
	prefix := ident + "$$p"

	if !strings.HasPrefix(name, prefix) {
		return 0, false
	}

	id, err := strconv.ParseInt(name[len(prefix):], 10, 64)

	if err != nil || id < 0 {
		return 0, false
	}

	return id, true
}

// List is an ordered list of per-partition handles kept parallel
// to a Directory. Like a Directory it is a value: Append and Remove
// return a new list.
type List[S any] struct {
	ids     []int64
	handles []S
	offsets map[int64]int
}

// Len returns the number of partitions in the list
func (list List[S]) Len() int {
	return len(list.handles)
}

// At returns the id and handle at offset i
func (list List[S]) At(i int) (int64, S) {
	return list.ids[i], list.handles[i]
}

// Handle returns the handle at offset i
func (list List[S]) Handle(i int) S {
	return list.handles[i]
}

// Last returns the handle of the last partition
func (list List[S]) Last() S {
	return list.handles[len(list.handles)-1]
}

// Handles returns a copy of the handles in order
func (list List[S]) Handles() []S {
	handles := make([]S, len(list.handles))
	copy(handles, list.handles)

	return handles
}

// Offset returns the offset of the partition with this id
func (list List[S]) Offset(id int64) (int, bool) {
	i, ok := list.offsets[id]

	return i, ok
}

// Get returns the handle for the partition with this id
func (list List[S]) Get(id int64) (S, bool) {
	var zero S

	i, ok := list.offsets[id]

	if !ok {
		return zero, false
	}

	return list.handles[i], true
}

// Append returns a list with a handle appended at the end
func (list List[S]) Append(id int64, handle S) List[S] {
	next := List[S]{
		ids:     make([]int64, len(list.ids), len(list.ids)+1),
		handles: make([]S, len(list.handles), len(list.handles)+1),
	}

	copy(next.ids, list.ids)
	copy(next.handles, list.handles)
	next.ids = append(next.ids, id)
	next.handles = append(next.handles, handle)
	next.index()

	return next
}

// Remove returns a list without the partition with this id.
// ok is false if no such partition is in the list.
func (list List[S]) Remove(id int64) (next List[S], ok bool) {
	i, ok := list.offsets[id]

	if !ok {
		return list, false
	}

	next.ids = append(append(make([]int64, 0, len(list.ids)-1), list.ids[:i]...), list.ids[i+1:]...)
	next.handles = append(append(make([]S, 0, len(list.handles)-1), list.handles[:i]...), list.handles[i+1:]...)
	next.index()

	return next, true
}

func (list *List[S]) index() {
	list.offsets = make(map[int64]int, len(list.ids))

	for i, id := range list.ids {
		list.offsets[id] = i
	}
}
