package stream

import (
	"github.com/emirpasic/gods/trees/redblacktree"
)

// Sort finds the lowest N elements in a stream as defined by the comparison
// function and returns them in ascending order. If limit > 0 then N = limit,
// otherwise N = the size of the stream. In other words, if limit is <= 0 then
// it sorts the entire collection. Elements that compare equal keep their
// order from the source stream.
func Sort[T any](compare func(a, b T) int, limit int) Processor[T] {
	return func(stream Stream[T]) Stream[T] {
		return &sortedStream[T]{Stream: stream, compare: compare, limit: limit}
	}
}

type sortedEntry[T any] struct {
	value T
	seq   int
}

type sortedStream[T any] struct {
	Stream[T]
	compare func(a, b T) int
	limit   int
	window  *redblacktree.Tree
	iter    *redblacktree.Iterator
	current T
}

func (stream *sortedStream[T]) fill() {
	stream.window = redblacktree.NewWith(func(a, b interface{}) int {
		x := a.(sortedEntry[T])
		y := b.(sortedEntry[T])

		if c := stream.compare(x.value, y.value); c != 0 {
			return c
		}

		return x.seq - y.seq
	})

	for seq := 0; stream.Stream.Next(); seq++ {
		stream.window.Put(sortedEntry[T]{value: stream.Stream.Value(), seq: seq}, nil)

		// Keep only the smallest N values that we see, where N = limit
		if stream.limit > 0 && stream.window.Size() > stream.limit {
			stream.window.Remove(stream.window.Right().Key)
		}
	}

	iter := stream.window.Iterator()
	stream.iter = &iter
}

func (stream *sortedStream[T]) Next() bool {
	if stream.iter == nil {
		stream.fill()

		if stream.Stream.Error() != nil {
			return false
		}
	}

	if !stream.iter.Next() {
		var zero T
		stream.current = zero

		return false
	}

	stream.current = stream.iter.Key().(sortedEntry[T]).value

	return true
}

func (stream *sortedStream[T]) Value() T {
	return stream.current
}
