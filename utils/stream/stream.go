package stream

// Stream describes a stream of values
type Stream[T any] interface {
	// Next advances the stream. It must
	// be called once at the start to advance
	// to the first item in the stream. It returns
	// true if there is a value available
	// or false otherwise. It may return false in
	// case of an error. Error() will return
	// an error if this is the case and must be checked
	// after Next() returns false.
	Next() bool
	// Value returns the value at the current position
	// or the zero value if iteration is done.
	Value() T
	// Error returns the error that occurred, if any
	Error() error
}

// Processor is a function that returns a stream
// derived from a source stream.
type Processor[T any] func(Stream[T]) Stream[T]

// Pipeline connects a series of processors to a source
// stream and returns the derived stream. Pipeline can
// be useful to create code that is more readable than
// simply invoking processor functions in a nested way
// like this processor3(processor2(processor1(stream)))
func Pipeline[T any](stream Stream[T], processors ...Processor[T]) Stream[T] {
	for _, processor := range processors {
		if processor == nil {
			continue
		}

		stream = processor(stream)
	}

	return stream
}

// Collect drains the stream into a slice
func Collect[T any](stream Stream[T]) ([]T, error) {
	values := []T{}

	for stream.Next() {
		values = append(values, stream.Value())
	}

	if err := stream.Error(); err != nil {
		return nil, err
	}

	return values, nil
}

// Slice returns a stream over the values of a slice
func Slice[T any](values []T) Stream[T] {
	return &sliceStream[T]{values: values, i: -1}
}

type sliceStream[T any] struct {
	values []T
	i      int
}

func (stream *sliceStream[T]) Next() bool {
	if stream.i < len(stream.values) {
		stream.i++
	}

	return stream.i < len(stream.values)
}

func (stream *sliceStream[T]) Value() T {
	var zero T

	if stream.i < 0 || stream.i >= len(stream.values) {
		return zero
	}

	return stream.values[stream.i]
}

func (stream *sliceStream[T]) Error() error {
	return nil
}
