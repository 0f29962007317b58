package stream_test

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/jrife/strata/utils/stream"
	"go.uber.org/zap"
)

func ints(n int) stream.Stream[int] {
	return &randomIntStream{n, 0}
}

type randomIntStream struct {
	n int
	v int
}

func (stream *randomIntStream) Next() bool {
	if stream.n > 0 {
		stream.n--
		stream.v = rand.Int() - rand.Int()

		return true
	}

	return false
}

func (stream *randomIntStream) Value() int {
	return stream.v
}

func (stream *randomIntStream) Error() error {
	return nil
}

func record(record *[]int) stream.Processor[int] {
	*record = []int{}

	return func(s stream.Stream[int]) stream.Stream[int] {
		return &streamRecorder{s, record}
	}
}

type streamRecorder struct {
	stream.Stream[int]
	record *[]int
}

func (stream *streamRecorder) Next() bool {
	if !stream.Stream.Next() {
		return false
	}

	*stream.record = append(*stream.record, stream.Value())

	return true
}

func Drain(s stream.Stream[int]) {
	for s.Next() {
	}
}

func Filter(ints []int, filter func(a int) bool) []int {
	filteredInts := []int{}

	for _, i := range ints {
		if filter(i) {
			filteredInts = append(filteredInts, i)
		}
	}

	return filteredInts
}

func Sort(ints []int) []int {
	sort.Ints(ints)

	return ints
}

func Limit(ints []int, limit int) []int {
	if limit <= 0 || limit > len(ints) {
		return ints
	}

	return ints[:limit]
}

func Reverse(ints []int) []int {
	reversed := []int{}

	for i := len(ints) - 1; i >= 0; i-- {
		reversed = append(reversed, ints[i])
	}

	return reversed
}

func Negate(compare func(a, b int) int) func(a, b int) int {
	return func(a, b int) int {
		return -1 * compare(a, b)
	}
}

func compare(a, b int) int {
	if a < b {
		return -1
	} else if a > b {
		return 1
	}

	return 0
}

func TestStream(t *testing.T) {
	positive := func(a int) bool { return a > 0 }
	limit := 10

	input := []int{}
	output := []int{}

	Drain(stream.Pipeline(ints(1000), record(&input), stream.Filter(positive), stream.Sort(compare, -1), stream.Limit[int](limit), record(&output)))
	diff := cmp.Diff(Limit(Sort(Filter(input, positive)), limit), output)

	if diff != "" {
		t.Fatal(diff)
	}

	Drain(stream.Pipeline(ints(1000), record(&input), stream.Filter(positive), stream.Sort(compare, -1), record(&output)))
	diff = cmp.Diff(Sort(Filter(input, positive)), output)

	if diff != "" {
		t.Fatal(diff)
	}

	Drain(stream.Pipeline(ints(1000), record(&input), stream.Filter(positive), stream.Sort(Negate(compare), -1), record(&output)))
	diff = cmp.Diff(Reverse(Sort(Filter(input, positive))), output)

	if diff != "" {
		t.Fatal(diff)
	}

	Drain(stream.Pipeline(ints(1000), record(&input), stream.Filter(positive), stream.Sort(Negate(compare), limit), record(&output)))
	diff = cmp.Diff(Limit(Reverse(Sort(Filter(input, positive))), limit), output)

	if diff != "" {
		t.Fatal(diff)
	}
}

func TestSortIsStable(t *testing.T) {
	type pair struct {
		Key   int
		Order int
	}

	input := []pair{{1, 0}, {0, 1}, {1, 2}, {0, 3}, {1, 4}}
	sorted, err := stream.Collect(stream.Pipeline(stream.Slice(input), stream.Sort(func(a, b pair) int { return a.Key - b.Key }, -1)))

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	diff := cmp.Diff([]pair{{0, 1}, {0, 3}, {1, 0}, {1, 2}, {1, 4}}, sorted)

	if diff != "" {
		t.Fatal(diff)
	}
}

func TestLog(t *testing.T) {
	values, err := stream.Collect(stream.Pipeline(stream.Slice([]int{3, 1, 2}), stream.Log[int](zap.NewNop()), stream.Limit[int](0)))

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	diff := cmp.Diff([]int{3, 1, 2}, values)

	if diff != "" {
		t.Fatal(diff)
	}
}
