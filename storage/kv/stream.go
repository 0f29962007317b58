package kv

import (
	"github.com/jrife/strata/utils/stream"
)

// Stream wraps the cursor in a stream
// whose values are KV instances. The
// first call to Next yields the key the
// cursor is currently positioned at.
func Stream(cursor Cursor) stream.Stream[KV] {
	return &kvStream{cursor: cursor}
}

type kvStream struct {
	cursor  Cursor
	started bool
}

func (stream *kvStream) Next() bool {
	if stream.started && stream.cursor.OK() {
		stream.cursor.Advance()
	}

	stream.started = true

	return stream.cursor.OK()
}

func (stream *kvStream) Value() KV {
	return KV{stream.cursor.Key(), stream.cursor.Value()}
}

func (stream *kvStream) Error() error {
	return stream.cursor.Error()
}
