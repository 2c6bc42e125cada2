// Package flow turns a byte stream into ordered, typed queues.
//
// A [Sender] owns the write side of a stream: callers enqueue messages and a
// single background goroutine encodes them in order. A [Receiver] owns the read
// side: a background goroutine decodes messages and buffers them until the
// caller asks for them.
package flow

import (
	"bufio"
	"errors"
	"io"
)

var (
	ErrFlowClosed = errors.New("flow: closed")
	ErrQueueFull  = errors.New("flow: queue is full")
)

// Encoder writes one message on a stream.
// It is supposed to return an error only when a final error is
// encountered.
type Encoder[T any] interface {
	Encode(w io.Writer, msg T) error
}

// Decoder reads one message from a stream.
// It MUST return `io.EOF` when the stream ended cleanly between two
// messages.
type Decoder[T any] interface {
	Decode(r *bufio.Reader) (T, error)
}

// Spawner runs fn on a new goroutine. Owners pass their own so the
// background loops of a flow are accounted for with their other tasks.
type Spawner func(name string, fn func())

func spawnOrGo(spawn Spawner, name string, fn func()) {
	if spawn == nil {
		go fn()
		return
	}
	spawn(name, fn)
}
