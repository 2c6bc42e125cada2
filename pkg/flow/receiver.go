package flow

import (
	"bufio"
	"context"
	"io"
	"sync"
)

// Receiver is a thread-safe and typed flow reader.
type Receiver[T any] struct {
	r   *bufio.Reader
	dec Decoder[T]

	readCh  chan T
	closeCh chan struct{}
	doneCh  chan struct{}

	// handle Close sync.
	closed bool
	err    error
	lk     sync.Mutex
}

// NewReceiver starts the background reader of the flow. It stops at the
// first decoding error, which is then returned by `Recv` once every
// message decoded before it has been consumed.
func NewReceiver[T any](r io.Reader, dec Decoder[T], bufferSize uint, spawn Spawner) *Receiver[T] {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}

	rcv := &Receiver[T]{
		r:   br,
		dec: dec,

		readCh:  make(chan T, bufferSize),
		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	spawnOrGo(spawn, "receiver", rcv.run)
	return rcv
}

// Recv returns the next message. Once the stream is over it returns
// the error which ended it, `io.EOF` for a clean end.
func (rcv *Receiver[T]) Recv(ctx context.Context) (result T, err error) {
	select {
	case <-ctx.Done():
		return result, ctx.Err()
	case elem, ok := <-rcv.readCh:
		if !ok {
			return result, rcv.Err()
		}
		return elem, nil
	}
}

// Err returns the error which ended the flow, if any.
func (rcv *Receiver[T]) Err() error {
	rcv.lk.Lock()
	defer rcv.lk.Unlock()
	return rcv.err
}

// Done is closed once the background reader returned.
func (rcv *Receiver[T]) Done() <-chan struct{} {
	return rcv.doneCh
}

// Close stops delivering messages. A reader blocked on the stream only
// returns once the stream itself is closed by its owner.
func (rcv *Receiver[T]) Close() error {
	rcv.lk.Lock()
	defer rcv.lk.Unlock()
	if rcv.closed {
		return nil
	}
	rcv.closed = true
	if rcv.err == nil {
		rcv.err = ErrFlowClosed
	}
	close(rcv.closeCh)
	return nil
}

func (rcv *Receiver[T]) run() {
	defer close(rcv.doneCh)
	defer close(rcv.readCh)
	for {
		msg, err := rcv.dec.Decode(rcv.r)
		if err != nil {
			rcv.lk.Lock()
			if rcv.err == nil {
				rcv.err = err
			}
			rcv.lk.Unlock()
			return
		}

		select {
		case <-rcv.closeCh:
			return
		case rcv.readCh <- msg:
		}
	}
}
