package flow

import (
	"context"
	"io"
	"sync"
)

// Sender is a thread-safe and typed flow writer.
//
// Messages are written in the order they were enqueued by a single
// background goroutine. The underlying writer is never closed by the
// Sender: it belongs to whoever opened it.
type Sender[T any] struct {
	w   io.Writer
	enc Encoder[T]

	writeCh chan T
	closeCh chan struct{}
	doneCh  chan struct{}

	// handle Close sync.
	writers sync.WaitGroup
	closed  bool
	err     error
	lk      sync.Mutex
}

// NewSender starts the background writer of the flow. bufferSize is the
// number of messages which can be queued before `Send` blocks and
// `TrySend` fails.
func NewSender[T any](w io.Writer, enc Encoder[T], bufferSize uint, spawn Spawner) *Sender[T] {
	s := &Sender[T]{
		w:   w,
		enc: enc,

		writeCh: make(chan T, bufferSize),
		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	spawnOrGo(spawn, "sender", s.run)
	return s
}

// Send enqueues msg, blocking while the queue is full.
func (s *Sender[T]) Send(ctx context.Context, msg T) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.writers.Done()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closeCh:
		return ErrFlowClosed
	case s.writeCh <- msg:
	}

	return nil
}

// TrySend enqueues msg without blocking. It returns `ErrQueueFull` if the
// background writer is lagging behind.
func (s *Sender[T]) TrySend(msg T) error {
	if err := s.enter(); err != nil {
		return err
	}
	defer s.writers.Done()

	select {
	case s.writeCh <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// Err returns the write error which broke the flow, if any.
func (s *Sender[T]) Err() error {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.err
}

// Close stops accepting messages, waits for the queued ones to be written
// and returns the write error which broke the flow, if any.
//
// If the peer is not reading anymore, Close blocks until the writer
// returns: set a write deadline on the stream first.
func (s *Sender[T]) Close() error {
	s.lk.Lock()
	if s.closed {
		s.lk.Unlock()
		<-s.doneCh
		return s.Err()
	}
	s.closed = true
	close(s.closeCh)
	s.lk.Unlock()

	s.writers.Wait()
	close(s.writeCh)
	<-s.doneCh
	return s.Err()
}

func (s *Sender[T]) enter() error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if s.closed {
		return ErrFlowClosed
	}
	if s.err != nil {
		return s.err
	}
	s.writers.Add(1)
	return nil
}

func (s *Sender[T]) run() {
	defer close(s.doneCh)
	for msg := range s.writeCh {
		if s.Err() != nil {
			// drain what is left, nothing can be written anymore.
			continue
		}

		if err := s.enc.Encode(s.w, msg); err != nil {
			s.lk.Lock()
			s.err = err
			s.lk.Unlock()
		}
	}
}
