package drumpond

import "sync"

// StopSignal is a latch telling the owner of a set of tasks to shut down.
// The zero value is ready to use.
type StopSignal struct {
	lk  sync.Mutex
	ch  chan struct{}
	set bool
}

// Set raises the signal. Calling it more than once is a no-op.
func (s *StopSignal) Set() {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.init()
	if !s.set {
		s.set = true
		close(s.ch)
	}
}

func (s *StopSignal) IsSet() bool {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.set
}

// Done returns a channel closed once the signal is set.
func (s *StopSignal) Done() <-chan struct{} {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.init()
	return s.ch
}

// Reset re-arms the signal. Channels previously returned by `Done` stay
// closed.
func (s *StopSignal) Reset() {
	s.lk.Lock()
	defer s.lk.Unlock()
	if s.set {
		s.set = false
		s.ch = make(chan struct{})
	}
}

// not thread safe!
// must be called by an holder of the lock
func (s *StopSignal) init() {
	if s.ch == nil {
		s.ch = make(chan struct{})
	}
}
