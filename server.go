package drumpond

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/raskyld/drumpond/pkg/flow"
	"github.com/raskyld/drumpond/pkg/frame"
)

// Server is the relay: every message a registered client sends is
// broadcast to every registered client, the sender included.
//
// The first message of a connection registers its sender name, whatever
// it contains. A stop message is broadcast then shuts the server down.
type Server struct {
	telemetry
	addr string
	cfg  *config

	tasks    TaskSet
	stop     StopSignal
	registry *registry

	// graceful termination asked, do not spam of connection error in logs
	gracefulTerm atomic.Bool
	started      atomic.Bool

	ln        net.Listener
	live      map[*peer]struct{}
	lk        sync.Mutex
	readyCh   chan struct{}
	stoppedCh chan struct{}
	doneCh    chan struct{}
	err       error
}

// NewServer prepares a relay listening on addr once started.
func NewServer(addr string, opts ...Option) (*Server, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}

	s := &Server{
		telemetry: newTelemetry(cfg),
		addr:      addr,
		cfg:       cfg,
		live:      make(map[*peer]struct{}),
		readyCh:   make(chan struct{}),
		stoppedCh: make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	s.registry = newRegistry(s.telemetry)
	return s, nil
}

// Start runs the server on its own goroutine. Use `Wait` to get the
// result of `Run`.
func (s *Server) Start() {
	go s.Run(context.Background())
}

// Run serves until a client sends a stop message, `RequestStop` is called
// or ctx is cancelled. It returns once every connection is closed and
// every task of the server returned.
func (s *Server) Run(ctx context.Context) (err error) {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	defer func() {
		s.lk.Lock()
		s.err = err
		s.lk.Unlock()
		close(s.doneCh)
	}()

	ln, err := Listen(s.cfg.network, s.addr, s.cfg.tlsConf)
	if err != nil {
		close(s.stoppedCh)
		return err
	}

	s.lk.Lock()
	s.ln = ln
	s.lk.Unlock()

	s.registry.start(&s.tasks)

	acceptDone := make(chan struct{})
	acc := &acceptor{
		telemetry: s.telemetry,
		tasks:     &s.tasks,
		closing:   &s.gracefulTerm,
		metric:    MetricRelayConnAcceptCount,
		kind:      "handler",
		handle:    s.handleConn,
	}
	s.tasks.Go("accept", func(string) {
		defer close(acceptDone)
		if err := acc.serveConns(ln); err != nil {
			s.stop.Set()
		}
	})

	s.logger.Info("relay listening", "addr", ln.Addr().String(), "network", s.cfg.network)
	close(s.readyCh)

	select {
	case <-s.stop.Done():
	case <-ctx.Done():
	}

	s.gracefulTerm.Store(true)
	ln.Close()
	<-acceptDone
	s.stop.Reset()
	close(s.stoppedCh)
	s.logger.Info("relay stopped accepting connections")

	s.shutdown()
	return nil
}

// shutdown flushes and closes every connection, registered or not, then
// waits for the tasks to drain.
func (s *Server) shutdown() {
	closing := s.registry.drain()

	s.lk.Lock()
	for p := range s.live {
		closing = append(closing, p)
	}
	s.lk.Unlock()

	var wg sync.WaitGroup
	for _, p := range closing {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.close(s.cfg.shutdownGrace)
		}()
	}
	wg.Wait()

	s.registry.stop()
	s.tasks.Wait()
	s.logger.Info("relay shut down")
}

func (s *Server) handleConn(id string, conn net.Conn) {
	p := newPeer(conn, s.cfg.sendBuffer, s.tasks.Spawner(id))
	logger := s.connLogger(id, conn)

	s.lk.Lock()
	closing := s.gracefulTerm.Load()
	if !closing {
		s.live[p] = struct{}{}
	}
	s.lk.Unlock()

	defer func() {
		s.lk.Lock()
		delete(s.live, p)
		s.lk.Unlock()
		p.close(s.cfg.shutdownGrace)
	}()

	if closing {
		logger.Debug("refusing connection accepted during shutdown")
		return
	}

	rcv := flow.NewReceiver[[]byte](conn, frame.ControlCodec{}, 1, s.tasks.Spawner(id))
	defer rcv.Close()

	registered := false
	for {
		body, err := rcv.Recv(context.Background())
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), s.gracefulTerm.Load(), !p.alive():
				logger.Debug("connection closed")
			default:
				logger.Warn("error reading from client", LabelError.L(err))
			}
			break
		}

		msg, err := frame.DecodeMessage(body)
		if err != nil {
			logger.Error("could not decode message", LabelError.L(err), "raw", string(body))
			s.incr(MetricRelayDecodeErrorCount, LabelPeerAddr.M(p.addr))
			break
		}

		if !registered {
			p.name = msg.Sender
			if err := s.registry.register(p); err != nil {
				logger.Warn("registration refused", LabelPeerName.L(msg.Sender), LabelError.L(err))
				if errors.Is(err, ErrNameConflict) {
					s.incr(MetricRelayRegisterConflictCount, LabelPeerName.M(msg.Sender))
				}
				return
			}

			registered = true
			defer s.registry.unregister(p)
			logger = logger.With(LabelPeerName.L(p.name))
			logger.Info("registered new client")
			s.incr(MetricRelayRegisterCount, LabelPeerName.M(p.name))
			continue
		}

		n := s.registry.broadcast(body)
		s.incr(MetricRelayBroadcastCount, LabelKind.M(msg.Kind.String()))
		logger.Debug("broadcast message", "payload", msg.Payload, "delivered", n)

		if msg.IsStop() {
			logger.Info("client requested the relay to stop")
			s.stop.Set()
			break
		}
	}
}

// Ready is closed once the server accepts connections.
func (s *Server) Ready() <-chan struct{} {
	return s.readyCh
}

// Stopped is closed once the listener is released.
func (s *Server) Stopped() <-chan struct{} {
	return s.stoppedCh
}

// Done is closed once `Run` returned.
func (s *Server) Done() <-chan struct{} {
	return s.doneCh
}

// Wait blocks until `Run` returned and returns its error.
func (s *Server) Wait() error {
	<-s.doneCh
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.err
}

// Addr is the address the server listens on, nil before it is ready.
func (s *Server) Addr() net.Addr {
	s.lk.Lock()
	defer s.lk.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// RequestStop asks the server to shut down, it can be called from any
// goroutine.
func (s *Server) RequestStop() {
	s.stop.Set()
}

// Peers returns the names of the registered clients in broadcast order.
func (s *Server) Peers() []string {
	return s.registry.snapshot()
}

// Tasks exposes the goroutines owned by the server.
func (s *Server) Tasks() *TaskSet {
	return &s.tasks
}

func (s *Server) String() string {
	return fmt.Sprintf("relay(%s)", s.addr)
}
