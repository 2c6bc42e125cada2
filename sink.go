package drumpond

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"maps"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raskyld/drumpond/pkg/frame"
)

// Sink receives log records shipped by `ShipHandler`s and emits them
// through a local `slog.Handler`. It stops once a record carrying
// `frame.QuitMessage` is received.
type Sink struct {
	telemetry
	addr string
	cfg  *config
	out  slog.Handler

	tasks TaskSet
	stop  StopSignal

	gracefulTerm atomic.Bool
	started      atomic.Bool

	ln        net.Listener
	conns     map[net.Conn]struct{}
	lk        sync.Mutex
	readyCh   chan struct{}
	stoppedCh chan struct{}
	doneCh    chan struct{}
	err       error
}

// NewSink prepares a sink listening on addr and re-emitting records to
// out.
func NewSink(addr string, out slog.Handler, opts ...Option) (*Sink, error) {
	if out == nil {
		return nil, ErrInvalidCfg
	}

	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}

	return &Sink{
		telemetry: newTelemetry(cfg),
		addr:      addr,
		cfg:       cfg,
		out:       out,
		conns:     make(map[net.Conn]struct{}),
		readyCh:   make(chan struct{}),
		stoppedCh: make(chan struct{}),
		doneCh:    make(chan struct{}),
	}, nil
}

// Start runs the sink on its own goroutine.
func (s *Sink) Start() {
	go s.Run(context.Background())
}

// Run serves until a quit record is received, `RequestStop` is called or
// ctx is cancelled.
func (s *Sink) Run(ctx context.Context) (err error) {
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

	acceptDone := make(chan struct{})
	acc := &acceptor{
		telemetry: s.telemetry,
		tasks:     &s.tasks,
		closing:   &s.gracefulTerm,
		metric:    MetricSinkConnAcceptCount,
		kind:      "sink-handler",
		handle:    s.handleConn,
	}
	s.tasks.Go("sink-accept", func(string) {
		defer close(acceptDone)
		if err := acc.serveConns(ln); err != nil {
			s.stop.Set()
		}
	})

	s.logger.Info("log sink listening", "addr", ln.Addr().String(), "network", s.cfg.network)
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

	// shippers may still be connected, their records are lost from now.
	s.lk.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.lk.Unlock()

	s.tasks.Wait()
	s.logger.Info("log sink shut down")
	return nil
}

func (s *Sink) handleConn(id string, conn net.Conn) {
	logger := s.connLogger(id, conn)

	s.lk.Lock()
	closing := s.gracefulTerm.Load()
	if !closing {
		s.conns[conn] = struct{}{}
	}
	s.lk.Unlock()

	defer func() {
		s.lk.Lock()
		delete(s.conns, conn)
		s.lk.Unlock()
		conn.Close()
	}()

	if closing {
		return
	}

	r := bufio.NewReader(conn)
	for {
		rec, err := frame.ReadRecord(r)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), s.gracefulTerm.Load():
				logger.Debug("shipper disconnected")
			default:
				logger.Error("could not decode log record", LabelError.L(err))
				s.incr(MetricSinkDecodeErrorCount, LabelPeerAddr.M(conn.RemoteAddr().String()))
			}
			return
		}

		s.incr(MetricSinkRecordCount, LabelPeerName.M(rec.Name))
		if err := s.emit(rec); err != nil {
			logger.Warn("local handler failed", LabelError.L(err))
		}

		if rec.IsQuit() {
			logger.Info("quit record received")
			s.stop.Set()
			return
		}
	}
}

// emit turns rec into a `slog.Record` handled by the local handler.
func (s *Sink) emit(rec *frame.Record) error {
	ctx := context.Background()
	level := rec.SlogLevel()
	if !s.out.Enabled(ctx, level) {
		return nil
	}

	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	r := slog.NewRecord(ts, level, rec.Message, 0)
	r.AddAttrs(slog.String("logger", rec.Name))
	if len(rec.Args) > 0 {
		r.AddAttrs(slog.Any("args", rec.Args))
	}
	for _, key := range slices.Sorted(maps.Keys(rec.Attrs)) {
		r.AddAttrs(slog.Any(key, rec.Attrs[key]))
	}
	return s.out.Handle(ctx, r)
}

// Ready is closed once the sink accepts connections.
func (s *Sink) Ready() <-chan struct{} {
	return s.readyCh
}

// Stopped is closed once the listener is released.
func (s *Sink) Stopped() <-chan struct{} {
	return s.stoppedCh
}

// Done is closed once `Run` returned.
func (s *Sink) Done() <-chan struct{} {
	return s.doneCh
}

// Wait blocks until `Run` returned and returns its error.
func (s *Sink) Wait() error {
	<-s.doneCh
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.err
}

// Addr is the address the sink listens on, nil before it is ready.
func (s *Sink) Addr() net.Addr {
	s.lk.Lock()
	defer s.lk.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// RequestStop asks the sink to shut down.
func (s *Sink) RequestStop() {
	s.stop.Set()
}

// Tasks exposes the goroutines owned by the sink.
func (s *Sink) Tasks() *TaskSet {
	return &s.tasks
}
