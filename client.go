package drumpond

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/raskyld/drumpond/pkg/flow"
	"github.com/raskyld/drumpond/pkg/frame"
)

var validName = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// Handler is called by a `Client` for every message sent by another
// client. Returning an error stops the client.
type Handler func(ctx context.Context, msg frame.Message) error

// Client is a named connection to a relay `Server`.
type Client struct {
	telemetry
	name string
	addr string
	cfg  *config

	tasks TaskSet
	stop  StopSignal

	// ctx is passed to the handler and spawned tasks, it is cancelled on
	// `Close`.
	ctx    context.Context
	cancel context.CancelFunc

	closing    atomic.Bool
	connecting atomic.Bool
	lost       atomic.Bool

	lk        sync.Mutex
	handler   Handler
	conn      net.Conn
	sender    *flow.Sender[frame.Message]
	recvDone  chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewClient prepares a client registering as name on the relay at addr.
func NewClient(name, addr string, opts ...Option) (*Client, error) {
	if !validName.MatchString(name) {
		return nil, ErrNameInvalid
	}

	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		name:     name,
		addr:     addr,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		recvDone: make(chan struct{}),
	}
	c.telemetry = newTelemetry(cfg)
	c.logger = c.logger.With(LabelPeerName.L(name))
	return c, nil
}

// Name is the name the client registers with.
func (c *Client) Name() string {
	return c.name
}

// OnMessage sets the handler called for every message of other clients.
// It must be set before `Connect`.
func (c *Client) OnMessage(h Handler) {
	c.lk.Lock()
	defer c.lk.Unlock()
	c.handler = h
}

// Connect dials the relay, retrying with an exponential backoff, then
// registers and starts receiving messages. `Close` aborts a pending
// dial.
func (c *Client) Connect(ctx context.Context) error {
	if c.closing.Load() || !c.connecting.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	conn, err := c.dial(ctx)
	if err != nil {
		c.connecting.Store(false)
		return fmt.Errorf("%w: %w", ErrDialFailed, err)
	}

	c.lk.Lock()
	defer c.lk.Unlock()
	if c.closing.Load() {
		conn.Close()
		return ErrConnectionLost
	}

	c.conn = conn
	c.sender = flow.NewSender[frame.Message](
		conn, frame.MessageCodec{}, c.cfg.sendBuffer, c.tasks.Spawner("client"))
	rcv := flow.NewReceiver[frame.Message](
		conn, frame.MessageCodec{}, c.cfg.sendBuffer, c.tasks.Spawner("client"))

	h := c.handler
	c.tasks.Go("receive", func(id string) {
		c.receive(id, rcv, h)
	})

	if err := c.sender.Send(ctx, frame.Register(c.name)); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}

	c.logger.Info("connected to relay", "addr", conn.RemoteAddr().String())
	return nil
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(c.ctx, cancel)()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.cfg.retryInterval
	eb.MaxInterval = 2 * time.Second
	eb.MaxElapsedTime = 0

	var conn net.Conn
	op := func() error {
		var err error
		conn, err = Dial(ctx, c.cfg.network, c.addr, c.cfg.tlsConf, c.cfg.dialTimeout)
		if errors.Is(err, ErrUnknownNetwork) || errors.Is(err, ErrNoTLSConfig) {
			return backoff.Permanent(err)
		}
		return err
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(eb, c.cfg.retryAttempts), ctx)
	err := backoff.RetryNotify(op, bo, func(err error, next time.Duration) {
		c.logger.Debug("relay not reachable yet", LabelError.L(err), "retry_in", next)
		c.incr(MetricClientDialRetryCount)
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// receive hands messages to h until a stop message, an error, or
// `Close`. The session is over once it returns: `Send` fails from then.
func (c *Client) receive(id string, rcv *flow.Receiver[frame.Message], h Handler) {
	defer close(c.recvDone)
	defer c.stop.Set()
	defer c.lost.Store(true)
	defer rcv.Close()

	logger := c.logger.With(LabelTask.L(id))
	for {
		msg, err := rcv.Recv(c.ctx)
		if err != nil {
			switch {
			case c.closing.Load():
				logger.Debug("receive loop gracefully shutting down")
			case errors.Is(err, io.EOF):
				logger.Log(context.Background(), LevelCritical, "connection lost: relay closed the connection")
			case errors.Is(err, frame.ErrMalformedMessage):
				logger.Log(context.Background(), LevelCritical, "could not decode message", LabelError.L(err))
			default:
				logger.Log(context.Background(), LevelCritical, "connection lost", LabelError.L(err))
			}
			return
		}
		c.incr(MetricClientRecvCount, LabelKind.M(msg.Kind.String()))

		if msg.IsStop() {
			logger.Info("stop received", LabelPeerName.L(msg.Sender))
			return
		}

		if msg.Sender == c.name || h == nil {
			continue
		}

		if err := h(c.ctx, msg); err != nil {
			logger.Error("message handler failed", LabelError.L(err), "payload", msg.Payload)
			return
		}
	}
}

// Send broadcasts payload to every client. The payload "STOP" sends a
// stop message.
func (c *Client) Send(ctx context.Context, payload string) error {
	return c.send(ctx, frame.Data(c.name, payload))
}

// SendStop asks the relay and every client to stop.
func (c *Client) SendStop(ctx context.Context) error {
	return c.send(ctx, frame.Stop(c.name))
}

func (c *Client) send(ctx context.Context, msg frame.Message) error {
	c.lk.Lock()
	sender := c.sender
	c.lk.Unlock()

	if sender == nil || c.closing.Load() || c.lost.Load() {
		return ErrConnectionLost
	}

	if err := sender.Send(ctx, msg); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}

	c.incr(MetricClientSendCount, LabelKind.M(msg.Kind.String()))
	return nil
}

// Spawn runs fn in the task set of the client. Its context is cancelled
// when the client closes, an error other than cancellation stops the
// client.
func (c *Client) Spawn(name string, fn func(ctx context.Context) error) {
	c.tasks.Go(name, func(id string) {
		err := fn(c.ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("task failed", LabelTask.L(id), LabelError.L(err))
			c.stop.Set()
		}
	})
}

// Run connects then blocks until the client is asked to stop or ctx is
// cancelled, and closes the client.
func (c *Client) Run(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}

	select {
	case <-c.stop.Done():
	case <-ctx.Done():
	}
	return c.Close()
}

// RequestStop asks the client to stop, it can be called from any
// goroutine, handlers included.
func (c *Client) RequestStop() {
	c.stop.Set()
}

// Stopped is closed once the client was asked to stop.
func (c *Client) Stopped() <-chan struct{} {
	return c.stop.Done()
}

// Done is closed once the receive loop returned.
func (c *Client) Done() <-chan struct{} {
	return c.recvDone
}

// Close flushes queued messages, closes the connection and waits for
// every task of the client. It must not be called from a `Handler`.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		c.stop.Set()
		c.cancel()

		c.lk.Lock()
		conn, sender := c.conn, c.sender
		c.lk.Unlock()

		if sender != nil {
			conn.SetWriteDeadline(time.Now().Add(c.cfg.shutdownGrace))
			if err := sender.Close(); err != nil && !c.lost.Load() {
				c.closeErr = err
			}
		}
		if conn != nil {
			conn.Close()
		} else {
			close(c.recvDone)
		}

		c.tasks.Wait()
		c.logger.Debug("client closed")
	})
	return c.closeErr
}

// Tasks exposes the goroutines owned by the client.
func (c *Client) Tasks() *TaskSet {
	return &c.tasks
}
