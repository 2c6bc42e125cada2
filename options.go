package drumpond

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
)

const (
	DefaultHost      = "127.0.0.1"
	DefaultRelayPort = 7581
	DefaultSinkPort  = 9488
)

type config struct {
	logHandler   slog.Handler
	metricSink   metrics.MetricSink
	metricLabels []metrics.Label

	network     string
	tlsConf     *tls.Config
	dialTimeout time.Duration

	retryAttempts uint64
	retryInterval time.Duration

	sendBuffer    uint
	shutdownGrace time.Duration
}

// Option to pass to `NewServer`, `NewClient`, `NewSink` or
// `NewShipHandler`.
type Option func(*config) error

func newConfig(opts []Option) (*config, error) {
	cfg := &config{
		network:       NetworkTCP,
		dialTimeout:   5 * time.Second,
		retryAttempts: 10,
		retryInterval: 50 * time.Millisecond,
		sendBuffer:    256,
		shutdownGrace: 2 * time.Second,
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	if cfg.network == NetworkQUIC && cfg.tlsConf == nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, ErrNoTLSConfig)
	}
	return cfg, nil
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.metricSink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithNetwork selects the transport: "tcp" (default), "unix" or "quic".
// QUIC requires `WithTlsConfig`.
func WithNetwork(network string) Option {
	return func(c *config) error {
		switch network {
		case "":
			c.network = NetworkTCP
		case NetworkTCP, NetworkUnix, NetworkQUIC:
			c.network = network
		default:
			return fmt.Errorf("%w: %q", ErrUnknownNetwork, network)
		}
		return nil
	}
}

// WithTlsConfig set the `tls.Config` used by the QUIC transport.
func WithTlsConfig(tlsConf *tls.Config) Option {
	return func(c *config) error {
		if tlsConf == nil {
			return ErrNoTLSConfig
		}
		c.tlsConf = tlsConf.Clone()
		return nil
	}
}

// WithDialTimeout controls how much time we are willing to wait for the
// remote to answer a single dial attempt.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = 5 * time.Second
		}
		c.dialTimeout = timeout
		return nil
	}
}

// WithRetry controls how many times a client retries to dial the server
// and the first interval between two attempts. Intervals grow
// exponentially.
func WithRetry(attempts uint64, initial time.Duration) Option {
	return func(c *config) error {
		if initial <= 0 {
			return fmt.Errorf("retry interval must be positive, got %s", initial)
		}
		c.retryAttempts = attempts
		c.retryInterval = initial
		return nil
	}
}

// WithSendBuffer is the number of frames which can be queued for a
// connection before new ones are dropped (server) or `Send` blocks
// (client).
func WithSendBuffer(size uint) Option {
	return func(c *config) error {
		if size == 0 {
			return fmt.Errorf("send buffer must hold at least one frame")
		}
		c.sendBuffer = size
		return nil
	}
}

// WithShutdownGrace controls how much time we wait on shutdown for queued
// frames to be flushed to a peer.
func WithShutdownGrace(period time.Duration) Option {
	return func(c *config) error {
		if period == 0 {
			period = 2 * time.Second
		}
		c.shutdownGrace = period
		return nil
	}
}
