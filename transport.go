package drumpond

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"
)

const (
	NetworkTCP  = "tcp"
	NetworkUnix = "unix"
	NetworkQUIC = "quic"
)

// Listen opens a listener on network. Every accepted `net.Conn` is one
// logical connection, for QUIC it is the first stream opened by the
// remote.
func Listen(network, addr string, tlsConf *tls.Config) (net.Listener, error) {
	switch network {
	case NetworkTCP, NetworkUnix:
		ln, err := net.Listen(network, addr)
		if err != nil {
			return nil, fmt.Errorf("transport: failed to listen on %s: %w", addr, err)
		}
		return ln, nil
	case NetworkQUIC:
		if tlsConf == nil {
			return nil, ErrNoTLSConfig
		}
		return listenQUIC(addr, tlsConf)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownNetwork, network)
	}
}

// Dial opens one logical connection to addr.
func Dial(ctx context.Context, network, addr string, tlsConf *tls.Config, timeout time.Duration) (net.Conn, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	switch network {
	case NetworkTCP, NetworkUnix:
		var d net.Dialer
		return d.DialContext(ctx, network, addr)
	case NetworkQUIC:
		if tlsConf == nil {
			return nil, ErrNoTLSConfig
		}
		return dialQUIC(ctx, addr, tlsConf)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownNetwork, network)
	}
}

// acceptor runs the accept loop shared by the relay server and the log
// sink: one task per accepted connection.
type acceptor struct {
	telemetry
	tasks   *TaskSet
	closing *atomic.Bool
	metric  []string
	kind    string
	handle  func(id string, conn net.Conn)
}

// serveConns accepts until ln is closed. It returns nil if the listener
// was closed on purpose.
func (a *acceptor) serveConns(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if a.closing.Load() || errors.Is(err, net.ErrClosed) {
				a.logger.Debug("listener gracefully shutting down")
				return nil
			}

			a.logger.Warn("unexpected listener closure", LabelError.L(err))
			return err
		}

		peer := conn.RemoteAddr().String()
		a.incr(a.metric, LabelPeerAddr.M(peer))
		a.logger.Debug("accepted connection", LabelPeerAddr.L(peer))
		a.tasks.Go(a.kind, func(id string) {
			a.handle(id, conn)
		})
	}
}
