package drumpond

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// ALPN is the application protocol negotiated on QUIC connections.
const ALPN = "drumpond"

const quicLinger = 500 * time.Millisecond

func quicTLS(tlsConf *tls.Config) *tls.Config {
	conf := tlsConf.Clone()
	if !slices.Contains(conf.NextProtos, ALPN) {
		conf.NextProtos = append(conf.NextProtos, ALPN)
	}
	return conf
}

func quicConfig() *quic.Config {
	return &quic.Config{
		Versions:        []quic.Version{quic.Version2, quic.Version1},
		MaxIdleTimeout:  1 * time.Minute,
		KeepAlivePeriod: 15 * time.Second,
	}
}

// quicListener hands out the first stream of every incoming connection as
// a `net.Conn`.
type quicListener struct {
	ln     *quic.Listener
	connCh chan net.Conn
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func listenQUIC(addr string, tlsConf *tls.Config) (net.Listener, error) {
	ln, err := quic.ListenAddr(addr, quicTLS(tlsConf), quicConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate QUIC listener: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ql := &quicListener{
		ln:     ln,
		connCh: make(chan net.Conn),
		ctx:    ctx,
		cancel: cancel,
	}

	ql.wg.Add(1)
	go ql.acceptCx()
	return ql, nil
}

func (ql *quicListener) Accept() (net.Conn, error) {
	select {
	case conn := <-ql.connCh:
		return conn, nil
	case <-ql.ctx.Done():
		return nil, net.ErrClosed
	}
}

func (ql *quicListener) Addr() net.Addr {
	return ql.ln.Addr()
}

func (ql *quicListener) Close() error {
	var err error
	ql.once.Do(func() {
		ql.cancel()
		err = ql.ln.Close()
		ql.wg.Wait()
	})
	return err
}

func (ql *quicListener) acceptCx() {
	defer ql.wg.Done()
	for {
		conn, err := ql.ln.Accept(ql.ctx)
		if err != nil {
			// only returns once the listener is closed.
			return
		}

		ql.wg.Add(1)
		go ql.handleStreams(conn)
	}
}

func (ql *quicListener) handleStreams(conn quic.Connection) {
	defer ql.wg.Done()
	stream, err := conn.AcceptStream(ql.ctx)
	if err != nil {
		QErrNoStream.Close(conn, "no stream opened before shutdown")
		return
	}

	sc := newStreamConn(conn, stream)
	select {
	case ql.connCh <- sc:
	case <-ql.ctx.Done():
		sc.Close()
	}
}

func dialQUIC(ctx context.Context, addr string, tlsConf *tls.Config) (net.Conn, error) {
	conn, err := quic.DialAddr(ctx, addr, quicTLS(tlsConf), quicConfig())
	if err != nil {
		return nil, err
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		QErrNoStream.Close(conn, "could not open stream")
		return nil, err
	}
	return newStreamConn(conn, stream), nil
}

// streamConn owns both the stream and its connection: closing it closes
// the whole QUIC connection.
type streamConn struct {
	conn quic.Connection

	// NB: quic.Stream already serialises Read, Write and Close, we only
	// make sure the connection is closed once.
	quic.Stream

	once sync.Once
	err  error
}

func newStreamConn(conn quic.Connection, stream quic.Stream) *streamConn {
	return &streamConn{
		conn:   conn,
		Stream: stream,
	}
}

func (sc *streamConn) LocalAddr() net.Addr {
	return sc.conn.LocalAddr()
}

func (sc *streamConn) RemoteAddr() net.Addr {
	return sc.conn.RemoteAddr()
}

// Close sends what is left on the stream and gives the remote a short
// time to read it before closing the connection.
func (sc *streamConn) Close() error {
	sc.once.Do(func() {
		sc.err = sc.Stream.Close()
		sc.Stream.CancelRead(QErrStreamClosed)

		select {
		case <-sc.conn.Context().Done():
		case <-time.After(quicLinger):
		}
		QErrShutdown.Close(sc.conn, "connection closed")
	})
	return sc.err
}
