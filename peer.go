package drumpond

import (
	"net"
	"sync"
	"time"

	"github.com/raskyld/drumpond/pkg/flow"
	"github.com/raskyld/drumpond/pkg/frame"
)

// peer is the server side of a client connection.
type peer struct {
	// name is set once by the connection handler, before registration.
	name string
	addr string

	conn   net.Conn
	sender *flow.Sender[[]byte]

	closeOnce sync.Once
	closedCh  chan struct{}
}

func newPeer(conn net.Conn, bufferSize uint, spawn flow.Spawner) *peer {
	return &peer{
		addr:     conn.RemoteAddr().String(),
		conn:     conn,
		sender:   flow.NewSender[[]byte](conn, frame.ControlCodec{}, bufferSize, spawn),
		closedCh: make(chan struct{}),
	}
}

// deliver queues a control body without blocking.
func (p *peer) deliver(body []byte) error {
	return p.sender.TrySend(body)
}

func (p *peer) alive() bool {
	select {
	case <-p.closedCh:
		return false
	default:
		return true
	}
}

// close flushes what is queued for at most grace, then closes the
// connection. Concurrent callers wait for the first one to finish.
func (p *peer) close(grace time.Duration) {
	p.closeOnce.Do(func() {
		close(p.closedCh)
		p.conn.SetWriteDeadline(time.Now().Add(grace))
		p.sender.Close()
		p.conn.Close()
	})
}
