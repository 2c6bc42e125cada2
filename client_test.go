package drumpond

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/drumpond/pkg/frame"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockHandler struct {
	m mock.Mock
}

func (h *MockHandler) Handle(_ context.Context, msg frame.Message) error {
	args := h.m.Called(msg)
	return args.Error(0)
}

func newTestClient(t *testing.T, name string, addr net.Addr, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{
		WithLog(testHandler(name)),
		WithShutdownGrace(200 * time.Millisecond),
	}, opts...)

	c, err := NewClient(name, addr.String(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// joinRaw registers a raw peer and waits for the relay to hold total
// registrations.
func joinRaw(t *testing.T, srv *Server, name string, total int) *rawPeer {
	t.Helper()
	p := dialRaw(t, srv.Addr())
	p.send(t, frame.Register(name))
	require.Eventually(t, func() bool {
		return len(srv.Peers()) == total
	}, 2*time.Second, 10*time.Millisecond)
	return p
}

func TestClient_EndToEnd(t *testing.T) {
	start := time.Now()
	srv := startServer(t)
	ctx := context.Background()

	a := newTestClient(t, "a", srv.Addr())
	a.OnMessage(func(_ context.Context, msg frame.Message) error {
		t.Errorf("a must not receive anything, got %+v", msg)
		return nil
	})

	var hb MockHandler
	pinged := make(chan struct{})
	hb.m.On("Handle", frame.Data("a", "ping")).Return(nil).Once().Run(func(mock.Arguments) {
		close(pinged)
	})
	b := newTestClient(t, "b", srv.Addr())
	b.OnMessage(hb.Handle)

	require.NoError(t, a.Connect(ctx))
	require.NoError(t, b.Connect(ctx))
	require.Eventually(t, func() bool {
		return len(srv.Peers()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Send(ctx, "ping"))
	waitDone(t, pinged, 2*time.Second)

	require.NoError(t, a.Send(ctx, "STOP"))
	waitDone(t, a.Stopped(), 2*time.Second)
	waitDone(t, b.Stopped(), 2*time.Second)
	waitDone(t, srv.Done(), 2*time.Second)

	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
	require.Less(t, time.Since(start), 2*time.Second)

	hb.m.AssertExpectations(t)
	require.Equal(t, 0, a.Tasks().Len(), "tasks left: %v", a.Tasks().Names())
	require.Equal(t, 0, b.Tasks().Len(), "tasks left: %v", b.Tasks().Names())
	require.Equal(t, 0, srv.Tasks().Len(), "tasks left: %v", srv.Tasks().Names())
}

func TestClient_SelfEchoFiltered(t *testing.T) {
	srv := startServer(t)
	ctx := context.Background()

	var ha MockHandler
	received := make(chan struct{})
	ha.m.On("Handle", frame.Data("b", "from b")).Return(nil).Once().Run(func(mock.Arguments) {
		close(received)
	})
	a := newTestClient(t, "a", srv.Addr())
	a.OnMessage(ha.Handle)
	require.NoError(t, a.Connect(ctx))

	b := joinRaw(t, srv, "b", 2)
	require.NoError(t, a.Send(ctx, "from a"))
	// the relay echoes to the sender as well.
	require.Equal(t, frame.Data("a", "from a"), b.recv(t))

	b.send(t, frame.Data("b", "from b"))
	waitDone(t, received, 2*time.Second)
	ha.m.AssertExpectations(t)
}

func TestClient_SendWithoutConnection(t *testing.T) {
	srv := startServer(t)
	ctx := context.Background()

	c := newTestClient(t, "a", srv.Addr())
	require.ErrorIs(t, c.Send(ctx, "hello"), ErrConnectionLost)

	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.Send(ctx, "hello"))

	require.NoError(t, c.Close())
	require.ErrorIs(t, c.Send(ctx, "hello"), ErrConnectionLost)
	require.ErrorIs(t, c.Connect(ctx), ErrAlreadyStarted)
}

func TestClient_ConnectBackoff(t *testing.T) {
	addr := freeAddr(t)
	sink := metrics.NewInmemSink(time.Second, 5*time.Minute)

	c, err := NewClient("late", addr,
		WithLog(testHandler("late")),
		WithMetricSink(sink),
		WithRetry(50, 20*time.Millisecond),
	)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	connected := make(chan error, 1)
	go func() {
		connected <- c.Connect(context.Background())
	}()

	time.Sleep(150 * time.Millisecond)
	srv, err := NewServer(addr, WithLog(testHandler("relay")))
	require.NoError(t, err)
	srv.Start()
	t.Cleanup(func() {
		srv.RequestStop()
		srv.Wait()
	})

	select {
	case err := <-connected:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("client never connected")
	}

	require.GreaterOrEqual(t, counterValue(sink, MetricClientDialRetryCount), 1)
	require.Eventually(t, func() bool {
		peers := srv.Peers()
		return len(peers) == 1 && peers[0] == "late"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClient_ConnectGivesUp(t *testing.T) {
	addr := freeAddr(t)

	t.Run("context cancelled", func(t *testing.T) {
		c, err := NewClient("a", addr, WithRetry(1000, 10*time.Millisecond))
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		require.ErrorIs(t, c.Connect(ctx), ErrDialFailed)
		require.NoError(t, c.Close())
	})

	t.Run("retries exhausted", func(t *testing.T) {
		c, err := NewClient("a", addr, WithRetry(2, time.Millisecond))
		require.NoError(t, err)
		require.ErrorIs(t, c.Connect(context.Background()), ErrDialFailed)
		require.NoError(t, c.Close())
	})
}

func TestClient_SendAfterStop(t *testing.T) {
	srv := startServer(t)
	ctx := context.Background()

	a := newTestClient(t, "a", srv.Addr())
	b := newTestClient(t, "b", srv.Addr())
	require.NoError(t, a.Connect(ctx))
	require.NoError(t, b.Connect(ctx))
	require.Eventually(t, func() bool {
		return len(srv.Peers()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, b.SendStop(ctx))
	waitDone(t, a.Done(), 2*time.Second)
	waitDone(t, b.Done(), 2*time.Second)
	waitDone(t, srv.Done(), 2*time.Second)

	require.ErrorIs(t, a.Send(ctx, "anyone?"), ErrConnectionLost)
	require.ErrorIs(t, b.Send(ctx, "anyone?"), ErrConnectionLost)
}

func TestClient_CloseAbortsConnect(t *testing.T) {
	c, err := NewClient("a", freeAddr(t),
		WithLog(testHandler("a")),
		WithRetry(1000, 50*time.Millisecond),
	)
	require.NoError(t, err)

	connected := make(chan error, 1)
	go func() {
		connected <- c.Connect(context.Background())
	}()
	time.Sleep(100 * time.Millisecond)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		c.Close()
	}()
	waitDone(t, closed, time.Second)

	select {
	case err := <-connected:
		require.ErrorIs(t, err, ErrDialFailed)
	case <-time.After(time.Second):
		t.Fatal("connect still dialing after close")
	}
	waitDone(t, c.Done(), time.Second)
}

func TestClient_HandlerErrorStopsClient(t *testing.T) {
	srv := startServer(t)
	ctx := context.Background()

	var ha MockHandler
	ha.m.On("Handle", mock.Anything).Return(errors.New("cannot render")).Once()
	a := newTestClient(t, "a", srv.Addr())
	a.OnMessage(ha.Handle)
	require.NoError(t, a.Connect(ctx))

	b := joinRaw(t, srv, "b", 2)
	b.send(t, frame.Data("b", "boom"))

	waitDone(t, a.Stopped(), 2*time.Second)
	waitDone(t, a.Done(), 2*time.Second)
	ha.m.AssertExpectations(t)

	select {
	case <-srv.Stopped():
		t.Fatal("a failing client must not stop the relay")
	default:
	}
}

func TestClient_RelayGone(t *testing.T) {
	srv := startServer(t)
	ctx := context.Background()

	logs := &lockedBuffer{}
	a := newTestClient(t, "a", srv.Addr(), WithLog(slog.NewJSONHandler(logs, nil)))
	require.NoError(t, a.Connect(ctx))
	require.Eventually(t, func() bool {
		return len(srv.Peers()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	srv.RequestStop()
	require.NoError(t, srv.Wait())

	waitDone(t, a.Stopped(), 2*time.Second)
	waitDone(t, a.Done(), 2*time.Second)
	require.ErrorIs(t, a.Send(ctx, "anyone?"), ErrConnectionLost)

	var lost map[string]any
	for _, line := range logs.Lines() {
		if line["msg"] == "connection lost: relay closed the connection" {
			lost = line
		}
	}
	require.NotNil(t, lost)
	require.Equal(t, LevelCritical.String(), lost["level"])
}

func TestClient_RunAndSpawn(t *testing.T) {
	srv := startServer(t)

	a := newTestClient(t, "a", srv.Addr())
	spawned := make(chan struct{})
	a.Spawn("ui", func(ctx context.Context) error {
		close(spawned)
		<-ctx.Done()
		return ctx.Err()
	})
	<-spawned

	runErr := make(chan error, 1)
	go func() {
		runErr <- a.Run(context.Background())
	}()

	require.Eventually(t, func() bool {
		return len(srv.Peers()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	a.RequestStop()
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return")
	}
	require.Equal(t, 0, a.Tasks().Len(), "tasks left: %v", a.Tasks().Names())
}

func TestClient_InvalidName(t *testing.T) {
	for _, name := range []string{"", "has space", "slash/name", strings.Repeat("x", 129)} {
		_, err := NewClient(name, "127.0.0.1:7581")
		require.ErrorIs(t, err, ErrNameInvalid, "name %q", name)
	}

	_, err := NewClient("dp_client-1.a", "127.0.0.1:7581")
	require.NoError(t, err)
}
