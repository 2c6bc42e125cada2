package drumpond

import (
	"bufio"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/drumpond/pkg/frame"
	"github.com/stretchr/testify/require"
)

func startRegistry(t *testing.T) (*registry, *TaskSet) {
	t.Helper()
	var ts TaskSet
	reg := newRegistry(telemetry{
		logger: slog.New(testHandler("registry")),
		msink:  &metrics.BlackholeSink{},
	})
	reg.start(&ts)
	t.Cleanup(func() {
		reg.stop()
		ts.Wait()
	})
	return reg, &ts
}

// pipePeer returns a peer whose remote end is returned as a reader.
func pipePeer(t *testing.T, ts *TaskSet, name string) (*peer, *bufio.Reader) {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() { remote.Close() })

	p := newPeer(local, 4, ts.Spawner(name))
	p.name = name
	t.Cleanup(func() { p.close(10 * time.Millisecond) })
	return p, bufio.NewReader(remote)
}

func TestRegistry_LexicographicOrder(t *testing.T) {
	reg, ts := startRegistry(t)

	readers := map[string]*bufio.Reader{}
	for _, name := range []string{"charlie", "alice", "bob"} {
		p, r := pipePeer(t, ts, name)
		readers[name] = r
		require.NoError(t, reg.register(p))
	}
	require.Equal(t, []string{"alice", "bob", "charlie"}, reg.snapshot())

	require.Equal(t, 3, reg.broadcast([]byte("hello")))
	for name, r := range readers {
		body, err := frame.ReadControl(r)
		require.NoError(t, err, name)
		require.Equal(t, "hello", string(body))
	}
}

func TestRegistry_StaleHolderIsReplaced(t *testing.T) {
	reg, ts := startRegistry(t)

	first, _ := pipePeer(t, ts, "a")
	require.NoError(t, reg.register(first))

	second, _ := pipePeer(t, ts, "a")
	require.ErrorIs(t, reg.register(second), ErrNameConflict)

	first.close(10 * time.Millisecond)
	require.NoError(t, reg.register(second))
	require.Equal(t, []string{"a"}, reg.snapshot())

	// the stale holder exiting late must not remove its successor.
	reg.unregister(first)
	require.Equal(t, []string{"a"}, reg.snapshot())

	reg.unregister(second)
	require.Empty(t, reg.snapshot())
}

func TestRegistry_DrainAndStop(t *testing.T) {
	reg, ts := startRegistry(t)

	p, _ := pipePeer(t, ts, "a")
	require.NoError(t, reg.register(p))

	drained := reg.drain()
	require.Equal(t, []*peer{p}, drained)
	require.Empty(t, reg.snapshot())

	reg.stop()
	require.ErrorIs(t, reg.register(p), ErrServerClosed)
	require.Nil(t, reg.snapshot())
}

func TestRegistry_NotStarted(t *testing.T) {
	reg := newRegistry(telemetry{
		logger: slog.New(testHandler("registry")),
		msink:  &metrics.BlackholeSink{},
	})

	var names []string
	var drained []*peer
	done := make(chan struct{})
	go func() {
		defer close(done)
		names = reg.snapshot()
		drained = reg.drain()
		reg.stop()
	}()
	waitDone(t, done, time.Second)
	require.Empty(t, names)
	require.Empty(t, drained)

	local, remote := net.Pipe()
	defer remote.Close()
	p := newPeer(local, 1, nil)
	p.name = "a"
	defer p.close(10 * time.Millisecond)
	require.ErrorIs(t, reg.register(p), ErrServerClosed)
}
