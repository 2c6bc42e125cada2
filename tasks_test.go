package drumpond

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTaskSet_RemovedOnReturn(t *testing.T) {
	var ts TaskSet
	release := make(chan struct{})

	id := ts.Go("worker", func(string) {
		<-release
	})
	require.True(t, strings.HasPrefix(id, "worker-"))
	require.Equal(t, 1, ts.Len())
	require.Equal(t, []string{id}, ts.Names())

	close(release)
	ts.Wait()
	require.Equal(t, 0, ts.Len())
}

func TestTaskSet_ManyShortLived(t *testing.T) {
	var ts TaskSet
	for i := 0; i < 100; i++ {
		ts.Go("short", func(string) {})
	}

	ts.Wait()
	require.Equal(t, 0, ts.Len())
}

func TestTaskSet_Spawner(t *testing.T) {
	var ts TaskSet
	done := make(chan struct{})
	ts.Spawner("handler-1")("sender", func() {
		<-done
	})

	require.Eventually(t, func() bool {
		names := ts.Names()
		return len(names) == 1 && strings.HasPrefix(names[0], "handler-1/sender-")
	}, time.Second, 10*time.Millisecond)

	close(done)
	ts.Wait()
	require.Empty(t, ts.Names())
}

func TestStopSignal(t *testing.T) {
	var s StopSignal
	require.False(t, s.IsSet())

	done := s.Done()
	s.Set()
	s.Set()
	require.True(t, s.IsSet())

	select {
	case <-done:
	default:
		t.Fatal("done channel should be closed once set")
	}

	s.Reset()
	require.False(t, s.IsSet())
	select {
	case <-s.Done():
		t.Fatal("signal should be re-armed")
	default:
	}
}
