package drumpond

import (
	"errors"
	"fmt"
	"log/slog"

	iradix "github.com/hashicorp/go-immutable-radix/v2"
	"github.com/raskyld/drumpond/pkg/flow"
)

// registry maps client names to their peer. The tree is only ever touched
// by the goroutine running `run`, other goroutines send it requests.
type registry struct {
	telemetry
	tree *iradix.Tree[*peer]

	reqCh     chan func()
	startedCh chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}
}

func newRegistry(t telemetry) *registry {
	return &registry{
		telemetry: t,
		tree:      iradix.New[*peer](),
		reqCh:     make(chan func()),
		startedCh: make(chan struct{}),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// start runs the registry loop as a task of tasks. Requests made before
// are answered as if the registry was empty.
func (r *registry) start(tasks *TaskSet) {
	close(r.startedCh)
	tasks.Go("registry", r.run)
}

func (r *registry) run(string) {
	defer close(r.doneCh)
	for {
		select {
		case req := <-r.reqCh:
			req()
		case <-r.stopCh:
			return
		}
	}
}

func (r *registry) stop() {
	select {
	case <-r.startedCh:
	default:
		return
	}

	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
	<-r.doneCh
}

// do runs fn on the registry goroutine and waits for it. It returns false
// if the registry is not running, yet or anymore.
func (r *registry) do(fn func()) bool {
	select {
	case <-r.startedCh:
	default:
		return false
	}

	done := make(chan struct{})
	select {
	case r.reqCh <- func() {
		defer close(done)
		fn()
	}:
	case <-r.doneCh:
		return false
	}
	<-done
	return true
}

// register binds p.name to p. A name held by a live peer is refused, a
// name held by a peer whose connection is gone is taken over.
func (r *registry) register(p *peer) error {
	var err error
	ok := r.do(func() {
		key := []byte(p.name)
		if holder, found := r.tree.Get(key); found && holder != p {
			if holder.alive() {
				err = fmt.Errorf("%w: %s held by %s", ErrNameConflict, p.name, holder.addr)
				return
			}
			r.logger.Info(
				"replacing stale registration",
				LabelPeerName.L(p.name),
				slog.String("previous_addr", holder.addr),
			)
		}

		r.tree, _, _ = r.tree.Insert(key, p)
		r.gauge(MetricRelayPeers, float32(r.tree.Len()))
	})
	if !ok {
		return ErrServerClosed
	}
	return err
}

// unregister removes p, only if its name still maps to it.
func (r *registry) unregister(p *peer) {
	r.do(func() {
		key := []byte(p.name)
		holder, found := r.tree.Get(key)
		if !found || holder != p {
			return
		}
		r.tree, _, _ = r.tree.Delete(key)
		r.gauge(MetricRelayPeers, float32(r.tree.Len()))
	})
}

// broadcast queues body to every registered peer in lexicographic order
// of their names, the sender included.
func (r *registry) broadcast(body []byte) (delivered int) {
	r.do(func() {
		r.tree.Root().Walk(func(name []byte, p *peer) bool {
			err := p.deliver(body)
			switch {
			case err == nil:
				delivered++
			case errors.Is(err, flow.ErrQueueFull):
				r.logger.Warn("dropping frame for slow client", LabelPeerName.L(string(name)))
				r.incr(MetricRelayDeliveryDropCount, LabelPeerName.M(string(name)))
			default:
				r.logger.Debug("cannot deliver to client", LabelPeerName.L(string(name)), LabelError.L(err))
			}
			return false
		})
	})
	return
}

// snapshot returns the registered names in broadcast order.
func (r *registry) snapshot() []string {
	var names []string
	r.do(func() {
		names = make([]string, 0, r.tree.Len())
		r.tree.Root().Walk(func(name []byte, _ *peer) bool {
			names = append(names, string(name))
			return false
		})
	})
	return names
}

// drain empties the registry and returns the peers it held.
func (r *registry) drain() []*peer {
	var peers []*peer
	r.do(func() {
		r.tree.Root().Walk(func(_ []byte, p *peer) bool {
			peers = append(peers, p)
			return false
		})
		r.tree = iradix.New[*peer]()
		r.gauge(MetricRelayPeers, 0)
	})
	return peers
}
