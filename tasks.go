package drumpond

import (
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/raskyld/drumpond/pkg/flow"
)

// TaskSet keeps track of the goroutines owned by a server, a client or
// a sink. A task is removed from the set as soon as it returns.
type TaskSet struct {
	wg    sync.WaitGroup
	lk    sync.Mutex
	tasks map[string]struct{}
}

// Go runs fn on a new goroutine registered under a unique id derived from
// name. The id is passed to fn and returned.
func (ts *TaskSet) Go(name string, fn func(id string)) string {
	id := name + "-" + uuid.NewString()[:8]

	ts.lk.Lock()
	if ts.tasks == nil {
		ts.tasks = make(map[string]struct{})
	}
	ts.tasks[id] = struct{}{}
	ts.wg.Add(1)
	ts.lk.Unlock()

	go func() {
		defer ts.wg.Done()
		defer ts.remove(id)
		fn(id)
	}()
	return id
}

// Spawner returns a `flow.Spawner` running the background loops of a flow
// in the set.
func (ts *TaskSet) Spawner(owner string) flow.Spawner {
	return func(name string, fn func()) {
		ts.Go(owner+"/"+name, func(string) { fn() })
	}
}

// Len is the number of tasks still running.
func (ts *TaskSet) Len() int {
	ts.lk.Lock()
	defer ts.lk.Unlock()
	return len(ts.tasks)
}

// Names returns the ids of the tasks still running, sorted.
func (ts *TaskSet) Names() []string {
	ts.lk.Lock()
	names := make([]string, 0, len(ts.tasks))
	for id := range ts.tasks {
		names = append(names, id)
	}
	ts.lk.Unlock()

	slices.Sort(names)
	return names
}

// Wait blocks until every task returned.
func (ts *TaskSet) Wait() {
	ts.wg.Wait()
}

func (ts *TaskSet) remove(id string) {
	ts.lk.Lock()
	defer ts.lk.Unlock()
	delete(ts.tasks, id)
}
