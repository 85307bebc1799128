package flushqueues

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"
)

// ExclusiveQueues spreads ops over a fixed set of priority queues. A key is
// active from Enqueue until Clear and always maps to the same queue, so at
// most one op per key is in flight.
type ExclusiveQueues struct {
	queues []*PriorityQueue

	mtx    sync.Mutex
	active map[string]struct{}
}

// New creates a new set of flush queues with a prom gauge to track current depth
func New(queues int, metric prometheus.Gauge) *ExclusiveQueues {
	f := &ExclusiveQueues{
		queues: make([]*PriorityQueue, queues),
		active: map[string]struct{}{},
	}

	for j := 0; j < queues; j++ {
		f.queues[j] = NewPriorityQueue(metric)
	}

	return f
}

// Enqueue adds op unless its key is already active. It reports whether op was added.
func (f *ExclusiveQueues) Enqueue(op Op) bool {
	key := op.Key()

	f.mtx.Lock()
	if _, ok := f.active[key]; ok {
		f.mtx.Unlock()
		return false
	}
	f.active[key] = struct{}{}
	f.mtx.Unlock()

	if !f.Requeue(op) {
		f.Clear(op)
		return false
	}
	return true
}

// Dequeue removes the next op from queue q. The caller must then either
// Clear or Requeue it.
func (f *ExclusiveQueues) Dequeue(q int) Op {
	return f.queues[q].Dequeue()
}

// Requeue adds an op whose key is already active.
func (f *ExclusiveQueues) Requeue(op Op) bool {
	return f.queues[f.QueueFor(op.Key())].Enqueue(op)
}

// QueueFor returns the index of the queue that serves key.
func (f *ExclusiveQueues) QueueFor(key string) int {
	return int(xxhash.Sum64String(key) % uint64(len(f.queues)))
}

// Clear releases the key of op. Call it only once the op succeeded or was abandoned.
func (f *ExclusiveQueues) Clear(op Op) {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	delete(f.active, op.Key())
}

// Active is the number of keys between Enqueue and Clear.
func (f *ExclusiveQueues) Active() int {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	return len(f.active)
}

func (f *ExclusiveQueues) IsEmpty() bool {
	for _, queue := range f.queues {
		if queue.Length() > 0 {
			return false
		}
	}
	return true
}

// Stop closes all queues
func (f *ExclusiveQueues) Stop() {
	for _, q := range f.queues {
		q.Close()
	}
}
