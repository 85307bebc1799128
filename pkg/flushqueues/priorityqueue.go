package flushqueues

import (
	"container/heap"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Op is an operation on the priority queue. Ops with the same key are
// deduplicated while queued; higher priorities are dequeued first.
type Op interface {
	Key() string
	Priority() int64
}

type opHeap []Op

func (h opHeap) Len() int           { return len(h) }
func (h opHeap) Less(i, j int) bool { return h[i].Priority() > h[j].Priority() }
func (h opHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *opHeap) Push(x any)        { *h = append(*h, x.(Op)) }

func (h *opHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

// PriorityQueue is a blocking priority queue of ops.
type PriorityQueue struct {
	lock        sync.Mutex
	cond        *sync.Cond
	closed      bool
	hit         map[string]struct{}
	queue       opHeap
	lengthGauge prometheus.Gauge
}

func NewPriorityQueue(lengthGauge prometheus.Gauge) *PriorityQueue {
	pq := &PriorityQueue{
		hit:         map[string]struct{}{},
		lengthGauge: lengthGauge,
	}
	pq.cond = sync.NewCond(&pq.lock)
	heap.Init(&pq.queue)
	return pq
}

func (pq *PriorityQueue) Length() int {
	pq.lock.Lock()
	defer pq.lock.Unlock()
	return len(pq.queue)
}

// Enqueue adds op unless an op with the same key is queued or the queue is
// closed. It reports whether op was added.
func (pq *PriorityQueue) Enqueue(op Op) bool {
	pq.lock.Lock()
	defer pq.lock.Unlock()

	if pq.closed {
		return false
	}
	if _, ok := pq.hit[op.Key()]; ok {
		return false
	}

	pq.hit[op.Key()] = struct{}{}
	heap.Push(&pq.queue, op)
	pq.cond.Broadcast()
	if pq.lengthGauge != nil {
		pq.lengthGauge.Inc()
	}
	return true
}

// Dequeue blocks until an op is available. It returns nil once the queue is
// closed and drained.
func (pq *PriorityQueue) Dequeue() Op {
	pq.lock.Lock()
	defer pq.lock.Unlock()

	for len(pq.queue) == 0 && !pq.closed {
		pq.cond.Wait()
	}
	if len(pq.queue) == 0 {
		return nil
	}

	op := heap.Pop(&pq.queue).(Op)
	delete(pq.hit, op.Key())
	if pq.lengthGauge != nil {
		pq.lengthGauge.Dec()
	}
	return op
}

// Close stops accepting ops. Queued ops can still be dequeued.
func (pq *PriorityQueue) Close() {
	pq.lock.Lock()
	defer pq.lock.Unlock()

	pq.closed = true
	pq.cond.Broadcast()
}
