package flushqueues

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockOp struct {
	key      string
	priority int64
}

func (m mockOp) Key() string {
	return m.key
}

func (m mockOp) Priority() int64 {
	return m.priority
}

func newGauge() prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "test",
		Name:      "testersons",
	})
}

func TestExclusiveQueues(t *testing.T) {
	gauge := newGauge()

	q := New(1, gauge)
	op := mockOp{
		key: "tenant-a",
	}

	// a second op under an active key is dropped
	assert.True(t, q.Enqueue(op))
	assert.Equal(t, 1, int(testutil.ToFloat64(gauge)))
	assert.False(t, q.Enqueue(op))
	assert.Equal(t, 1, int(testutil.ToFloat64(gauge)))

	// dequeue keeps the key active until cleared
	_ = q.Dequeue(0)
	assert.Equal(t, 0, int(testutil.ToFloat64(gauge)))
	assert.Equal(t, 1, q.Active())
	assert.False(t, q.Enqueue(op))

	assert.True(t, q.Requeue(op))
	assert.Equal(t, 1, int(testutil.ToFloat64(gauge)))

	_ = q.Dequeue(0)
	q.Clear(op)
	assert.Equal(t, 0, q.Active())

	assert.True(t, q.Enqueue(op))
	assert.Equal(t, 1, int(testutil.ToFloat64(gauge)))
}

func TestMultipleQueues(t *testing.T) {
	gauge := newGauge()

	totalQueues := 10
	totalItems := 100
	q := New(totalQueues, gauge)

	perQueue := make([]int, totalQueues)
	for i := 0; i < totalItems; i++ {
		key := uuid.New().String()
		require.True(t, q.Enqueue(mockOp{key: key}))
		perQueue[q.QueueFor(key)]++
		assert.Equal(t, i+1, int(testutil.ToFloat64(gauge)))
	}

	// every op is served by the queue its key hashes to
	remaining := totalItems
	for i := 0; i < totalQueues; i++ {
		for j := 0; j < perQueue[i]; j++ {
			op := q.Dequeue(i)
			require.NotNil(t, op)
			assert.Equal(t, i, q.QueueFor(op.Key()))
			remaining--
			assert.Equal(t, remaining, int(testutil.ToFloat64(gauge)))
		}
	}
	assert.True(t, q.IsEmpty())
	assert.Equal(t, totalItems, q.Active())
}

func TestPriorityQueueOrder(t *testing.T) {
	pq := NewPriorityQueue(nil)

	assert.True(t, pq.Enqueue(mockOp{key: "low", priority: 1}))
	assert.True(t, pq.Enqueue(mockOp{key: "high", priority: 10}))
	assert.False(t, pq.Enqueue(mockOp{key: "high", priority: 5}))
	assert.True(t, pq.Enqueue(mockOp{key: "mid", priority: 5}))

	assert.Equal(t, "high", pq.Dequeue().Key())
	assert.Equal(t, "mid", pq.Dequeue().Key())
	assert.Equal(t, "low", pq.Dequeue().Key())
}

func TestStopUnblocksDequeue(t *testing.T) {
	q := New(2, newGauge())

	var wg sync.WaitGroup
	results := make([]Op, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = q.Dequeue(i)
		}(i)
	}

	q.Stop()
	wg.Wait()
	require.Nil(t, results[0])
	require.Nil(t, results[1])

	// a stopped queue accepts nothing and leaves no key behind
	assert.False(t, q.Enqueue(mockOp{key: "late"}))
	assert.True(t, q.IsEmpty())
	assert.Equal(t, 0, q.Active())
}
