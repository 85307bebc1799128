package livetraces

import (
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type span struct {
	id      string
	payload string
}

func newTestLiveTraces() *LiveTraces[span] {
	return New(func(s span) uint64 { return uint64(len(s.payload)) }, func(s span) string { return s.id })
}

func TestLiveTracesSizesAndLen(t *testing.T) {
	lt := newTestLiveTraces()

	expectedSz := uint64(0)
	expectedLen := uint64(0)

	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("trace-%d", i)
		nowTime := time.Now()

		// add some traces and confirm size/len
		expectedLen++
		for j := 0; j < rand.IntN(5)+1; j++ {
			s := span{id: fmt.Sprintf("span-%d", j), payload: "payload"}
			expectedSz += uint64(len(s.payload))
			require.Equal(t, Pushed, lt.Push(id, s, 0))
		}

		require.Equal(t, expectedSz, lt.Size())
		require.Equal(t, expectedLen, lt.Len())

		// cut some traces and confirm size/len
		cutTraces := lt.CutIdle(nowTime, false)
		for _, tr := range cutTraces {
			for _, s := range tr.Batches {
				expectedSz -= uint64(len(s.payload))
			}
			expectedLen--
		}

		require.Equal(t, expectedSz, lt.Size())
		require.Equal(t, expectedLen, lt.Len())
	}
}

func TestCutIdle(t *testing.T) {
	lt := newTestLiveTraces()
	now := time.Now()

	lt.PushWithTimestamp(now.Add(-time.Minute), "old", span{id: "a"}, 0)
	lt.PushWithTimestamp(now, "new", span{id: "b"}, 0)

	cut := lt.CutIdle(now.Add(-time.Second), false)
	require.Len(t, cut, 1)
	assert.Equal(t, "old", cut[0].ID)
	assert.Equal(t, uint64(1), lt.Len())

	cut = lt.CutIdle(now.Add(-time.Hour), true)
	require.Len(t, cut, 1)
	assert.Equal(t, "new", cut[0].ID)
	assert.Equal(t, uint64(0), lt.Len())
}

func TestPushDeduplicates(t *testing.T) {
	lt := newTestLiveTraces()

	assert.Equal(t, Pushed, lt.Push("t", span{id: "a", payload: "x"}, 0))
	assert.Equal(t, Duplicate, lt.Push("t", span{id: "a", payload: "x"}, 0))
	assert.Equal(t, Pushed, lt.Push("t", span{id: "b", payload: "x"}, 0))
	// keys are scoped to their trace
	assert.Equal(t, Pushed, lt.Push("u", span{id: "a", payload: "x"}, 0))
	// empty keys are never deduplicated
	assert.Equal(t, Pushed, lt.Push("t", span{payload: "x"}, 0))
	assert.Equal(t, Pushed, lt.Push("t", span{payload: "x"}, 0))

	assert.Equal(t, uint64(5), lt.Size())
	tr, ok := lt.Get("t")
	require.True(t, ok)
	assert.Equal(t, uint64(4), tr.Size())
	_, ok = lt.Get("missing")
	assert.False(t, ok)

	cut := lt.CutIdle(time.Now(), true)
	require.Len(t, cut, 2)
}

func TestPushMaxTraces(t *testing.T) {
	lt := newTestLiveTraces()

	assert.Equal(t, Pushed, lt.Push("a", span{id: "1"}, 1))
	assert.Equal(t, TooManyTraces, lt.Push("b", span{id: "1"}, 1))
	// existing traces still accept batches
	assert.Equal(t, Pushed, lt.Push("a", span{id: "2"}, 1))
}
