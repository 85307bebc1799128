package ingester

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/btm/pkg/model"
)

func TestInstancePushAndCut(t *testing.T) {
	i := newInstance("tenant", 0, 0)

	now := time.Now()
	require.NoError(t, i.PushWithTimestamp(now.Add(-time.Minute), event("root", "", model.Consumer, 0, 10)))
	// duplicates are dropped silently
	require.NoError(t, i.PushWithTimestamp(now.Add(-time.Minute), event("root", "", model.Consumer, 0, 10)))

	fresh := event("other", "", model.Consumer, 0, 10)
	fresh.TransactionID = "fresh"
	require.NoError(t, i.PushWithTimestamp(now, fresh))
	assert.Equal(t, uint64(2), i.liveCount())

	assert.Equal(t, 1, i.CutCompleteTransactions(time.Second, false))
	assert.Equal(t, uint64(1), i.liveCount())
	require.True(t, i.hasCompleted())

	completed := i.takeCompleted()
	require.Len(t, completed, 1)
	assert.Equal(t, "txn", completed[0].btxn.ID)
	assert.Len(t, completed[0].btxn.Arena, 1)
	assert.False(t, i.hasCompleted())

	i.requeueCompleted(completed)
	assert.True(t, i.hasCompleted())

	assert.Equal(t, 1, i.CutCompleteTransactions(time.Hour, true))
	assert.Len(t, i.takeCompleted(), 2)
}

func TestInstanceLimits(t *testing.T) {
	i := newInstance("tenant", 1, 0)

	require.NoError(t, i.Push(event("a", "", model.Consumer, 0, 10)))
	ev := event("b", "", model.Consumer, 0, 10)
	ev.TransactionID = "second"
	require.ErrorIs(t, i.Push(ev), ErrTooManyTransactions)

	first := event("a", "", model.Consumer, 0, 10)
	i = newInstance("tenant", 0, first.Size()+1)
	require.NoError(t, i.Push(first))
	require.ErrorIs(t, i.Push(event("bb", "a", model.Component, 0, 10)), ErrTransactionTooLarge)
}

func TestInstanceRejectsInvalid(t *testing.T) {
	i := newInstance("tenant", 0, 0)

	tcs := []*model.SpanEvent{
		{SpanID: "s", Type: model.Consumer},
		{TransactionID: "t", Type: model.Consumer},
		{TransactionID: "t", SpanID: "s", Type: "Unknown"},
		{TransactionID: "t", SpanID: "s", Type: model.Consumer, CorrelationIDs: []model.CorrelationIdentifier{{Scope: "bad"}}},
	}
	for n, ev := range tcs {
		t.Run(fmt.Sprint(n), func(t *testing.T) {
			require.ErrorIs(t, i.Push(ev), model.ErrInvalidSpanEvent)
		})
	}
	assert.Equal(t, uint64(0), i.liveCount())
}
