package ingester

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/services"
	"github.com/grafana/dskit/user"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/grafana/btm/modules/correlation"
	"github.com/grafana/btm/modules/storage"
	"github.com/grafana/btm/pkg/action"
	"github.com/grafana/btm/pkg/expression"
	"github.com/grafana/btm/pkg/model"
)

func testConfig() Config {
	return Config{
		ConcurrentFlushes:  2,
		FlushCheckPeriod:   5 * time.Millisecond,
		FlushOpTimeout:     time.Second,
		MaxTransactionIdle: 10 * time.Millisecond,
		MaxFlushAttempts:   3,
	}
}

func testCollection(t *testing.T) *action.Collection {
	c, issues := action.NewCollection([]action.TransactionConfig{{
		Name:   "orders",
		Filter: action.Filter{Inclusions: []string{"^/orders"}},
		Processors: []action.ProcessorConfig{{
			NodeType: model.Consumer,
			Actions: []action.Config{{
				Type:       action.SetProperty,
				Name:       "region",
				Expression: expression.Config{Type: expression.Literal, Value: "eu"},
			}},
		}},
	}})
	require.Empty(t, issues)
	return c
}

func correlated(txn, span string, typ model.NodeType, uri, cid string) *model.SpanEvent {
	return &model.SpanEvent{
		TransactionID:  txn,
		SpanID:         span,
		Type:           typ,
		URI:            uri,
		ComponentType:  "HTTP",
		Start:          base,
		End:            base.Add(10 * time.Millisecond),
		CorrelationIDs: []model.CorrelationIdentifier{{Scope: model.ScopeInteraction, Value: cid}},
	}
}

func TestIngesterEndToEnd(t *testing.T) {
	ctx := user.InjectOrgID(context.Background(), "tenant")

	s, err := storage.NewStore(storage.Config{}, log.NewNopLogger())
	require.NoError(t, err)

	ccfg := correlation.Config{}
	ccfg.Wait = time.Minute
	ccfg.MaxItems = 100
	ccfg.Shards = 2
	ccfg.SweepInterval = time.Second
	ccfg.DedupSize = 100
	ccfg.DedupTTL = time.Minute
	ccfg.CardinalityWindow = time.Minute
	engine, err := correlation.New(ccfg, s, log.NewNopLogger())
	require.NoError(t, err)

	// the correlation dedup cache owns a goroutine for the lifetime of the engine
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ing, err := New(testConfig(), testCollection(t), engine, s, log.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), ing))

	root := correlated("a", "root", model.Consumer, "/orders/1", "in")
	root.CorrelationIDs = nil
	out := correlated("a", "out", model.Producer, "/payments", "k")
	out.ParentSpanID = "root"
	in := correlated("b", "in", model.Consumer, "/payments", "k")
	require.NoError(t, ing.Push(ctx, []*model.SpanEvent{root, out, in}))

	criteria := model.CompletionTimeCriteria{BaseCriteria: model.BaseCriteria{
		TenantID:  "tenant",
		StartTime: model.Millis(base),
		EndTime:   model.Millis(base.Add(time.Minute)),
	}}
	require.Eventually(t, func() bool {
		cts, err := s.CompletionTimes(context.Background(), criteria)
		return err == nil && len(cts) == 2
	}, 5*time.Second, 10*time.Millisecond)

	cts, err := s.CompletionTimes(context.Background(), model.CompletionTimeCriteria{
		BaseCriteria:        criteria.BaseCriteria,
		BusinessTransaction: "orders",
	})
	require.NoError(t, err)
	require.Len(t, cts, 1)
	assert.Equal(t, "a", cts[0].ID)
	assert.Equal(t, "eu", cts[0].Properties["region"])

	bindings, err := s.Bindings(context.Background(), "tenant", model.Millis(base), model.Millis(base.Add(time.Minute)))
	require.NoError(t, err)
	require.Len(t, bindings, 1)
	assert.True(t, bindings[0].Bound)
	assert.Equal(t, "/payments", bindings[0].URI)
	assert.Equal(t, "orders", bindings[0].BusinessTransaction)

	require.NoError(t, services.StopAndAwaitTerminated(context.Background(), ing))
	assert.ErrorIs(t, ing.Push(ctx, []*model.SpanEvent{root}), ErrReadOnly)
}

func TestIngesterPush(t *testing.T) {
	ing, err := New(testConfig(), nil, nil, &mockWriter{}, log.NewNopLogger())
	require.NoError(t, err)

	// no tenant
	require.Error(t, ing.Push(context.Background(), []*model.SpanEvent{event("a", "", model.Consumer, 0, 1)}))

	ctx := user.InjectOrgID(context.Background(), "tenant")
	ev := event("a", "", model.Consumer, 0, 1)
	ev.TenantID = "spoofed"
	err = ing.Push(ctx, []*model.SpanEvent{ev, nil, {TransactionID: "bad"}})
	require.ErrorIs(t, err, model.ErrInvalidSpanEvent)
	assert.Equal(t, "tenant", ev.TenantID)
	assert.Equal(t, uint64(1), ing.LiveTransactions("tenant"))
	assert.Equal(t, uint64(0), ing.LiveTransactions("spoofed"))
}

func TestIngesterStopFlushesLiveTransactions(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cfg := testConfig()
	cfg.MaxTransactionIdle = time.Hour
	cfg.FlushCheckPeriod = time.Hour
	w := &mockWriter{}
	ing, err := New(cfg, nil, nil, w, log.NewNopLogger())
	require.NoError(t, err)
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), ing))

	ctx := user.InjectOrgID(context.Background(), "tenant")
	require.NoError(t, ing.Push(ctx, []*model.SpanEvent{event("a", "", model.Consumer, 0, 1)}))

	require.NoError(t, services.StopAndAwaitTerminated(context.Background(), ing))
	assert.Len(t, w.written(), 1)
}

func TestIngesterFlushRetries(t *testing.T) {
	w := &mockWriter{failures: 2}
	ing, err := New(testConfig(), nil, nil, w, log.NewNopLogger())
	require.NoError(t, err)

	ctx := user.InjectOrgID(context.Background(), "tenant")
	require.NoError(t, ing.Push(ctx, []*model.SpanEvent{event("a", "", model.Consumer, 0, 1)}))
	ing.getOrCreateInstance("tenant").CutCompleteTransactions(0, true)

	require.Error(t, ing.flushUserTransactions("tenant"))
	require.Error(t, ing.flushUserTransactions("tenant"))
	require.NoError(t, ing.flushUserTransactions("tenant"))
	assert.Len(t, w.written(), 1)

	// a transaction is dropped once it exhausted its attempts
	w.failures = 10
	require.NoError(t, ing.Push(ctx, []*model.SpanEvent{event("b", "", model.Consumer, 0, 1)}))
	ing.getOrCreateInstance("tenant").CutCompleteTransactions(0, true)
	require.Error(t, ing.flushUserTransactions("tenant"))
	require.Error(t, ing.flushUserTransactions("tenant"))
	require.NoError(t, ing.flushUserTransactions("tenant"))
	assert.False(t, ing.getOrCreateInstance("tenant").hasCompleted())
	assert.Len(t, w.written(), 1)
}

func TestIngesterDropsDuplicateFragments(t *testing.T) {
	w := &mockWriter{err: fmt.Errorf("t1: %w", storage.ErrDuplicateTransaction)}
	ing, err := New(testConfig(), nil, nil, w, log.NewNopLogger())
	require.NoError(t, err)

	ctx := user.InjectOrgID(context.Background(), "tenant")
	require.NoError(t, ing.Push(ctx, []*model.SpanEvent{event("late", "", model.Consumer, 0, 1)}))
	ing.getOrCreateInstance("tenant").CutCompleteTransactions(0, true)

	before := testutil.ToFloat64(metricRejectedTransactions.WithLabelValues("duplicate"))
	require.NoError(t, ing.flushUserTransactions("tenant"))
	assert.False(t, ing.getOrCreateInstance("tenant").hasCompleted())
	assert.Equal(t, 1, w.calls)
	assert.Equal(t, before+1, testutil.ToFloat64(metricRejectedTransactions.WithLabelValues("duplicate")))
}

func TestNewValidatesConfig(t *testing.T) {
	cfg := testConfig()
	cfg.ConcurrentFlushes = 0
	_, err := New(cfg, nil, nil, &mockWriter{}, log.NewNopLogger())
	require.Error(t, err)

	_, err = New(testConfig(), nil, nil, nil, log.NewNopLogger())
	require.Error(t, err)
}

var errWrite = errors.New("write failed")

type mockWriter struct {
	mtx      sync.Mutex
	failures int
	err      error
	calls    int
	txns     []*model.BusinessTransaction
}

func (m *mockWriter) WriteBusinessTransaction(_ context.Context, btxn *model.BusinessTransaction) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.calls++
	if m.err != nil {
		return m.err
	}
	if m.failures > 0 {
		m.failures--
		return errWrite
	}
	m.txns = append(m.txns, btxn)
	return nil
}

func (m *mockWriter) written() []*model.BusinessTransaction {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	return append([]*model.BusinessTransaction(nil), m.txns...)
}
