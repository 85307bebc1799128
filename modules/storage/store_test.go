package storage

import (
	"context"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/btm/pkg/model"
)

func newTestStore(t *testing.T, cfg Config) *store {
	s, err := NewStore(cfg, log.NewNopLogger())
	require.NoError(t, err)
	return s.(*store)
}

func testTransaction(t *testing.T, tenant, id string, start time.Time, fault string) *model.BusinessTransaction {
	btxn := model.NewBusinessTransaction(tenant, "orders")
	btxn.ID = id
	btxn.HostName = "host-a"

	root := btxn.Node(btxn.NewNode(model.Consumer, model.In))
	root.URI = "/orders"
	root.ComponentType = "HTTP"
	root.SetTimes(start, start.Add(100*time.Millisecond))
	if fault != "" {
		root.SetFault(fault)
	}

	childID, err := btxn.AddChild(root.ID, model.Component, model.In)
	require.NoError(t, err)
	child := btxn.Node(childID)
	child.ComponentType = "Database"
	child.SetTimes(start, start.Add(40*time.Millisecond))
	return btxn
}

func window(start time.Time) model.BaseCriteria {
	return model.BaseCriteria{
		StartTime: model.Millis(start.Add(-time.Minute)),
		EndTime:   model.Millis(start.Add(time.Minute)),
	}
}

func TestWriteBusinessTransaction(t *testing.T) {
	s := newTestStore(t, Config{})
	ctx := context.Background()
	start := time.UnixMilli(1_000_000)

	require.NoError(t, s.WriteBusinessTransaction(ctx, testTransaction(t, "t1", "a", start, "")))
	require.NoError(t, s.WriteBusinessTransaction(ctx, testTransaction(t, "t1", "b", start, "Failed")))
	require.NoError(t, s.WriteBusinessTransaction(ctx, testTransaction(t, "t2", "c", start, "")))

	criteria := model.CompletionTimeCriteria{BaseCriteria: window(start)}
	criteria.TenantID = "t1"
	cts, err := s.CompletionTimes(ctx, criteria)
	require.NoError(t, err)
	require.Len(t, cts, 2)
	assert.Equal(t, int64(100), cts[0].Duration)
	assert.Equal(t, "/orders", cts[0].URI)
	assert.Equal(t, "Failed", cts[1].Fault)

	// an empty tenant reads all tenants
	criteria.TenantID = ""
	cts, err = s.CompletionTimes(ctx, criteria)
	require.NoError(t, err)
	assert.Len(t, cts, 3)

	nodes, err := s.NodeDetails(ctx, model.NodeCriteria{BaseCriteria: window(start)})
	require.NoError(t, err)
	require.Len(t, nodes, 6)
	assert.Equal(t, int64(60), nodes[0].Actual)
	assert.Equal(t, int64(40), nodes[1].Actual)
}

func TestWriteBusinessTransactionErrors(t *testing.T) {
	s := newTestStore(t, Config{MaxTransactionsPerTenant: 1})
	ctx := context.Background()
	start := time.UnixMilli(1_000_000)

	require.NoError(t, s.WriteBusinessTransaction(ctx, testTransaction(t, "t1", "a", start, "")))
	require.ErrorIs(t, s.WriteBusinessTransaction(ctx, testTransaction(t, "t1", "a", start, "")), ErrDuplicateTransaction)
	require.ErrorIs(t, s.WriteBusinessTransaction(ctx, testTransaction(t, "t1", "b", start, "")), ErrTenantFull)
	require.ErrorIs(t, s.WriteBusinessTransaction(ctx, model.NewBusinessTransaction("t1", "empty")), ErrEmptyTransaction)

	invalid := testTransaction(t, "t2", "", start, "")
	require.ErrorIs(t, s.WriteBusinessTransaction(ctx, invalid), model.ErrMissingID)
}

func TestCriteriaFiltering(t *testing.T) {
	s := newTestStore(t, Config{})
	ctx := context.Background()
	start := time.UnixMilli(1_000_000)

	btxn := testTransaction(t, "t1", "a", start, "")
	btxn.Root().SetProperty("region", "eu")
	require.NoError(t, s.WriteBusinessTransaction(ctx, btxn))
	require.NoError(t, s.WriteBusinessTransaction(ctx, testTransaction(t, "t1", "b", start, "Failed")))
	require.NoError(t, s.WriteBusinessTransaction(ctx, testTransaction(t, "t1", "late", start.Add(time.Hour), "")))

	tcs := []struct {
		name     string
		criteria model.CompletionTimeCriteria
		expected []string
	}{
		{
			name:     "window",
			criteria: model.CompletionTimeCriteria{BaseCriteria: window(start)},
			expected: []string{"a", "b"},
		},
		{
			name: "property",
			criteria: model.CompletionTimeCriteria{BaseCriteria: model.BaseCriteria{
				StartTime:  window(start).StartTime,
				EndTime:    window(start).EndTime,
				Properties: []model.PropertyCriteria{{Name: "region", Value: "eu"}},
			}},
			expected: []string{"a"},
		},
		{
			name: "excluded fault",
			criteria: model.CompletionTimeCriteria{BaseCriteria: model.BaseCriteria{
				StartTime: window(start).StartTime,
				EndTime:   window(start).EndTime,
				Faults:    []model.FaultCriteria{{Value: "Failed", Excluded: true}},
			}},
			expected: []string{"a"},
		},
		{
			name:     "business transaction",
			criteria: model.CompletionTimeCriteria{BaseCriteria: window(start), BusinessTransaction: "other"},
		},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			cts, err := s.CompletionTimes(ctx, tc.criteria)
			require.NoError(t, err)

			var ids []string
			for _, ct := range cts {
				ids = append(ids, ct.ID)
			}
			assert.Equal(t, tc.expected, ids)
		})
	}
}

func TestBindings(t *testing.T) {
	s := newTestStore(t, Config{})
	ctx := context.Background()

	require.NoError(t, s.WriteBindings(ctx, "t1", []model.Binding{
		{URI: "/a", Bound: true, Timestamp: 10},
		{URI: "/b", Timestamp: 20},
		{URI: "/c", Timestamp: 30},
	}))
	require.NoError(t, s.WriteBindings(ctx, "t2", []model.Binding{{URI: "/d", Timestamp: 10}}))
	require.NoError(t, s.WriteBindings(ctx, "t3", nil))

	bindings, err := s.Bindings(ctx, "t1", 10, 30)
	require.NoError(t, err)
	require.Len(t, bindings, 2)
	assert.Equal(t, "t1", bindings[0].TenantID)
	assert.Equal(t, "/b", bindings[1].URI)

	bindings, err = s.Bindings(ctx, "missing", 0, 100)
	require.NoError(t, err)
	assert.Empty(t, bindings)
}

func TestCanceledContext(t *testing.T) {
	s := newTestStore(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.CompletionTimes(ctx, model.CompletionTimeCriteria{})
	require.ErrorIs(t, err, context.Canceled)
	_, err = s.NodeDetails(ctx, model.NodeCriteria{})
	require.ErrorIs(t, err, context.Canceled)
	_, err = s.Bindings(ctx, "", 0, 1)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRetention(t *testing.T) {
	s := newTestStore(t, Config{Retention: time.Hour, RetentionInterval: time.Minute})
	ctx := context.Background()
	now := time.UnixMilli(10_000_000)
	s.now = func() time.Time { return now }

	require.NoError(t, s.WriteBusinessTransaction(ctx, testTransaction(t, "t1", "old", now.Add(-2*time.Hour), "")))
	require.NoError(t, s.WriteBusinessTransaction(ctx, testTransaction(t, "t1", "new", now.Add(-time.Minute), "")))
	require.NoError(t, s.WriteBindings(ctx, "t1", []model.Binding{
		{URI: "/old", Timestamp: model.Millis(now.Add(-2 * time.Hour))},
		{URI: "/new", Timestamp: model.Millis(now)},
	}))
	require.NoError(t, s.WriteBusinessTransaction(ctx, testTransaction(t, "t2", "gone", now.Add(-3*time.Hour), "")))

	s.applyRetention()

	s.mtx.RLock()
	defer s.mtx.RUnlock()

	require.Contains(t, s.tenants, "t1")
	assert.NotContains(t, s.tenants, "t2")
	t1 := s.tenants["t1"]
	require.Len(t, t1.completions, 1)
	assert.Equal(t, "new", t1.completions[0].ID)
	assert.Len(t, t1.nodes, 2)
	require.Len(t, t1.bindings, 1)
	assert.Equal(t, "/new", t1.bindings[0].URI)
	assert.Len(t, t1.ids, 1)
}

func TestStoreService(t *testing.T) {
	s := newTestStore(t, Config{Retention: time.Hour, RetentionInterval: time.Millisecond})
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), s))
	require.NoError(t, services.StopAndAwaitTerminated(context.Background(), s))

	_, err := NewStore(Config{Retention: time.Hour}, log.NewNopLogger())
	require.Error(t, err)
}
