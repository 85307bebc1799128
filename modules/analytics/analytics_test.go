package analytics

import (
	"context"
	"errors"
	"flag"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/btm/modules/storage"
	"github.com/grafana/btm/pkg/model"
)

var errStore = errors.New("store unavailable")

type mockReader struct {
	mtx         sync.Mutex
	completions []model.CompletionTime
	nodes       []model.NodeDetails
	bindings    []model.Binding
	err         error
	calls       int
	criteria    []model.CompletionTimeCriteria
}

func (m *mockReader) CompletionTimes(_ context.Context, c model.CompletionTimeCriteria) ([]model.CompletionTime, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.calls++
	m.criteria = append(m.criteria, c)
	if m.err != nil {
		return nil, m.err
	}
	var res []model.CompletionTime
	for _, ct := range m.completions {
		if c.Matches(time.Time{}, ct) {
			res = append(res, ct)
		}
	}
	return res, nil
}

func (m *mockReader) NodeDetails(_ context.Context, c model.NodeCriteria) ([]model.NodeDetails, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	var res []model.NodeDetails
	for _, nd := range m.nodes {
		if c.Matches(time.Time{}, nd) {
			res = append(res, nd)
		}
	}
	return res, nil
}

func (m *mockReader) Bindings(_ context.Context, _ string, start, end int64) ([]model.Binding, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	var res []model.Binding
	for _, b := range m.bindings {
		if b.Timestamp >= start && b.Timestamp < end {
			res = append(res, b)
		}
	}
	return res, nil
}

func testConfig() Config {
	cfg := Config{}
	cfg.RegisterFlagsAndApplyDefaults("", flag.NewFlagSet("test", flag.PanicOnError))
	return cfg
}

func newTestEngine(t *testing.T, r Reader) *Engine {
	e, err := New(testConfig(), r, log.NewNopLogger())
	require.NoError(t, err)
	e.now = func() time.Time { return time.UnixMilli(100_000) }
	return e
}

func window() model.CompletionTimeCriteria {
	return model.CompletionTimeCriteria{BaseCriteria: model.BaseCriteria{StartTime: 1000, EndTime: 2000}}
}

func completions() []model.CompletionTime {
	return []model.CompletionTime{
		{ID: "1", BusinessTransaction: "orders", Timestamp: 1000, Duration: 10, HostName: "host2", Properties: map[string]string{"region": "eu"}},
		{ID: "2", BusinessTransaction: "orders", Timestamp: 1100, Duration: 20, HostName: "host10", Properties: map[string]string{"region": "us"}},
		{ID: "3", BusinessTransaction: "orders", Timestamp: 1200, Duration: 30, Fault: "Timeout", HostName: "host2", Properties: map[string]string{"region": "eu", "customer": "c1"}},
		{ID: "4", BusinessTransaction: "orders", Timestamp: 1300, Duration: 40, Fault: "Failed", HostName: "host2"},
		{ID: "5", BusinessTransaction: "payments", Timestamp: 1400, Duration: 100, Fault: "Failed"},
		{ID: "6", BusinessTransaction: "orders", Timestamp: 5000, Duration: 1},
	}
}

func TestCompletionCounts(t *testing.T) {
	e := newTestEngine(t, &mockReader{completions: completions()})
	ctx := context.Background()

	n, err := e.CompletionCount(ctx, window())
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	n, err = e.CompletionFaultCount(ctx, window())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	c := window()
	c.BusinessTransaction = "orders"
	n, err = e.CompletionCount(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}

func TestCompletionPercentiles(t *testing.T) {
	e := newTestEngine(t, &mockReader{completions: completions()})

	p, err := e.CompletionPercentiles(context.Background(), window(), []float64{50})
	require.NoError(t, err)
	assert.Equal(t, []PercentileValue{{Percentile: 50, Value: 30}}, p.Values)

	p, err = e.CompletionPercentiles(context.Background(), window(), nil)
	require.NoError(t, err)
	require.Len(t, p.Values, len(DefaultPercentiles))
	v, _ := p.Get(99.9)
	assert.Equal(t, int64(100), v)

	_, err = e.CompletionPercentiles(context.Background(), window(), []float64{150})
	require.ErrorIs(t, err, ErrInvalidPercentile)

	empty := window()
	empty.BusinessTransaction = "none"
	p, err = e.CompletionPercentiles(context.Background(), empty, []float64{50, 90})
	require.NoError(t, err)
	assert.Equal(t, []PercentileValue{{Percentile: 50}, {Percentile: 90}}, p.Values)
}

func TestCompletionTimeseriesStatistics(t *testing.T) {
	e := newTestEngine(t, &mockReader{completions: completions()})

	stats, err := e.CompletionTimeseriesStatistics(context.Background(), window(), 250)
	require.NoError(t, err)
	require.Len(t, stats, 4)

	assert.Equal(t, CompletionTimeseriesStatistics{Timestamp: 1000, Count: 3, FaultCount: 1, Average: 20, Min: 10, Max: 30}, stats[0])
	assert.Equal(t, CompletionTimeseriesStatistics{Timestamp: 1250, Count: 2, FaultCount: 2, Average: 70, Min: 40, Max: 100}, stats[1])
	assert.Equal(t, CompletionTimeseriesStatistics{Timestamp: 1500}, stats[2])
	assert.Equal(t, CompletionTimeseriesStatistics{Timestamp: 1750}, stats[3])

	_, err = e.CompletionTimeseriesStatistics(context.Background(), window(), 0)
	require.ErrorIs(t, err, ErrInvalidInterval)
}

func TestCompletionDetails(t *testing.T) {
	e := newTestEngine(t, &mockReader{completions: completions()})
	ctx := context.Background()

	faults, err := e.CompletionFaultDetails(ctx, window())
	require.NoError(t, err)
	assert.Equal(t, []Cardinality{{Value: "Failed", Count: 2}, {Value: "Timeout", Count: 1}}, faults)

	props, err := e.CompletionPropertyDetails(ctx, window(), "region")
	require.NoError(t, err)
	assert.Equal(t, []Cardinality{{Value: "eu", Count: 2}, {Value: "us", Count: 1}}, props)

	_, err = e.CompletionPropertyDetails(ctx, window(), "")
	require.Error(t, err)

	hosts, err := e.HostNames(ctx, window())
	require.NoError(t, err)
	assert.Equal(t, []string{"host2", "host10"}, hosts)

	info, err := e.PropertyInfo(ctx, "", "orders", 1000, 2000)
	require.NoError(t, err)
	assert.Equal(t, []PropertyInfo{{Name: "customer"}, {Name: "region"}}, info)
}

func TestResolvesOpenWindow(t *testing.T) {
	r := &mockReader{}
	e := newTestEngine(t, r)

	_, err := e.CompletionCount(context.Background(), model.CompletionTimeCriteria{})
	require.NoError(t, err)

	require.Len(t, r.criteria, 1)
	assert.Equal(t, int64(100_000), r.criteria[0].EndTime)
	assert.Equal(t, int64(100_000)-model.DefaultQueryWindow.Milliseconds(), r.criteria[0].StartTime)
}

func TestURIReports(t *testing.T) {
	r := &mockReader{bindings: []model.Binding{
		{URI: "/order/1", EndpointType: "HTTP", Timestamp: 1000},
		{URI: "/order/2", EndpointType: "HTTP", Timestamp: 1000},
		{URI: "/order/3", EndpointType: "HTTP", Timestamp: 1000},
		{URI: "/order/3", EndpointType: "HTTP", Timestamp: 1001},
		{URI: "/health", EndpointType: "HTTP", Timestamp: 1000},
		{URI: "/pay", BusinessTransaction: "orders", Bound: true, Timestamp: 1000},
		{URI: "/pay", BusinessTransaction: "orders", Bound: true, Timestamp: 1500},
		{URI: "/ship", BusinessTransaction: "orders", Bound: true, Timestamp: 1500},
		{URI: "/refund", BusinessTransaction: "refunds", Bound: true, Timestamp: 1500},
		{URI: "/late", Timestamp: 3000},
	}}
	e := newTestEngine(t, r)
	ctx := context.Background()

	uris, err := e.UnboundURIs(ctx, "", 1000, 2000, false)
	require.NoError(t, err)
	require.Len(t, uris, 4)
	assert.Equal(t, "/order/3", uris[0].URI)
	assert.Equal(t, int64(2), uris[0].Count)

	uris, err = e.UnboundURIs(ctx, "", 1000, 2000, true)
	require.NoError(t, err)
	require.Len(t, uris, 2)
	assert.Equal(t, "/order/*", uris[0].URI)
	assert.Equal(t, int64(4), uris[0].Count)
	assert.Equal(t, "/health", uris[1].URI)

	bound, err := e.BoundURIs(ctx, "", "orders", 1000, 2000)
	require.NoError(t, err)
	assert.Equal(t, []string{"/pay", "/ship"}, bound)
}

func TestNodeStatistics(t *testing.T) {
	r := &mockReader{nodes: []model.NodeDetails{
		{ID: "1", Timestamp: 1000, ComponentType: "Database", URI: "db", Elapsed: 20, Actual: 20},
		{ID: "1", Timestamp: 1000, Type: model.Consumer, ComponentType: "HTTP", URI: "/a", Elapsed: 50, Actual: 30},
		{ID: "2", Timestamp: 1600, ComponentType: "Database", URI: "db", Elapsed: 40, Actual: 40, HostName: "other"},
	}}
	e := newTestEngine(t, r)
	ctx := context.Background()
	c := model.NodeCriteria{BaseCriteria: window().BaseCriteria}

	series, err := e.NodeTimeseriesStatistics(ctx, c, 500)
	require.NoError(t, err)
	require.Len(t, series, 2)
	assert.Equal(t, NodeComponentTypeStatistics{Duration: 20, Count: 1}, series[0].ComponentTypes["Database"])
	assert.Equal(t, NodeComponentTypeStatistics{Duration: 30, Count: 1}, series[0].ComponentTypes["HTTP"])
	assert.Equal(t, NodeComponentTypeStatistics{Duration: 40, Count: 1}, series[1].ComponentTypes["Database"])

	summary, err := e.NodeSummaryStatistics(ctx, c)
	require.NoError(t, err)
	require.Len(t, summary, 2)
	assert.Equal(t, NodeSummaryStatistics{ComponentType: "Database", URI: "db", Count: 2, Elapsed: 30, Actual: 30}, summary[0])

	c.HostName = "other"
	summary, err = e.NodeSummaryStatistics(ctx, c)
	require.NoError(t, err)
	require.Len(t, summary, 1)
}

func TestCompletionSummary(t *testing.T) {
	e := newTestEngine(t, &mockReader{completions: completions()})

	s, err := e.CompletionSummary(context.Background(), window())
	require.NoError(t, err)
	assert.Equal(t, int64(5), s.Count)
	assert.Equal(t, int64(3), s.FaultCount)
	v, ok := s.Percentiles.Get(50)
	require.True(t, ok)
	assert.Equal(t, int64(30), v)

	e = newTestEngine(t, &mockReader{err: errStore})
	_, err = e.CompletionSummary(context.Background(), window())
	require.ErrorIs(t, err, ErrQueryFailed)
	require.ErrorIs(t, err, errStore)
}

// growingReader returns one more faulted record on every read.
type growingReader struct {
	mockReader
}

func (g *growingReader) CompletionTimes(ctx context.Context, c model.CompletionTimeCriteria) ([]model.CompletionTime, error) {
	g.mtx.Lock()
	g.completions = append(g.completions, model.CompletionTime{
		BusinessTransaction: "orders",
		Timestamp:           c.StartTime,
		Duration:            int64(10 * (len(g.completions) + 1)),
		Fault:               "timeout",
	})
	g.mtx.Unlock()

	return g.mockReader.CompletionTimes(ctx, c)
}

func TestCompletionSummaryReadsOnce(t *testing.T) {
	r := &growingReader{}
	e := newTestEngine(t, r)

	s, err := e.CompletionSummary(context.Background(), window())
	require.NoError(t, err)
	assert.Equal(t, 1, r.calls)
	assert.Equal(t, int64(1), s.Count)
	assert.Equal(t, int64(1), s.FaultCount)
	v, ok := s.Percentiles.Get(99)
	require.True(t, ok)
	assert.Equal(t, int64(10), v)
}

func TestQueryFailures(t *testing.T) {
	r := &mockReader{err: errStore}
	e := newTestEngine(t, r)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := e.CompletionCount(ctx, window())
		require.ErrorIs(t, err, ErrQueryFailed)
		require.ErrorIs(t, err, errStore)
	}
	require.Equal(t, 5, r.calls)

	// the breaker is open and the store is no longer called
	_, err := e.HostNames(ctx, window())
	require.ErrorIs(t, err, ErrQueryFailed)
	assert.Equal(t, 5, r.calls)
}

func TestCanceledQueriesDoNotTripBreaker(t *testing.T) {
	r := &mockReader{err: context.Canceled}
	e := newTestEngine(t, r)

	for i := 0; i < 10; i++ {
		_, err := e.CompletionCount(context.Background(), window())
		require.ErrorIs(t, err, ErrQueryFailed)
	}
	assert.Equal(t, 10, r.calls)
}

func TestNewValidatesConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Percentiles = []float64{0}
	_, err := New(cfg, &mockReader{}, log.NewNopLogger())
	require.Error(t, err)

	cfg = testConfig()
	cfg.MaxBuckets = 0
	_, err = New(cfg, &mockReader{}, log.NewNopLogger())
	require.Error(t, err)
}

func TestEngineOverStore(t *testing.T) {
	s, err := storage.NewStore(storage.Config{}, log.NewNopLogger())
	require.NoError(t, err)
	ctx := context.Background()

	start := time.UnixMilli(1_000_000)
	for i, d := range []time.Duration{10, 20, 30, 40, 100} {
		btxn := model.NewBusinessTransaction("tenant", "orders")
		root := btxn.Node(btxn.NewNode(model.Consumer, model.In))
		root.URI = "/orders"
		root.SetTimes(start.Add(time.Duration(i)*time.Second), start.Add(time.Duration(i)*time.Second+d*time.Millisecond))
		require.NoError(t, s.WriteBusinessTransaction(ctx, btxn))
	}

	e := newTestEngine(t, s)
	c := model.CompletionTimeCriteria{BaseCriteria: model.BaseCriteria{
		TenantID:  "tenant",
		StartTime: model.Millis(start),
		EndTime:   model.Millis(start.Add(10 * time.Second)),
	}}

	summary, err := e.CompletionSummary(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, int64(5), summary.Count)
	v, _ := summary.Percentiles.Get(50)
	assert.Equal(t, int64(30), v)

	stats, err := e.CompletionTimeseriesStatistics(ctx, c, 5000)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, int64(5), stats[0].Count)
	assert.Equal(t, int64(10), stats[0].Min)
	assert.Equal(t, int64(100), stats[0].Max)
	assert.Equal(t, int64(0), stats[1].Count)
}
