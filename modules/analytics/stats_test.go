package analytics

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/btm/pkg/model"
)

func TestPercentiles(t *testing.T) {
	durations := []int64{40, 10, 100, 30, 20}
	p := percentiles(durations, []float64{99, 50, 90})

	assert.Equal(t, []PercentileValue{
		{Percentile: 50, Value: 30},
		{Percentile: 90, Value: 100},
		{Percentile: 99, Value: 100},
	}, p.Values)

	// the input is not reordered
	assert.Equal(t, []int64{40, 10, 100, 30, 20}, durations)

	p = percentiles(durations, []float64{0.1, 100})
	v, ok := p.Get(0.1)
	require.True(t, ok)
	assert.Equal(t, int64(10), v)
	v, _ = p.Get(100)
	assert.Equal(t, int64(100), v)

	_, ok = p.Get(42)
	assert.False(t, ok)
}

func TestPercentilesRank(t *testing.T) {
	durations := make([]int64, 1000)
	for i := range durations {
		durations[i] = int64(i + 1)
	}

	p := percentiles(durations, DefaultPercentiles)
	assert.Equal(t, []PercentileValue{
		{Percentile: 50, Value: 500},
		{Percentile: 90, Value: 900},
		{Percentile: 95, Value: 950},
		{Percentile: 99, Value: 990},
		{Percentile: 99.9, Value: 999},
	}, p.Values)
}

func TestPercentilesEmpty(t *testing.T) {
	p := percentiles(nil, []float64{50, 99})
	assert.Equal(t, []PercentileValue{{Percentile: 50}, {Percentile: 99}}, p.Values)
}

func TestPercentilesMonotonic(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		durations := make([]int64, r.Intn(200)+1)
		for j := range durations {
			durations[j] = r.Int63n(10_000)
		}
		p := percentiles(durations, []float64{99, 50, 90})
		assert.LessOrEqual(t, p.Values[0].Value, p.Values[1].Value)
		assert.LessOrEqual(t, p.Values[1].Value, p.Values[2].Value)
	}
}

func TestValidatePercentiles(t *testing.T) {
	require.NoError(t, validatePercentiles([]float64{0.1, 50, 100}))
	require.ErrorIs(t, validatePercentiles([]float64{0}), ErrInvalidPercentile)
	require.ErrorIs(t, validatePercentiles([]float64{100.5}), ErrInvalidPercentile)
}

func TestBuckets(t *testing.T) {
	tcs := []struct {
		name              string
		start, end, inter int64
		max               int
		expected          int
		err               error
	}{
		{name: "exact", start: 0, end: 100, inter: 10, max: 100, expected: 10},
		{name: "partial last bucket", start: 0, end: 105, inter: 10, max: 100, expected: 11},
		{name: "empty window", start: 100, end: 100, inter: 10, max: 100, expected: 0},
		{name: "zero interval", start: 0, end: 100, inter: 0, max: 100, err: ErrInvalidInterval},
		{name: "too many", start: 0, end: 1000, inter: 1, max: 100, err: ErrTooManyBuckets},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			n, err := buckets(tc.start, tc.end, tc.inter, tc.max)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, n)
		})
	}
}

func TestCompletionTimeseries(t *testing.T) {
	records := []model.CompletionTime{
		{Timestamp: 1000, Duration: 10},
		{Timestamp: 1005, Duration: 30, Fault: "Failed"},
		{Timestamp: 1030, Duration: 5},
	}
	res := completionTimeseries(records, 1000, 10, 4)

	assert.Equal(t, []CompletionTimeseriesStatistics{
		{Timestamp: 1000, Count: 2, FaultCount: 1, Average: 20, Min: 10, Max: 30},
		{Timestamp: 1010},
		{Timestamp: 1020},
		{Timestamp: 1030, Count: 1, Average: 5, Min: 5, Max: 5},
	}, res)

	var total int64
	for _, b := range res {
		total += b.Count
	}
	assert.Equal(t, int64(len(records)), total)
}

func TestNodeTimeseries(t *testing.T) {
	records := []model.NodeDetails{
		{Timestamp: 0, ComponentType: "Database", Actual: 10},
		{Timestamp: 5, ComponentType: "Database", Actual: 20},
		{Timestamp: 15, Type: model.Consumer, Actual: 7},
	}
	res := nodeTimeseries(records, 0, 10, 3)

	require.Len(t, res, 3)
	assert.Equal(t, map[string]NodeComponentTypeStatistics{"Database": {Duration: 15, Count: 2}}, res[0].ComponentTypes)
	assert.Equal(t, map[string]NodeComponentTypeStatistics{"Consumer": {Duration: 7, Count: 1}}, res[1].ComponentTypes)
	assert.Empty(t, res[2].ComponentTypes)
	assert.Equal(t, int64(20), res[2].Timestamp)
}

func TestNodeSummary(t *testing.T) {
	res := nodeSummary([]model.NodeDetails{
		{ComponentType: "Database", URI: "jdbc:db", Operation: "select", Elapsed: 10, Actual: 10},
		{ComponentType: "Database", URI: "jdbc:db", Operation: "select", Elapsed: 30, Actual: 20},
		{ComponentType: "HTTP", URI: "/b", Elapsed: 5, Actual: 1},
		{ComponentType: "HTTP", URI: "/a", Elapsed: 5, Actual: 1},
	})

	assert.Equal(t, []NodeSummaryStatistics{
		{ComponentType: "Database", URI: "jdbc:db", Operation: "select", Count: 2, Elapsed: 20, Actual: 15},
		{ComponentType: "HTTP", URI: "/a", Count: 1, Elapsed: 5, Actual: 1},
		{ComponentType: "HTTP", URI: "/b", Count: 1, Elapsed: 5, Actual: 1},
	}, res)
}

func TestCardinality(t *testing.T) {
	values := []string{"b", "item10", "a", "item9", "b", "", "a", "a"}
	res := cardinality(values, func(v string) (string, bool) { return v, v != "" })

	assert.Equal(t, []Cardinality{
		{Value: "a", Count: 3},
		{Value: "b", Count: 2},
		{Value: "item9", Count: 1},
		{Value: "item10", Count: 1},
	}, res)

	var sum int64
	for _, c := range res {
		sum += c.Count
	}
	assert.Equal(t, int64(7), sum)
}

func TestDistinct(t *testing.T) {
	assert.Equal(t, []string{"host2", "host10"}, distinct([]string{"host10", "", "host2", "host10"}))
	assert.Equal(t, []string{}, distinct(nil))
}
