package analytics

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/facette/natsort"

	"github.com/grafana/btm/pkg/model"
)

var (
	ErrInvalidPercentile = errors.New("invalid percentile")
	ErrInvalidInterval   = errors.New("invalid interval")
	ErrTooManyBuckets    = errors.New("too many buckets")
)

// rankEpsilon absorbs float error in p/100*n, e.g. 99.9 of 1000 is rank 999.
const rankEpsilon = 1e-9

func validatePercentiles(points []float64) error {
	for _, p := range points {
		if math.IsNaN(p) || p <= 0 || p > 100 {
			return fmt.Errorf("%w: %v must be in (0, 100]", ErrInvalidPercentile, p)
		}
	}
	return nil
}

// percentiles computes order statistics over durations. Percentile p maps to
// index ceil(p/100*n)-1 of the sorted samples, clamped to [0, n-1]. An empty
// population yields zero values. durations is not modified.
func percentiles(durations []int64, points []float64) Percentiles {
	sorted := append([]int64(nil), durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	ordered := append([]float64(nil), points...)
	sort.Float64s(ordered)

	res := Percentiles{Values: make([]PercentileValue, 0, len(ordered))}
	n := len(sorted)
	for _, p := range ordered {
		if len(res.Values) > 0 && res.Values[len(res.Values)-1].Percentile == p {
			continue
		}
		v := PercentileValue{Percentile: p}
		if n > 0 {
			idx := int(math.Ceil(p*float64(n)/100-rankEpsilon)) - 1
			idx = min(max(idx, 0), n-1)
			v.Value = sorted[idx]
		}
		res.Values = append(res.Values, v)
	}
	return res
}

// buckets returns the number of interval sized buckets covering [start, end).
func buckets(start, end, interval int64, maxBuckets int) (int, error) {
	if interval <= 0 {
		return 0, fmt.Errorf("%w: %d must be positive", ErrInvalidInterval, interval)
	}
	if end <= start {
		return 0, nil
	}
	n := (end - start + interval - 1) / interval
	if n > int64(maxBuckets) {
		return 0, fmt.Errorf("%w: %d buckets exceed the limit of %d", ErrTooManyBuckets, n, maxBuckets)
	}
	return int(n), nil
}

func completionTimeseries(records []model.CompletionTime, start, interval int64, n int) []CompletionTimeseriesStatistics {
	res := make([]CompletionTimeseriesStatistics, n)
	sums := make([]int64, n)
	for i := range res {
		res[i].Timestamp = start + int64(i)*interval
	}

	for _, ct := range records {
		i := int((ct.Timestamp - start) / interval)
		if ct.Timestamp < start || i >= n {
			continue
		}
		b := &res[i]
		if b.Count == 0 || ct.Duration < b.Min {
			b.Min = ct.Duration
		}
		if b.Count == 0 || ct.Duration > b.Max {
			b.Max = ct.Duration
		}
		b.Count++
		if ct.Fault != "" {
			b.FaultCount++
		}
		sums[i] += ct.Duration
	}

	for i := range res {
		if res[i].Count > 0 {
			res[i].Average = float64(sums[i]) / float64(res[i].Count)
		}
	}
	return res
}

func componentType(nd model.NodeDetails) string {
	if nd.ComponentType != "" {
		return nd.ComponentType
	}
	return string(nd.Type)
}

func nodeTimeseries(records []model.NodeDetails, start, interval int64, n int) []NodeTimeseriesStatistics {
	type acc struct{ sum, count int64 }
	accs := make([]map[string]*acc, n)
	res := make([]NodeTimeseriesStatistics, n)
	for i := range res {
		res[i].Timestamp = start + int64(i)*interval
		res[i].ComponentTypes = map[string]NodeComponentTypeStatistics{}
		accs[i] = map[string]*acc{}
	}

	for _, nd := range records {
		i := int((nd.Timestamp - start) / interval)
		if nd.Timestamp < start || i >= n {
			continue
		}
		a, ok := accs[i][componentType(nd)]
		if !ok {
			a = &acc{}
			accs[i][componentType(nd)] = a
		}
		a.sum += nd.Actual
		a.count++
	}

	for i := range res {
		for ctype, a := range accs[i] {
			res[i].ComponentTypes[ctype] = NodeComponentTypeStatistics{
				Duration: float64(a.sum) / float64(a.count),
				Count:    a.count,
			}
		}
	}
	return res
}

func nodeSummary(records []model.NodeDetails) []NodeSummaryStatistics {
	type key struct{ ctype, uri, op string }
	type acc struct{ elapsed, actual, count int64 }

	accs := map[key]*acc{}
	for _, nd := range records {
		k := key{componentType(nd), nd.URI, nd.Operation}
		a, ok := accs[k]
		if !ok {
			a = &acc{}
			accs[k] = a
		}
		a.elapsed += nd.Elapsed
		a.actual += nd.Actual
		a.count++
	}

	res := make([]NodeSummaryStatistics, 0, len(accs))
	for k, a := range accs {
		res = append(res, NodeSummaryStatistics{
			ComponentType: k.ctype,
			URI:           k.uri,
			Operation:     k.op,
			Count:         a.count,
			Elapsed:       float64(a.elapsed) / float64(a.count),
			Actual:        float64(a.actual) / float64(a.count),
		})
	}
	sort.Slice(res, func(i, j int) bool {
		a, b := res[i], res[j]
		switch {
		case a.Count != b.Count:
			return a.Count > b.Count
		case a.ComponentType != b.ComponentType:
			return natsort.Compare(a.ComponentType, b.ComponentType)
		case a.URI != b.URI:
			return natsort.Compare(a.URI, b.URI)
		default:
			return natsort.Compare(a.Operation, b.Operation)
		}
	})
	return res
}

// cardinality counts the values returned by value, skipping records for which
// it reports false. Entries are sorted by count descending, then value in
// natural order.
func cardinality[T any](records []T, value func(T) (string, bool)) []Cardinality {
	counts := map[string]int64{}
	for _, r := range records {
		if v, ok := value(r); ok {
			counts[v]++
		}
	}

	res := make([]Cardinality, 0, len(counts))
	for v, c := range counts {
		res = append(res, Cardinality{Value: v, Count: c})
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].Count != res[j].Count {
			return res[i].Count > res[j].Count
		}
		return natsort.Compare(res[i].Value, res[j].Value)
	})
	return res
}

// distinct returns the distinct non-empty values in natural order.
func distinct(values []string) []string {
	seen := map[string]struct{}{}
	res := []string{}
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		res = append(res, v)
	}
	sort.Slice(res, func(i, j int) bool { return natsort.Compare(res[i], res[j]) })
	return res
}
