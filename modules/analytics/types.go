package analytics

// PercentileValue is the duration at one percentile point, in milliseconds.
type PercentileValue struct {
	Percentile float64 `json:"percentile"`
	Value      int64   `json:"value"`
}

// Percentiles holds values in ascending percentile order.
type Percentiles struct {
	Values []PercentileValue `json:"percentiles"`
}

// Get returns the value at percentile p.
func (p Percentiles) Get(percentile float64) (int64, bool) {
	for _, v := range p.Values {
		if v.Percentile == percentile {
			return v.Value, true
		}
	}
	return 0, false
}

// CompletionTimeseriesStatistics is one bucket of a completion time series.
// Durations are in milliseconds; an empty bucket reports zeros.
type CompletionTimeseriesStatistics struct {
	Timestamp  int64   `json:"timestamp"`
	Count      int64   `json:"count"`
	FaultCount int64   `json:"faultCount"`
	Average    float64 `json:"average"`
	Min        int64   `json:"min"`
	Max        int64   `json:"max"`
}

// Cardinality is the number of records sharing one value.
type Cardinality struct {
	Value string `json:"value"`
	Count int64  `json:"count"`
}

type PropertyInfo struct {
	Name string `json:"name"`
}

// NodeComponentTypeStatistics is the average actual duration of one component
// type within a bucket.
type NodeComponentTypeStatistics struct {
	Duration float64 `json:"duration"`
	Count    int64   `json:"count"`
}

// NodeTimeseriesStatistics is one bucket of a node time series keyed by component type.
type NodeTimeseriesStatistics struct {
	Timestamp      int64                                  `json:"timestamp"`
	ComponentTypes map[string]NodeComponentTypeStatistics `json:"componentTypes"`
}

// NodeSummaryStatistics summarises the nodes sharing a component type, uri and operation.
type NodeSummaryStatistics struct {
	ComponentType string  `json:"componentType"`
	URI           string  `json:"uri,omitempty"`
	Operation     string  `json:"operation,omitempty"`
	Count         int64   `json:"count"`
	Elapsed       float64 `json:"elapsed"`
	Actual        float64 `json:"actual"`
}

// CompletionSummary combines the count, fault count and percentiles of one population.
type CompletionSummary struct {
	Count       int64       `json:"count"`
	FaultCount  int64       `json:"faultCount"`
	Percentiles Percentiles `json:"percentiles"`
}
