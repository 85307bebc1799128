// Package analytics aggregates populations of stored completion, node and
// binding records into the reports served by the frontend. The engine keeps no
// state between queries; every query reads the store through a circuit breaker
// and either returns a full result or an ErrQueryFailed.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/btm/pkg/model"
	"github.com/grafana/btm/pkg/uripattern"
)

var tracer = otel.Tracer("modules/analytics")

// ErrQueryFailed wraps every store or breaker failure.
var ErrQueryFailed = errors.New("query failed")

var (
	metricQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "btm",
		Name:      "analytics_queries_total",
		Help:      "Total number of analytics queries.",
	}, []string{"op", "status"})
	metricQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "btm",
		Name:      "analytics_query_duration_seconds",
		Help:      "Duration of analytics queries.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})
	metricBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "btm",
		Name:      "analytics_breaker_state",
		Help:      "State of the store circuit breaker: 0 closed, 1 half-open, 2 open.",
	})
)

// Reader is the read contract of a store.
type Reader interface {
	CompletionTimes(ctx context.Context, criteria model.CompletionTimeCriteria) ([]model.CompletionTime, error)
	NodeDetails(ctx context.Context, criteria model.NodeCriteria) ([]model.NodeDetails, error)
	Bindings(ctx context.Context, tenantID string, start, end int64) ([]model.Binding, error)
}

type Engine struct {
	cfg    Config
	reader Reader
	cb     *gobreaker.CircuitBreaker
	logger log.Logger
	now    func() time.Time
}

func New(cfg Config, reader Reader, logger log.Logger) (*Engine, error) {
	if len(cfg.Percentiles) == 0 {
		cfg.Percentiles = DefaultPercentiles
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid analytics config: %w", err)
	}

	e := &Engine{
		cfg:    cfg,
		reader: reader,
		logger: logger,
		now:    time.Now,
	}
	e.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "analytics-store",
		MaxRequests: uint32(cfg.Breaker.MaxRequests),
		Interval:    cfg.Breaker.Interval,
		Timeout:     cfg.Breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.Breaker.ConsecutiveFailures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metricBreakerState.Set(float64(to))
			level.Warn(logger).Log("msg", "store circuit breaker changed state", "breaker", name, "from", from.String(), "to", to.String())
		},
		// a canceled query says nothing about the health of the store
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})
	return e, nil
}

// observe starts a span for op and returns the function that records its outcome.
func (e *Engine) observe(ctx context.Context, op, tenantID string) (context.Context, func(*error)) {
	ctx, span := tracer.Start(ctx, "analytics."+op)
	span.SetAttributes(attribute.String("tenant", tenantID))
	start := time.Now()

	return ctx, func(errp *error) {
		status := "success"
		if err := *errp; err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			level.Error(e.logger).Log("msg", "analytics query failed", "op", op, "tenant", tenantID, "err", err)
		}
		metricQueries.WithLabelValues(op, status).Inc()
		metricQueryDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		span.End()
	}
}

// resolve fixes the query window so the store and the bucketing agree on it.
func (e *Engine) resolve(c model.BaseCriteria) model.BaseCriteria {
	c.StartTime, c.EndTime = c.Bounds(e.now())
	return c
}

func execute[T any](e *Engine, fn func() (T, error)) (T, error) {
	res, err := e.cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		var zero T
		return zero, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}
	return res.(T), nil
}

func (e *Engine) completionTimes(ctx context.Context, c model.CompletionTimeCriteria) ([]model.CompletionTime, error) {
	return execute(e, func() ([]model.CompletionTime, error) {
		return e.reader.CompletionTimes(ctx, c)
	})
}

func (e *Engine) nodeDetails(ctx context.Context, c model.NodeCriteria) ([]model.NodeDetails, error) {
	return execute(e, func() ([]model.NodeDetails, error) {
		return e.reader.NodeDetails(ctx, c)
	})
}

func (e *Engine) bindings(ctx context.Context, tenantID string, start, end int64) ([]model.Binding, error) {
	return execute(e, func() ([]model.Binding, error) {
		return e.reader.Bindings(ctx, tenantID, start, end)
	})
}

// CompletionCount returns the number of completion records matching c.
func (e *Engine) CompletionCount(ctx context.Context, c model.CompletionTimeCriteria) (_ int64, err error) {
	ctx, done := e.observe(ctx, "CompletionCount", c.TenantID)
	defer done(&err)

	c.BaseCriteria = e.resolve(c.BaseCriteria)
	return e.completionCount(ctx, c)
}

func (e *Engine) completionCount(ctx context.Context, c model.CompletionTimeCriteria) (int64, error) {
	records, err := e.completionTimes(ctx, c)
	if err != nil {
		return 0, err
	}
	return int64(len(records)), nil
}

func faultCount(records []model.CompletionTime) int64 {
	var n int64
	for _, ct := range records {
		if ct.Fault != "" {
			n++
		}
	}
	return n
}

func durationPercentiles(records []model.CompletionTime, points []float64) Percentiles {
	durations := make([]int64, len(records))
	for i, ct := range records {
		durations[i] = ct.Duration
	}
	return percentiles(durations, points)
}

// CompletionFaultCount returns the number of faulted completion records matching c.
func (e *Engine) CompletionFaultCount(ctx context.Context, c model.CompletionTimeCriteria) (_ int64, err error) {
	ctx, done := e.observe(ctx, "CompletionFaultCount", c.TenantID)
	defer done(&err)

	c.BaseCriteria = e.resolve(c.BaseCriteria)
	return e.completionFaultCount(ctx, c)
}

func (e *Engine) completionFaultCount(ctx context.Context, c model.CompletionTimeCriteria) (int64, error) {
	records, err := e.completionTimes(ctx, c)
	if err != nil {
		return 0, err
	}
	return faultCount(records), nil
}

// CompletionPercentiles returns the duration percentiles of the records
// matching c. No points selects the configured defaults.
func (e *Engine) CompletionPercentiles(ctx context.Context, c model.CompletionTimeCriteria, points []float64) (_ Percentiles, err error) {
	ctx, done := e.observe(ctx, "CompletionPercentiles", c.TenantID)
	defer done(&err)

	if len(points) == 0 {
		points = e.cfg.Percentiles
	}
	if err := validatePercentiles(points); err != nil {
		return Percentiles{}, err
	}

	c.BaseCriteria = e.resolve(c.BaseCriteria)
	return e.completionPercentiles(ctx, c, points)
}

func (e *Engine) completionPercentiles(ctx context.Context, c model.CompletionTimeCriteria, points []float64) (Percentiles, error) {
	records, err := e.completionTimes(ctx, c)
	if err != nil {
		return Percentiles{}, err
	}
	return durationPercentiles(records, points), nil
}

// CompletionTimeseriesStatistics partitions the query window into buckets of
// interval milliseconds. Every bucket is returned, empty ones with zero values.
func (e *Engine) CompletionTimeseriesStatistics(ctx context.Context, c model.CompletionTimeCriteria, interval int64) (_ []CompletionTimeseriesStatistics, err error) {
	ctx, done := e.observe(ctx, "CompletionTimeseriesStatistics", c.TenantID)
	defer done(&err)

	c.BaseCriteria = e.resolve(c.BaseCriteria)
	n, err := buckets(c.StartTime, c.EndTime, interval, e.cfg.MaxBuckets)
	if err != nil {
		return nil, err
	}

	records, err := e.completionTimes(ctx, c)
	if err != nil {
		return nil, err
	}
	return completionTimeseries(records, c.StartTime, interval, n), nil
}

// CompletionFaultDetails counts the faulted records matching c per fault value.
func (e *Engine) CompletionFaultDetails(ctx context.Context, c model.CompletionTimeCriteria) (_ []Cardinality, err error) {
	ctx, done := e.observe(ctx, "CompletionFaultDetails", c.TenantID)
	defer done(&err)

	c.BaseCriteria = e.resolve(c.BaseCriteria)
	records, err := e.completionTimes(ctx, c)
	if err != nil {
		return nil, err
	}
	return cardinality(records, func(ct model.CompletionTime) (string, bool) {
		return ct.Fault, ct.Fault != ""
	}), nil
}

// CompletionPropertyDetails counts the records matching c that carry property,
// per property value.
func (e *Engine) CompletionPropertyDetails(ctx context.Context, c model.CompletionTimeCriteria, property string) (_ []Cardinality, err error) {
	ctx, done := e.observe(ctx, "CompletionPropertyDetails", c.TenantID)
	defer done(&err)

	if property == "" {
		return nil, errors.New("property name is required")
	}

	c.BaseCriteria = e.resolve(c.BaseCriteria)
	records, err := e.completionTimes(ctx, c)
	if err != nil {
		return nil, err
	}
	return cardinality(records, func(ct model.CompletionTime) (string, bool) {
		v, ok := ct.Properties[property]
		return v, ok
	}), nil
}

// HostNames returns the distinct host names of the records matching c.
func (e *Engine) HostNames(ctx context.Context, c model.CompletionTimeCriteria) (_ []string, err error) {
	ctx, done := e.observe(ctx, "HostNames", c.TenantID)
	defer done(&err)

	c.BaseCriteria = e.resolve(c.BaseCriteria)
	records, err := e.completionTimes(ctx, c)
	if err != nil {
		return nil, err
	}
	hosts := make([]string, len(records))
	for i, ct := range records {
		hosts[i] = ct.HostName
	}
	return distinct(hosts), nil
}

// UnboundURIs reports the URIs of producers that found no consumer within the
// window, with their occurrence counts. compress groups parameterised URIs
// into templates.
func (e *Engine) UnboundURIs(ctx context.Context, tenantID string, start, end int64, compress bool) (_ []uripattern.URIInfo, err error) {
	ctx, done := e.observe(ctx, "UnboundURIs", tenantID)
	defer done(&err)

	w := e.resolve(model.BaseCriteria{StartTime: start, EndTime: end})
	bindings, err := e.bindings(ctx, tenantID, w.StartTime, w.EndTime)
	if err != nil {
		return nil, err
	}

	type key struct{ uri, endpointType string }
	counts := map[key]int64{}
	var order []key
	for _, b := range bindings {
		if b.Bound || b.URI == "" {
			continue
		}
		k := key{b.URI, b.EndpointType}
		if _, ok := counts[k]; !ok {
			order = append(order, k)
		}
		counts[k]++
	}

	uris := make([]uripattern.URIInfo, 0, len(order))
	for _, k := range order {
		uris = append(uris, uripattern.URIInfo{URI: k.uri, EndpointType: k.endpointType, Count: counts[k]})
	}
	if compress {
		return uripattern.Compress(uris, uripattern.Config{MinDistinct: e.cfg.CompressMinDistinct}), nil
	}
	uripattern.Sort(uris)
	return uris, nil
}

// BoundURIs returns the distinct URIs of the named business transaction that
// were matched at least once within the window.
func (e *Engine) BoundURIs(ctx context.Context, tenantID, name string, start, end int64) (_ []string, err error) {
	ctx, done := e.observe(ctx, "BoundURIs", tenantID)
	defer done(&err)

	w := e.resolve(model.BaseCriteria{StartTime: start, EndTime: end})
	bindings, err := e.bindings(ctx, tenantID, w.StartTime, w.EndTime)
	if err != nil {
		return nil, err
	}

	var uris []string
	for _, b := range bindings {
		if b.Bound && b.BusinessTransaction == name {
			uris = append(uris, b.URI)
		}
	}
	return distinct(uris), nil
}

// PropertyInfo returns the property names recorded for the named business
// transaction within the window.
func (e *Engine) PropertyInfo(ctx context.Context, tenantID, name string, start, end int64) (_ []PropertyInfo, err error) {
	ctx, done := e.observe(ctx, "PropertyInfo", tenantID)
	defer done(&err)

	c := model.CompletionTimeCriteria{
		BaseCriteria:        e.resolve(model.BaseCriteria{TenantID: tenantID, StartTime: start, EndTime: end}),
		BusinessTransaction: name,
	}
	records, err := e.completionTimes(ctx, c)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, ct := range records {
		for k := range ct.Properties {
			names = append(names, k)
		}
	}
	res := []PropertyInfo{}
	for _, n := range distinct(names) {
		res = append(res, PropertyInfo{Name: n})
	}
	return res, nil
}

// NodeTimeseriesStatistics reports, per bucket and component type, the average
// actual duration and count of the nodes matching c.
func (e *Engine) NodeTimeseriesStatistics(ctx context.Context, c model.NodeCriteria, interval int64) (_ []NodeTimeseriesStatistics, err error) {
	ctx, done := e.observe(ctx, "NodeTimeseriesStatistics", c.TenantID)
	defer done(&err)

	c.BaseCriteria = e.resolve(c.BaseCriteria)
	n, err := buckets(c.StartTime, c.EndTime, interval, e.cfg.MaxBuckets)
	if err != nil {
		return nil, err
	}

	records, err := e.nodeDetails(ctx, c)
	if err != nil {
		return nil, err
	}
	return nodeTimeseries(records, c.StartTime, interval, n), nil
}

// NodeSummaryStatistics summarises the nodes matching c per component type, uri and operation.
func (e *Engine) NodeSummaryStatistics(ctx context.Context, c model.NodeCriteria) (_ []NodeSummaryStatistics, err error) {
	ctx, done := e.observe(ctx, "NodeSummaryStatistics", c.TenantID)
	defer done(&err)

	c.BaseCriteria = e.resolve(c.BaseCriteria)
	records, err := e.nodeDetails(ctx, c)
	if err != nil {
		return nil, err
	}
	return nodeSummary(records), nil
}

// CompletionSummary computes count, fault count and the default percentiles
// from one read of the population, so the three always agree. The fault scan
// and the percentile sort run concurrently.
func (e *Engine) CompletionSummary(ctx context.Context, c model.CompletionTimeCriteria) (_ CompletionSummary, err error) {
	ctx, done := e.observe(ctx, "CompletionSummary", c.TenantID)
	defer done(&err)

	c.BaseCriteria = e.resolve(c.BaseCriteria)
	records, err := e.completionTimes(ctx, c)
	if err != nil {
		return CompletionSummary{}, err
	}

	res := CompletionSummary{Count: int64(len(records))}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res.FaultCount = faultCount(records)
		return gctx.Err()
	})
	g.Go(func() error {
		res.Percentiles = durationPercentiles(records, e.cfg.Percentiles)
		return gctx.Err()
	})
	if err := g.Wait(); err != nil {
		return CompletionSummary{}, err
	}
	return res, nil
}
