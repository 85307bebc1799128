// Package correlation matches producer and consumer endpoints reported by
// independent transaction trees and classifies them as bound or unbound.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/grafana/btm/modules/correlation/store"
	"github.com/grafana/btm/pkg/model"
)

const cardinalityBuckets = 3

var (
	metricBound = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "btm",
		Name:      "correlation_bound_total",
		Help:      "Number of producer/consumer pairs matched.",
	}, []string{"tenant"})
	metricUnbound = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "btm",
		Name:      "correlation_unbound_total",
		Help:      "Number of endpoints whose partner never arrived.",
	}, []string{"tenant", "side"})
	metricDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "btm",
		Name:      "correlation_dropped_total",
		Help:      "Number of endpoints dropped because the matching table was full.",
	}, []string{"tenant"})
	metricDuplicates = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "btm",
		Name:      "correlation_duplicate_spans_total",
		Help:      "Number of span deliveries ignored as duplicates.",
	})
	metricPending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "btm",
		Name:      "correlation_pending",
		Help:      "Number of endpoints waiting for their partner.",
	})
	metricUnboundURIs = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "btm",
		Name:      "correlation_unbound_uris_estimate",
		Help:      "Estimated number of distinct unbound URIs over the cardinality window.",
	}, []string{"tenant"})
)

// BindingWriter persists correlation outcomes.
type BindingWriter interface {
	WriteBindings(ctx context.Context, tenantID string, bindings []model.Binding) error
}

// Span is one endpoint offered for correlation.
type Span struct {
	// ID identifies the span delivery; repeated IDs are ignored.
	ID             string
	Side           store.Side
	Endpoint       store.Endpoint
	CorrelationIDs []model.CorrelationIdentifier
}

// Result is the outcome of correlating one span.
type Result struct {
	Bound     []model.Binding
	Pending   int
	Duplicate bool
}

// Stats are the engine counters since start.
type Stats struct {
	Pending    int   `json:"pending"`
	Bound      int64 `json:"bound"`
	Unbound    int64 `json:"unbound"`
	Duplicates int64 `json:"duplicates"`
	Dropped    int64 `json:"dropped"`
}

type Engine struct {
	services.Service

	cfg    Config
	writer BindingWriter
	logger log.Logger

	shards []store.Store

	dedupMtx sync.Mutex
	dedup    *expirable.LRU[string, struct{}]

	expiredMtx sync.Mutex
	expired    []model.Binding

	cardinalityMtx sync.Mutex
	cardinality    map[string]*uriCardinality

	bound      atomic.Int64
	unbound    atomic.Int64
	duplicates atomic.Int64
	dropped    atomic.Int64
}

func New(cfg Config, writer BindingWriter, logger log.Logger) (*Engine, error) {
	if cfg.Shards <= 0 {
		return nil, fmt.Errorf("invalid number of shards %d", cfg.Shards)
	}
	if cfg.MaxItems <= 0 {
		return nil, fmt.Errorf("invalid max items %d", cfg.MaxItems)
	}
	if cfg.SweepInterval <= 0 {
		return nil, fmt.Errorf("invalid sweep interval %s", cfg.SweepInterval)
	}
	if cfg.DedupSize <= 0 {
		cfg.DedupSize = 1
	}

	e := &Engine{
		cfg:         cfg,
		writer:      writer,
		logger:      logger,
		dedup:       expirable.NewLRU[string, struct{}](cfg.DedupSize, nil, cfg.DedupTTL),
		cardinality: map[string]*uriCardinality{},
	}

	e.shards = make([]store.Store, cfg.Shards)
	for i := range e.shards {
		e.shards[i] = store.NewStore(cfg.Wait, cfg.MaxItems, nil, e.onExpire)
	}

	e.Service = services.NewBasicService(e.starting, e.running, e.stopping)
	return e, nil
}

func (e *Engine) starting(_ context.Context) error {
	level.Info(e.logger).Log("msg", "correlation engine starting", "shards", len(e.shards), "wait", e.cfg.Wait)
	return nil
}

func (e *Engine) running(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.Sweep(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// stopping flushes unbound endpoints already evicted. Pending entries are not
// forced out: they belong to calls still in flight.
func (e *Engine) stopping(_ error) error {
	e.flushExpired(context.Background())
	return nil
}

func (e *Engine) shard(key string) store.Store {
	return e.shards[xxhash.Sum64String(key)%uint64(len(e.shards))]
}

// crossesTrees reports whether ids of scope s can link separate transaction trees.
func crossesTrees(s model.Scope) bool {
	return s == model.ScopeGlobal || s == model.ScopeInteraction
}

func (e *Engine) isDuplicate(id string) bool {
	if id == "" {
		return false
	}

	e.dedupMtx.Lock()
	defer e.dedupMtx.Unlock()

	if e.dedup.Contains(id) {
		return true
	}
	e.dedup.Add(id, struct{}{})
	return false
}

// forget drops id from the duplicate cache so a redelivery is correlated again.
func (e *Engine) forget(id string) {
	if id == "" {
		return
	}

	e.dedupMtx.Lock()
	defer e.dedupMtx.Unlock()

	e.dedup.Remove(id)
}

// Correlate offers span to the matching tables under each of its cross tree
// correlation ids. The span is one endpoint: it binds at most once, through
// the first id its partner shares, and its entries under the other ids are
// released. Unmatched spans stay pending until a partner arrives or Wait
// elapses.
func (e *Engine) Correlate(ctx context.Context, span Span) (Result, error) {
	var res Result

	if span.Side != store.Producer && span.Side != store.Consumer {
		return res, fmt.Errorf("span %q has no correlation side", span.ID)
	}
	if e.isDuplicate(span.ID) {
		e.duplicates.Inc()
		metricDuplicates.Inc()
		res.Duplicate = true
		return res, nil
	}

	tenant := span.Endpoint.TenantID
	claim := store.NewClaim()
	ep := span.Endpoint
	ep.Claim = claim

	var (
		errs        error
		bound       *store.Entry
		sidePending bool
		dropped     bool
	)
	for _, cid := range span.CorrelationIDs {
		if !crossesTrees(cid.Scope) {
			continue
		}
		if claim.Resolved() {
			// a partner already matched one of the ids recorded so far
			break
		}

		key := tenant + "/" + cid.Key()
		entry, err := e.shard(key).Upsert(key, span.Side, func(en *store.Entry) {
			en.Set(span.Side, ep)
		})

		switch {
		case errors.Is(err, store.ErrSidePending):
			sidePending = true
		case errors.Is(err, store.ErrTooManyItems):
			dropped = true
			e.dropped.Inc()
			metricDropped.WithLabelValues(tenant).Inc()
			errs = multierr.Append(errs, fmt.Errorf("correlation id %s: %w", cid.Key(), err))
		case err != nil:
			errs = multierr.Append(errs, err)
		case entry.IsCompleted():
			bound = entry
		default:
			res.Pending++
		}
		if bound != nil {
			break
		}
	}

	switch {
	case bound != nil:
		e.release(claim, bound.Opposite(span.Side).Claim)
		res.Pending = 0
		res.Bound = []model.Binding{boundBinding(bound)}
		e.bound.Inc()
		metricBound.WithLabelValues(tenant).Inc()
		errs = multierr.Append(errs, e.write(ctx, tenant, res.Bound))
	case res.Pending == 0 && claim.Resolved():
		// matched by a partner offered concurrently, which reports the pair
	case res.Pending == 0 && sidePending:
		// the same side is already waiting under every id: this delivery cannot be matched
		e.recordUnbound(span.Side, span.Endpoint)
		if span.Side == store.Producer {
			errs = multierr.Append(errs, e.write(ctx, tenant, []model.Binding{unboundBinding(span.Endpoint)}))
		}
	case res.Pending == 0 && dropped:
		// nothing was recorded, so a redelivery must not be taken for a duplicate
		e.forget(span.ID)
	}
	e.updatePending()

	return res, errs
}

// release drops the entries still held by the claims of a bound pair.
func (e *Engine) release(claims ...*store.Claim) {
	for _, c := range claims {
		for _, key := range c.Keys() {
			e.shard(key).Release(key, c)
		}
	}
}

func boundBinding(en *store.Entry) model.Binding {
	p, c := en.Producer, en.Consumer
	b := model.Binding{
		TenantID:            p.TenantID,
		URI:                 p.URI,
		EndpointType:        p.EndpointType,
		BusinessTransaction: p.BusinessTransaction,
		Bound:               true,
		Timestamp:           model.Millis(p.Timestamp),
	}
	if b.URI == "" {
		b.URI = c.URI
	}
	if b.BusinessTransaction == "" {
		b.BusinessTransaction = c.BusinessTransaction
	}
	if b.EndpointType == "" {
		b.EndpointType = c.EndpointType
	}
	return b
}

func unboundBinding(ep store.Endpoint) model.Binding {
	return model.Binding{
		TenantID:            ep.TenantID,
		URI:                 ep.URI,
		EndpointType:        ep.EndpointType,
		BusinessTransaction: ep.BusinessTransaction,
		Timestamp:           model.Millis(ep.Timestamp),
	}
}

// onExpire runs under the shard lock, so it only records the outcome.
func (e *Engine) onExpire(en *store.Entry) {
	switch {
	case en.Producer != nil:
		e.recordUnbound(store.Producer, *en.Producer)
		e.expiredMtx.Lock()
		e.expired = append(e.expired, unboundBinding(*en.Producer))
		e.expiredMtx.Unlock()
	case en.Consumer != nil:
		e.recordUnbound(store.Consumer, *en.Consumer)
	}
}

func (e *Engine) recordUnbound(side store.Side, ep store.Endpoint) {
	e.unbound.Inc()
	metricUnbound.WithLabelValues(ep.TenantID, side.String()).Inc()
	if side == store.Producer && ep.URI != "" {
		e.tenantCardinality(ep.TenantID).insert(ep.URI)
	}
}

func (e *Engine) tenantCardinality(tenant string) *uriCardinality {
	e.cardinalityMtx.Lock()
	defer e.cardinalityMtx.Unlock()

	c, ok := e.cardinality[tenant]
	if !ok {
		c = newURICardinality(e.cfg.CardinalityWindow, cardinalityBuckets)
		e.cardinality[tenant] = c
	}
	return c
}

// Sweep evicts expired entries from every shard and writes the unbound producers.
func (e *Engine) Sweep(ctx context.Context) {
	for _, s := range e.shards {
		s.Expire()
	}
	e.flushExpired(ctx)
	e.updatePending()

	now := time.Now()
	e.cardinalityMtx.Lock()
	for tenant, c := range e.cardinality {
		c.advance(now)
		metricUnboundURIs.WithLabelValues(tenant).Set(float64(c.estimate()))
	}
	e.cardinalityMtx.Unlock()
}

func (e *Engine) flushExpired(ctx context.Context) {
	e.expiredMtx.Lock()
	expired := e.expired
	e.expired = nil
	e.expiredMtx.Unlock()

	byTenant := map[string][]model.Binding{}
	for _, b := range expired {
		byTenant[b.TenantID] = append(byTenant[b.TenantID], b)
	}
	for tenant, bindings := range byTenant {
		if err := e.write(ctx, tenant, bindings); err != nil {
			level.Error(e.logger).Log("msg", "failed to write unbound endpoints", "tenant", tenant, "count", len(bindings), "err", err)
		}
	}
}

func (e *Engine) write(ctx context.Context, tenant string, bindings []model.Binding) error {
	if e.writer == nil || len(bindings) == 0 {
		return nil
	}
	return e.writer.WriteBindings(ctx, tenant, bindings)
}

func (e *Engine) pending() int {
	n := 0
	for _, s := range e.shards {
		n += s.Len()
	}
	return n
}

func (e *Engine) updatePending() {
	metricPending.Set(float64(e.pending()))
}

// UnboundURIEstimate is the estimated number of distinct unbound producer URIs
// of tenant over the cardinality window.
func (e *Engine) UnboundURIEstimate(tenant string) uint64 {
	e.cardinalityMtx.Lock()
	c, ok := e.cardinality[tenant]
	e.cardinalityMtx.Unlock()
	if !ok {
		return 0
	}
	return c.estimate()
}

func (e *Engine) Stats() Stats {
	return Stats{
		Pending:    e.pending(),
		Bound:      e.bound.Load(),
		Unbound:    e.unbound.Load(),
		Duplicates: e.duplicates.Load(),
		Dropped:    e.dropped.Load(),
	}
}
