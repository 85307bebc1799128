package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/grafana/btm/pkg/model"
)

var (
	ErrDuplicateTransaction = errors.New("business transaction already stored")
	ErrTenantFull           = errors.New("tenant has reached the maximum number of business transactions")
	ErrEmptyTransaction     = errors.New("business transaction has no root node")
)

var (
	metricRecordsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "btm",
		Name:      "storage_records_written_total",
		Help:      "Total number of records written to the store.",
	}, []string{"tenant", "kind"})
	metricRecordsExpired = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "btm",
		Name:      "storage_records_expired_total",
		Help:      "Total number of records removed by retention.",
	}, []string{"kind"})
)

// Writer is the write contract of the store. Records are append-only.
type Writer interface {
	WriteBusinessTransaction(ctx context.Context, btxn *model.BusinessTransaction) error
	WriteBindings(ctx context.Context, tenantID string, bindings []model.Binding) error
}

// Reader is the read contract of the store. Results are copies.
type Reader interface {
	CompletionTimes(ctx context.Context, criteria model.CompletionTimeCriteria) ([]model.CompletionTime, error)
	NodeDetails(ctx context.Context, criteria model.NodeCriteria) ([]model.NodeDetails, error)
	Bindings(ctx context.Context, tenantID string, start, end int64) ([]model.Binding, error)
}

// Store is the business transaction store.
type Store interface {
	services.Service
	Reader
	Writer
}

type tenantRecords struct {
	ids         map[string]struct{}
	completions []model.CompletionTime
	nodes       []model.NodeDetails
	bindings    []model.Binding
}

func newTenantRecords() *tenantRecords {
	return &tenantRecords{ids: map[string]struct{}{}}
}

type store struct {
	services.Service

	cfg    Config
	logger log.Logger
	now    func() time.Time

	mtx     sync.RWMutex
	tenants map[string]*tenantRecords
}

// NewStore creates an in-memory store using configuration supplied.
func NewStore(cfg Config, logger log.Logger) (Store, error) {
	if cfg.Retention > 0 && cfg.RetentionInterval <= 0 {
		return nil, fmt.Errorf("retention interval must be positive, got %s", cfg.RetentionInterval)
	}

	s := &store{
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		tenants: map[string]*tenantRecords{},
	}
	s.Service = services.NewBasicService(nil, s.running, nil)
	return s, nil
}

func (s *store) running(ctx context.Context) error {
	if s.cfg.Retention <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(s.cfg.RetentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.applyRetention()
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *store) tenant(id string) *tenantRecords {
	t, ok := s.tenants[id]
	if !ok {
		t = newTenantRecords()
		s.tenants[id] = t
	}
	return t
}

func (s *store) WriteBusinessTransaction(_ context.Context, btxn *model.BusinessTransaction) error {
	if err := btxn.Validate(); err != nil {
		return fmt.Errorf("invalid business transaction: %w", err)
	}

	ct, ok := model.CompletionTimeFor(btxn)
	if !ok {
		return fmt.Errorf("%s: %w", btxn.ID, ErrEmptyTransaction)
	}
	nodes := model.NodeDetailsFor(btxn)

	s.mtx.Lock()
	defer s.mtx.Unlock()

	t := s.tenant(btxn.TenantID)
	if _, exists := t.ids[btxn.ID]; exists {
		return fmt.Errorf("%s: %w", btxn.ID, ErrDuplicateTransaction)
	}
	if s.cfg.MaxTransactionsPerTenant > 0 && len(t.ids) >= s.cfg.MaxTransactionsPerTenant {
		return fmt.Errorf("tenant %s: %w", btxn.TenantID, ErrTenantFull)
	}

	t.ids[btxn.ID] = struct{}{}
	t.completions = append(t.completions, ct)
	metricRecordsWritten.WithLabelValues(btxn.TenantID, "completion").Inc()
	t.nodes = append(t.nodes, nodes...)
	metricRecordsWritten.WithLabelValues(btxn.TenantID, "node").Add(float64(len(nodes)))
	return nil
}

func (s *store) WriteBindings(_ context.Context, tenantID string, bindings []model.Binding) error {
	if len(bindings) == 0 {
		return nil
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	t := s.tenant(tenantID)
	for _, b := range bindings {
		b.TenantID = tenantID
		t.bindings = append(t.bindings, b)
	}
	metricRecordsWritten.WithLabelValues(tenantID, "binding").Add(float64(len(bindings)))
	return nil
}

// tenantsFor returns the tenants a criteria may read, sorted by id.
func (s *store) tenantsFor(tenantID string) []*tenantRecords {
	if tenantID != "" {
		if t, ok := s.tenants[tenantID]; ok {
			return []*tenantRecords{t}
		}
		return nil
	}

	ids := make([]string, 0, len(s.tenants))
	for id := range s.tenants {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	res := make([]*tenantRecords, 0, len(ids))
	for _, id := range ids {
		res = append(res, s.tenants[id])
	}
	return res
}

func (s *store) CompletionTimes(ctx context.Context, criteria model.CompletionTimeCriteria) ([]model.CompletionTime, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := s.now()

	s.mtx.RLock()
	defer s.mtx.RUnlock()

	var res []model.CompletionTime
	for _, t := range s.tenantsFor(criteria.TenantID) {
		for _, ct := range t.completions {
			if criteria.Matches(now, ct) {
				res = append(res, ct)
			}
		}
	}
	return res, nil
}

func (s *store) NodeDetails(ctx context.Context, criteria model.NodeCriteria) ([]model.NodeDetails, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := s.now()

	s.mtx.RLock()
	defer s.mtx.RUnlock()

	var res []model.NodeDetails
	for _, t := range s.tenantsFor(criteria.TenantID) {
		for _, nd := range t.nodes {
			if criteria.Matches(now, nd) {
				res = append(res, nd)
			}
		}
	}
	return res, nil
}

// Bindings returns the bindings with a timestamp in [start, end).
func (s *store) Bindings(ctx context.Context, tenantID string, start, end int64) ([]model.Binding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mtx.RLock()
	defer s.mtx.RUnlock()

	var res []model.Binding
	for _, t := range s.tenantsFor(tenantID) {
		for _, b := range t.bindings {
			if b.Timestamp >= start && b.Timestamp < end {
				res = append(res, b)
			}
		}
	}
	return res, nil
}

// applyRetention drops records older than the retention period. Completion
// times and node details are removed together with their transaction id.
func (s *store) applyRetention() {
	cutoff := model.Millis(s.now().Add(-s.cfg.Retention))

	s.mtx.Lock()
	defer s.mtx.Unlock()

	var completions, nodes, bindings int
	for tenantID, t := range s.tenants {
		kept := t.completions[:0]
		for _, ct := range t.completions {
			if ct.Timestamp < cutoff {
				delete(t.ids, ct.ID)
				completions++
				continue
			}
			kept = append(kept, ct)
		}
		t.completions = kept

		keptNodes := t.nodes[:0]
		for _, nd := range t.nodes {
			if _, live := t.ids[nd.ID]; !live {
				nodes++
				continue
			}
			keptNodes = append(keptNodes, nd)
		}
		t.nodes = keptNodes

		keptBindings := t.bindings[:0]
		for _, b := range t.bindings {
			if b.Timestamp < cutoff {
				bindings++
				continue
			}
			keptBindings = append(keptBindings, b)
		}
		t.bindings = keptBindings

		if len(t.ids) == 0 && len(t.bindings) == 0 {
			delete(s.tenants, tenantID)
		}
	}

	metricRecordsExpired.WithLabelValues("completion").Add(float64(completions))
	metricRecordsExpired.WithLabelValues("node").Add(float64(nodes))
	metricRecordsExpired.WithLabelValues("binding").Add(float64(bindings))
	if completions+nodes+bindings > 0 {
		level.Info(s.logger).Log("msg", "removed expired records", "completions", completions, "nodes", nodes, "bindings", bindings)
	}
}
