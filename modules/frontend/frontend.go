// Package frontend serves the REST API: analytics reports over stored
// business transactions, span ingestion and the configuration issue report.
package frontend

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/go-kit/log"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/middleware"

	"github.com/grafana/btm/modules/analytics"
	"github.com/grafana/btm/pkg/api"
	"github.com/grafana/btm/pkg/model"
	"github.com/grafana/btm/pkg/otlp"
	"github.com/grafana/btm/pkg/uripattern"
)

// Analytics answers the report queries.
type Analytics interface {
	CompletionCount(ctx context.Context, c model.CompletionTimeCriteria) (int64, error)
	CompletionFaultCount(ctx context.Context, c model.CompletionTimeCriteria) (int64, error)
	CompletionPercentiles(ctx context.Context, c model.CompletionTimeCriteria, points []float64) (analytics.Percentiles, error)
	CompletionTimeseriesStatistics(ctx context.Context, c model.CompletionTimeCriteria, interval int64) ([]analytics.CompletionTimeseriesStatistics, error)
	CompletionFaultDetails(ctx context.Context, c model.CompletionTimeCriteria) ([]analytics.Cardinality, error)
	CompletionPropertyDetails(ctx context.Context, c model.CompletionTimeCriteria, property string) ([]analytics.Cardinality, error)
	CompletionSummary(ctx context.Context, c model.CompletionTimeCriteria) (analytics.CompletionSummary, error)
	HostNames(ctx context.Context, c model.CompletionTimeCriteria) ([]string, error)
	UnboundURIs(ctx context.Context, tenantID string, start, end int64, compress bool) ([]uripattern.URIInfo, error)
	BoundURIs(ctx context.Context, tenantID, name string, start, end int64) ([]string, error)
	PropertyInfo(ctx context.Context, tenantID, name string, start, end int64) ([]analytics.PropertyInfo, error)
	NodeTimeseriesStatistics(ctx context.Context, c model.NodeCriteria, interval int64) ([]analytics.NodeTimeseriesStatistics, error)
	NodeSummaryStatistics(ctx context.Context, c model.NodeCriteria) ([]analytics.NodeSummaryStatistics, error)
}

// Pusher accepts span events for the tenant in ctx.
type Pusher interface {
	Push(ctx context.Context, events []*model.SpanEvent) error
}

// IssueSource reports the loaded transaction configuration.
type IssueSource interface {
	Issues() []model.Issue
	Names() []string
}

type Frontend struct {
	cfg       Config
	analytics Analytics
	pusher    Pusher
	issues    IssueSource
	logger    log.Logger
}

// New returns a frontend. pusher and issues may be nil, in which case the
// ingestion and configuration routes are not registered.
func New(cfg Config, a Analytics, pusher Pusher, issues IssueSource, logger log.Logger) (*Frontend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid frontend config: %w", err)
	}
	if a == nil {
		return nil, fmt.Errorf("frontend requires an analytics engine")
	}
	return &Frontend{
		cfg:       cfg,
		analytics: a,
		pusher:    pusher,
		issues:    issues,
		logger:    logger,
	}, nil
}

// RegisterRoutes adds the API to r. Every route is wrapped in mw, which must
// inject the tenant into the request context.
func (f *Frontend) RegisterRoutes(r *mux.Router, mw middleware.Interface) {
	query := func(path, op string, fn handlerFunc) {
		r.Handle(path, mw.Wrap(f.newHandler(op, true, fn))).Methods(http.MethodGet, http.MethodPost)
	}

	query(api.PathCompletionCount, "completion_count", f.completionCount)
	query(api.PathCompletionFaultCount, "completion_fault_count", f.completionFaultCount)
	query(api.PathCompletionPercentiles, "completion_percentiles", f.completionPercentiles)
	query(api.PathCompletionStatistics, "completion_statistics", f.completionStatistics)
	query(api.PathCompletionFaults, "completion_faults", f.completionFaults)
	query(api.PathCompletionProperty, "completion_property", f.completionProperty)
	query(api.PathCompletionSummary, "completion_summary", f.completionSummary)
	query(api.PathNodeStatistics, "node_statistics", f.nodeStatistics)
	query(api.PathNodeSummary, "node_summary", f.nodeSummary)
	query(api.PathHostNames, "hostnames", f.hostNames)

	get := func(path, op string, fn handlerFunc) {
		r.Handle(path, mw.Wrap(f.newHandler(op, true, fn))).Methods(http.MethodGet)
	}
	get(api.PathUnboundURIs, "unbound_uris", f.unboundURIs)
	get(api.PathBoundURIs, "bound_uris", f.boundURIs)
	get(api.PathPropertyInfo, "property_info", f.propertyInfo)

	if f.pusher != nil {
		r.Handle(api.PathSpans, mw.Wrap(f.newHandler("push_spans", false, f.pushSpans))).Methods(http.MethodPost)
		r.Handle(api.PathOTLPTraces, mw.Wrap(f.newHandler("push_otlp", false, f.pushOTLP))).Methods(http.MethodPost)
	}
	if f.issues != nil {
		get(api.PathConfigIssues, "config_issues", f.configIssues)
		get(api.PathConfigNames, "config_transactions", f.configNames)
	}
}

func completionCriteria(tenant string, r *http.Request) (model.CompletionTimeCriteria, error) {
	c, err := api.ParseCompletionTimeCriteria(r)
	if err != nil {
		return c, err
	}
	c.TenantID = tenant
	return c, nil
}

func nodeCriteria(tenant string, r *http.Request) (model.NodeCriteria, error) {
	c, err := api.ParseNodeCriteria(r)
	if err != nil {
		return c, err
	}
	c.TenantID = tenant
	return c, nil
}

func (f *Frontend) completionCount(ctx context.Context, tenant string, r *http.Request) (any, error) {
	c, err := completionCriteria(tenant, r)
	if err != nil {
		return nil, err
	}
	return f.analytics.CompletionCount(ctx, c)
}

func (f *Frontend) completionFaultCount(ctx context.Context, tenant string, r *http.Request) (any, error) {
	c, err := completionCriteria(tenant, r)
	if err != nil {
		return nil, err
	}
	return f.analytics.CompletionFaultCount(ctx, c)
}

func (f *Frontend) completionPercentiles(ctx context.Context, tenant string, r *http.Request) (any, error) {
	c, err := completionCriteria(tenant, r)
	if err != nil {
		return nil, err
	}
	points, err := api.ParsePercentiles(r)
	if err != nil {
		return nil, err
	}
	return f.analytics.CompletionPercentiles(ctx, c, points)
}

func (f *Frontend) completionStatistics(ctx context.Context, tenant string, r *http.Request) (any, error) {
	c, err := completionCriteria(tenant, r)
	if err != nil {
		return nil, err
	}
	interval, err := api.ParseInterval(r)
	if err != nil {
		return nil, err
	}
	return f.analytics.CompletionTimeseriesStatistics(ctx, c, interval.Milliseconds())
}

func (f *Frontend) completionFaults(ctx context.Context, tenant string, r *http.Request) (any, error) {
	c, err := completionCriteria(tenant, r)
	if err != nil {
		return nil, err
	}
	return f.analytics.CompletionFaultDetails(ctx, c)
}

func (f *Frontend) completionProperty(ctx context.Context, tenant string, r *http.Request) (any, error) {
	property, err := api.ParseMuxVar(r, api.MuxVarProperty)
	if err != nil {
		return nil, err
	}
	c, err := completionCriteria(tenant, r)
	if err != nil {
		return nil, err
	}
	return f.analytics.CompletionPropertyDetails(ctx, c, property)
}

func (f *Frontend) completionSummary(ctx context.Context, tenant string, r *http.Request) (any, error) {
	c, err := completionCriteria(tenant, r)
	if err != nil {
		return nil, err
	}
	return f.analytics.CompletionSummary(ctx, c)
}

func (f *Frontend) nodeStatistics(ctx context.Context, tenant string, r *http.Request) (any, error) {
	c, err := nodeCriteria(tenant, r)
	if err != nil {
		return nil, err
	}
	interval, err := api.ParseInterval(r)
	if err != nil {
		return nil, err
	}
	return f.analytics.NodeTimeseriesStatistics(ctx, c, interval.Milliseconds())
}

func (f *Frontend) nodeSummary(ctx context.Context, tenant string, r *http.Request) (any, error) {
	c, err := nodeCriteria(tenant, r)
	if err != nil {
		return nil, err
	}
	return f.analytics.NodeSummaryStatistics(ctx, c)
}

func (f *Frontend) hostNames(ctx context.Context, tenant string, r *http.Request) (any, error) {
	c, err := completionCriteria(tenant, r)
	if err != nil {
		return nil, err
	}
	return f.analytics.HostNames(ctx, c)
}

func (f *Frontend) unboundURIs(ctx context.Context, tenant string, r *http.Request) (any, error) {
	start, end, err := api.ParseTimeRange(r)
	if err != nil {
		return nil, err
	}
	compress, err := api.ParseCompress(r)
	if err != nil {
		return nil, err
	}
	return f.analytics.UnboundURIs(ctx, tenant, start, end, compress)
}

func (f *Frontend) boundURIs(ctx context.Context, tenant string, r *http.Request) (any, error) {
	name, err := api.ParseMuxVar(r, api.MuxVarName)
	if err != nil {
		return nil, err
	}
	start, end, err := api.ParseTimeRange(r)
	if err != nil {
		return nil, err
	}
	return f.analytics.BoundURIs(ctx, tenant, name, start, end)
}

func (f *Frontend) propertyInfo(ctx context.Context, tenant string, r *http.Request) (any, error) {
	name, err := api.ParseMuxVar(r, api.MuxVarName)
	if err != nil {
		return nil, err
	}
	start, end, err := api.ParseTimeRange(r)
	if err != nil {
		return nil, err
	}
	return f.analytics.PropertyInfo(ctx, tenant, name, start, end)
}

func (f *Frontend) pushSpans(ctx context.Context, _ string, r *http.Request) (any, error) {
	events, err := api.ParseSpanEvents(r)
	if err != nil {
		return nil, err
	}
	return nil, f.pusher.Push(ctx, events)
}

func (f *Frontend) pushOTLP(ctx context.Context, _ string, r *http.Request) (any, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	td, err := otlp.Unmarshal(r.Header.Get(api.HeaderContentType), body)
	if err != nil {
		return nil, api.NewBadRequestError(err)
	}
	events := otlp.SpanEvents(td)
	if len(events) == 0 {
		return nil, nil
	}
	return nil, f.pusher.Push(ctx, events)
}

func (f *Frontend) configIssues(context.Context, string, *http.Request) (any, error) {
	issues := f.issues.Issues()
	if issues == nil {
		issues = []model.Issue{}
	}
	return issues, nil
}

func (f *Frontend) configNames(context.Context, string, *http.Request) (any, error) {
	names := f.issues.Names()
	if names == nil {
		names = []string{}
	}
	return names, nil
}
