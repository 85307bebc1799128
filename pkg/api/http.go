package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"

	"github.com/grafana/btm/pkg/model"
)

const (
	// criteria
	urlParamBusinessTransaction = "businessTransaction"
	urlParamStartTime           = "startTime"
	urlParamEndTime             = "endTime"
	urlParamProperties          = "properties"
	urlParamFaults              = "faults"
	urlParamHostName            = "hostName"

	// reports
	urlParamInterval    = "interval"
	urlParamPercentiles = "percentiles"
	urlParamCompress    = "compress"

	MuxVarName     = "name"
	MuxVarProperty = "property"

	HeaderAccept      = "Accept"
	HeaderContentType = "Content-Type"
	HeaderAcceptJSON  = "application/json"

	PathPrefixAnalytics = "/analytics"

	PathCompletionCount       = PathPrefixAnalytics + "/completion/count"
	PathCompletionFaultCount  = PathPrefixAnalytics + "/completion/faultcount"
	PathCompletionPercentiles = PathPrefixAnalytics + "/completion/percentiles"
	PathCompletionStatistics  = PathPrefixAnalytics + "/completion/statistics"
	PathCompletionFaults      = PathPrefixAnalytics + "/completion/faults"
	PathCompletionProperty    = PathPrefixAnalytics + "/completion/property/{" + MuxVarProperty + "}"
	PathCompletionSummary     = PathPrefixAnalytics + "/completion/summary"
	PathNodeStatistics        = PathPrefixAnalytics + "/node/statistics"
	PathNodeSummary           = PathPrefixAnalytics + "/node/summary"
	PathHostNames             = PathPrefixAnalytics + "/hostnames"
	PathUnboundURIs           = PathPrefixAnalytics + "/unbounduris"
	PathBoundURIs             = PathPrefixAnalytics + "/bounduris/{" + MuxVarName + "}"
	PathPropertyInfo          = PathPrefixAnalytics + "/properties/{" + MuxVarName + "}"

	PathSpans        = "/transactions/spans"
	PathOTLPTraces   = "/v1/traces"
	PathConfigIssues = "/config/issues"
	PathConfigNames  = "/config/transactions"

	// DefaultInterval is the timeseries bucket width when none is requested.
	DefaultInterval = time.Minute
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// BadRequestError is returned for malformed request parameters.
type BadRequestError struct {
	err error
}

func (e BadRequestError) Error() string { return e.err.Error() }
func (e BadRequestError) Unwrap() error { return e.err }

// NewBadRequestError marks err as caused by the request.
func NewBadRequestError(err error) error {
	return BadRequestError{err: err}
}

func badRequest(format string, args ...any) error {
	return BadRequestError{err: fmt.Errorf(format, args...)}
}

// ParseBaseCriteria decodes the time window, property and fault filters
// shared by every analytics query.
func ParseBaseCriteria(r *http.Request) (model.BaseCriteria, error) {
	var c model.BaseCriteria

	start, err := parseInt(r, urlParamStartTime)
	if err != nil {
		return c, err
	}
	end, err := parseInt(r, urlParamEndTime)
	if err != nil {
		return c, err
	}
	c.StartTime, c.EndTime = start, end

	if s, ok := extractQueryParam(r, urlParamProperties); ok {
		c.Properties, err = model.DecodeProperties(s)
		if err != nil {
			return c, BadRequestError{err: err}
		}
	}
	if s, ok := extractQueryParam(r, urlParamFaults); ok {
		c.Faults = model.DecodeFaults(s)
	}
	return c, nil
}

// ParseCompletionTimeCriteria decodes the criteria of a completion query.
// POST requests carry the criteria as a JSON body instead of query params.
func ParseCompletionTimeCriteria(r *http.Request) (model.CompletionTimeCriteria, error) {
	var c model.CompletionTimeCriteria
	if r.Method == http.MethodPost {
		return c, decodeBody(r, &c)
	}

	base, err := ParseBaseCriteria(r)
	if err != nil {
		return c, err
	}
	c.BaseCriteria = base
	c.BusinessTransaction, _ = extractQueryParam(r, urlParamBusinessTransaction)
	return c, nil
}

// ParseNodeCriteria decodes the criteria of a node query.
func ParseNodeCriteria(r *http.Request) (model.NodeCriteria, error) {
	var c model.NodeCriteria
	if r.Method == http.MethodPost {
		return c, decodeBody(r, &c)
	}

	base, err := ParseBaseCriteria(r)
	if err != nil {
		return c, err
	}
	c.BaseCriteria = base
	c.BusinessTransaction, _ = extractQueryParam(r, urlParamBusinessTransaction)
	c.HostName, _ = extractQueryParam(r, urlParamHostName)
	return c, nil
}

// ParseTimeRange decodes the startTime and endTime params, zero when absent.
func ParseTimeRange(r *http.Request) (int64, int64, error) {
	start, err := parseInt(r, urlParamStartTime)
	if err != nil {
		return 0, 0, err
	}
	end, err := parseInt(r, urlParamEndTime)
	if err != nil {
		return 0, 0, err
	}
	return start, end, nil
}

// ParseInterval decodes the bucket width in milliseconds.
func ParseInterval(r *http.Request) (time.Duration, error) {
	ms, err := parseInt(r, urlParamInterval)
	if err != nil {
		return 0, err
	}
	if ms == 0 {
		return DefaultInterval, nil
	}
	if ms < 0 {
		return 0, badRequest("invalid %s: must be positive", urlParamInterval)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// ParsePercentiles decodes a comma separated list of percentiles, nil when absent.
func ParsePercentiles(r *http.Request) ([]float64, error) {
	s, ok := extractQueryParam(r, urlParamPercentiles)
	if !ok {
		return nil, nil
	}
	var res []float64
	for _, p := range strings.Split(s, ",") {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, badRequest("invalid %s: %w", urlParamPercentiles, err)
		}
		res = append(res, v)
	}
	return res, nil
}

func ParseCompress(r *http.Request) (bool, error) {
	s, ok := extractQueryParam(r, urlParamCompress)
	if !ok {
		return false, nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return false, badRequest("invalid %s: %w", urlParamCompress, err)
	}
	return v, nil
}

// ParseMuxVar returns a required path variable.
func ParseMuxVar(r *http.Request, name string) (string, error) {
	v, ok := mux.Vars(r)[name]
	if !ok || v == "" {
		return "", badRequest("please provide a %s", name)
	}
	return v, nil
}

// ParseSpanEvents decodes a JSON array of span events.
func ParseSpanEvents(r *http.Request) ([]*model.SpanEvent, error) {
	var events []*model.SpanEvent
	if err := decodeBody(r, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// BuildCompletionTimeCriteriaQuery encodes c as query params of a GET request.
func BuildCompletionTimeCriteriaQuery(c model.CompletionTimeCriteria) string {
	qb := newQueryBuilder("")
	qb.addString(urlParamBusinessTransaction, c.BusinessTransaction)
	addBaseCriteria(qb, c.BaseCriteria)
	return qb.query()
}

// BuildNodeCriteriaQuery encodes c as query params of a GET request.
func BuildNodeCriteriaQuery(c model.NodeCriteria) string {
	qb := newQueryBuilder("")
	qb.addString(urlParamBusinessTransaction, c.BusinessTransaction)
	qb.addString(urlParamHostName, c.HostName)
	addBaseCriteria(qb, c.BaseCriteria)
	return qb.query()
}

// BuildIntervalQuery appends the interval param to query.
func BuildIntervalQuery(query string, interval time.Duration) string {
	qb := newQueryBuilder(query)
	qb.addParam(urlParamInterval, strconv.FormatInt(interval.Milliseconds(), 10))
	return qb.query()
}

// BuildPercentilesQuery appends the percentiles param to query.
func BuildPercentilesQuery(query string, points []float64) string {
	if len(points) == 0 {
		return query
	}
	vals := make([]string, 0, len(points))
	for _, p := range points {
		vals = append(vals, strconv.FormatFloat(p, 'f', -1, 64))
	}
	qb := newQueryBuilder(query)
	qb.addParam(urlParamPercentiles, strings.Join(vals, ","))
	return qb.query()
}

// BuildTimeRangeQuery encodes the window of the URI and property reports.
func BuildTimeRangeQuery(start, end int64, compress bool) string {
	qb := newQueryBuilder("")
	qb.addInt(urlParamStartTime, start)
	qb.addInt(urlParamEndTime, end)
	if compress {
		qb.addParam(urlParamCompress, "true")
	}
	return qb.query()
}

func addBaseCriteria(qb *queryBuilder, c model.BaseCriteria) {
	qb.addInt(urlParamStartTime, c.StartTime)
	qb.addInt(urlParamEndTime, c.EndTime)
	qb.addString(urlParamProperties, model.EncodeProperties(c.Properties))
	qb.addString(urlParamFaults, model.EncodeFaults(c.Faults))
}

func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return badRequest("invalid request body: %w", err)
	}
	return nil
}

func parseInt(r *http.Request, param string) (int64, error) {
	s, ok := extractQueryParam(r, param)
	if !ok {
		return 0, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, badRequest("invalid %s: %w", param, err)
	}
	return v, nil
}

func extractQueryParam(r *http.Request, param string) (string, bool) {
	value := r.URL.Query().Get(param)
	return value, value != ""
}
