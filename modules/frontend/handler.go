package frontend

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/user"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/grafana/btm/modules/analytics"
	"github.com/grafana/btm/modules/ingester"
	"github.com/grafana/btm/pkg/api"
	"github.com/grafana/btm/pkg/model"
	"github.com/grafana/btm/pkg/otlp"
)

// StatusClientClosedRequest is the status code for when a client request cancellation of an http request
const StatusClientClosedRequest = 499

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	metricRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "btm",
		Name:      "frontend_requests_total",
		Help:      "Total requests received per tenant.",
	}, []string{"tenant", "op", "status"})
	metricRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "btm",
		Name:      "frontend_request_duration_seconds",
		Help:      "Time spent serving frontend requests.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})
)

// errorResponse is the body of every failed request.
type errorResponse struct {
	ErrorMsg string `json:"errorMsg"`
}

// handlerFunc serves one endpoint. The returned value is written as JSON;
// a nil value with a nil error writes an empty 200.
type handlerFunc func(ctx context.Context, tenant string, r *http.Request) (any, error)

// handler wraps every frontend endpoint and should only contain
// functionality that is common to all of them.
type handler struct {
	op      string
	fn      handlerFunc
	cfg     Config
	timeout bool
	logger  log.Logger
}

func (f *Frontend) newHandler(op string, timeout bool, fn handlerFunc) http.Handler {
	return &handler{
		op:      op,
		fn:      fn,
		cfg:     f.cfg,
		timeout: timeout,
		logger:  f.logger,
	}
}

// ServeHTTP implements http.Handler
func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		_ = r.Body.Close()
	}()

	start := time.Now()
	ctx := r.Context()
	tenant, err := user.ExtractOrgID(ctx)
	if err != nil {
		h.finish(w, r, tenant, start, http.StatusUnauthorized, nil, err)
		return
	}

	// add orgid to existing spans
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("orgID", tenant))

	if h.timeout && h.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.QueryTimeout)
		defer cancel()
	}
	if h.cfg.MaxRequestBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxRequestBytes)
	}

	res, err := h.fn(ctx, tenant, r.WithContext(ctx))
	if err != nil {
		h.finish(w, r, tenant, start, statusCode(err), nil, err)
		return
	}
	h.finish(w, r, tenant, start, http.StatusOK, res, nil)
}

func (h *handler) finish(w http.ResponseWriter, r *http.Request, tenant string, start time.Time, status int, res any, err error) {
	var body []byte
	if err != nil {
		msg := err.Error()
		if status >= http.StatusInternalServerError {
			msg = "Internal Error: " + msg
		}
		body, _ = json.Marshal(errorResponse{ErrorMsg: msg})
	} else if res != nil {
		var merr error
		body, merr = json.Marshal(res)
		if merr != nil {
			status, err = http.StatusInternalServerError, merr
			body, _ = json.Marshal(errorResponse{ErrorMsg: "Internal Error: " + merr.Error()})
		}
	}

	if body != nil {
		w.Header().Set(api.HeaderContentType, api.HeaderAcceptJSON)
	}
	w.WriteHeader(status)
	if body != nil {
		_, _ = w.Write(body)
	}

	elapsed := time.Since(start)
	metricRequests.WithLabelValues(tenant, h.op, http.StatusText(status)).Inc()
	metricRequestDuration.WithLabelValues(h.op).Observe(elapsed.Seconds())

	keyvals := []any{
		"tenant", tenant,
		"method", r.Method,
		"traceID", traceID(r.Context()),
		"url", r.URL.RequestURI(),
		"duration", elapsed.String(),
		"response_size", len(body),
		"status", status,
	}
	if err != nil {
		keyvals = append(keyvals, "err", err.Error())
	}

	switch {
	case status >= http.StatusInternalServerError:
		level.Error(h.logger).Log(keyvals...)
	case h.cfg.LogQueriesLongerThan > 0 && elapsed > h.cfg.LogQueriesLongerThan:
		level.Info(h.logger).Log(append([]any{"msg", "slow query"}, keyvals...)...)
	default:
		level.Debug(h.logger).Log(keyvals...)
	}
}

// statusCode maps an error to the status written to the client.
func statusCode(err error) int {
	var (
		badRequest api.BadRequestError
		maxBytes   *http.MaxBytesError
	)
	switch {
	case errors.As(err, &badRequest),
		errors.Is(err, analytics.ErrInvalidPercentile),
		errors.Is(err, analytics.ErrInvalidInterval),
		errors.Is(err, analytics.ErrTooManyBuckets),
		errors.Is(err, model.ErrInvalidSpanEvent),
		errors.Is(err, otlp.ErrUnsupportedContentType):
		return http.StatusBadRequest
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ingester.ErrTooManyTransactions),
		errors.Is(err, ingester.ErrTransactionTooLarge):
		return http.StatusTooManyRequests
	case errors.Is(err, ingester.ErrReadOnly):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled):
		return StatusClientClosedRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func traceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
