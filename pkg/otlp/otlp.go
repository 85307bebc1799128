// Package otlp turns OTLP trace data into span events.
//
// Spans are grouped into one business transaction fragment per trace and
// service. A client or producer span is keyed "<traceID>-<spanID>" and a
// server or consumer span "<traceID>-<parentSpanID>", so both sides of a
// remote call share an interaction correlation id.
package otlp

import (
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/collector/pdata/ptrace"

	"github.com/grafana/btm/pkg/model"
)

const (
	attrServiceName     = "service.name"
	attrHostName        = "host.name"
	attrURLFull         = "url.full"
	attrHTTPURL         = "http.url"
	attrURLPath         = "url.path"
	attrHTTPTarget      = "http.target"
	attrHTTPRoute       = "http.route"
	attrHTTPMethod      = "http.request.method"
	attrHTTPMethodOld   = "http.method"
	attrMessagingSystem = "messaging.system"
	attrMessagingDest   = "messaging.destination.name"
	attrDBSystem        = "db.system"
	attrRequestHeader   = "http.request.header."
	attrResponseHeader  = "http.response.header."

	// AttrTransactionName names the business transaction of a span.
	AttrTransactionName = "btm.transaction"
	// AttrPropertyPrefix marks span attributes copied into node properties.
	AttrPropertyPrefix = "btm.property."

	ContentTypeJSON     = "application/json"
	ContentTypeProtobuf = "application/x-protobuf"

	// FaultError is the fault recorded for spans with an error status.
	FaultError = "Error"
)

var ErrUnsupportedContentType = errors.New("unsupported content type")

// Unmarshal decodes an OTLP export request body.
func Unmarshal(contentType string, body []byte) (ptrace.Traces, error) {
	mediaType, _, _ := strings.Cut(contentType, ";")
	switch strings.TrimSpace(mediaType) {
	case ContentTypeJSON, "":
		return (&ptrace.JSONUnmarshaler{}).UnmarshalTraces(body)
	case ContentTypeProtobuf:
		return (&ptrace.ProtoUnmarshaler{}).UnmarshalTraces(body)
	default:
		return ptrace.Traces{}, fmt.Errorf("%w: %s", ErrUnsupportedContentType, contentType)
	}
}

// SpanEvents translates every span of td. Spans without a trace or span id
// are skipped.
func SpanEvents(td ptrace.Traces) []*model.SpanEvent {
	var res []*model.SpanEvent

	rss := td.ResourceSpans()
	for i := 0; i < rss.Len(); i++ {
		rs := rss.At(i)
		res = resourceSpanEvents(res, rs)
	}
	return res
}

func resourceSpanEvents(res []*model.SpanEvent, rs ptrace.ResourceSpans) []*model.SpanEvent {
	resAttrs := rs.Resource().Attributes()
	service := stringAttr(resAttrs, attrServiceName)
	host := stringAttr(resAttrs, attrHostName)

	sss := rs.ScopeSpans()
	for j := 0; j < sss.Len(); j++ {
		spans := sss.At(j).Spans()
		for k := 0; k < spans.Len(); k++ {
			span := spans.At(k)
			if span.TraceID().IsEmpty() || span.SpanID().IsEmpty() {
				continue
			}
			res = append(res, spanEvent(span, service, host))
		}
	}
	return res
}

func spanEvent(span ptrace.Span, service, host string) *model.SpanEvent {
	traceID := span.TraceID().String()
	attrs := span.Attributes()

	ev := &model.SpanEvent{
		TransactionID:   transactionID(traceID, service),
		TransactionName: stringAttr(attrs, AttrTransactionName),
		SpanID:          span.SpanID().String(),
		Type:            nodeType(span.Kind()),
		ComponentType:   componentType(attrs),
		URI:             uri(span),
		Operation:       operation(span),
		HostName:        host,
		Start:           span.StartTimestamp().AsTime(),
		End:             span.EndTimestamp().AsTime(),
	}
	if !span.ParentSpanID().IsEmpty() {
		ev.ParentSpanID = span.ParentSpanID().String()
	}

	switch ev.Type {
	case model.Producer:
		ev.CorrelationIDs = []model.CorrelationIdentifier{{
			Scope: model.ScopeInteraction,
			Value: key(traceID, ev.SpanID),
		}}
	case model.Consumer:
		if ev.ParentSpanID != "" {
			ev.CorrelationIDs = []model.CorrelationIdentifier{{
				Scope: model.ScopeInteraction,
				Value: key(traceID, ev.ParentSpanID),
			}}
		}
	}

	if span.Status().Code() == ptrace.StatusCodeError {
		ev.Fault = FaultError
		ev.FaultDescription = span.Status().Message()
	}

	attrs.Range(func(k string, v pcommon.Value) bool {
		switch {
		case strings.HasPrefix(k, AttrPropertyPrefix):
			if ev.Properties == nil {
				ev.Properties = map[string]string{}
			}
			ev.Properties[strings.TrimPrefix(k, AttrPropertyPrefix)] = v.AsString()
		case strings.HasPrefix(k, attrRequestHeader):
			if ev.Request == nil {
				ev.Request = model.NewMessage()
			}
			ev.Request.Headers[strings.TrimPrefix(k, attrRequestHeader)] = headerValue(v)
		case strings.HasPrefix(k, attrResponseHeader):
			if ev.Response == nil {
				ev.Response = model.NewMessage()
			}
			ev.Response.Headers[strings.TrimPrefix(k, attrResponseHeader)] = headerValue(v)
		}
		return true
	})
	return ev
}

func transactionID(traceID, service string) string {
	if service == "" {
		return traceID
	}
	return traceID + ":" + service
}

func key(k1, k2 string) string {
	return fmt.Sprintf("%s-%s", k1, k2)
}

func nodeType(kind ptrace.SpanKind) model.NodeType {
	switch kind {
	case ptrace.SpanKindServer, ptrace.SpanKindConsumer:
		return model.Consumer
	case ptrace.SpanKindClient, ptrace.SpanKindProducer:
		return model.Producer
	default:
		return model.Component
	}
}

func componentType(attrs pcommon.Map) string {
	switch {
	case stringAttr(attrs, attrHTTPMethod) != "" || stringAttr(attrs, attrHTTPMethodOld) != "":
		return "HTTP"
	case stringAttr(attrs, attrMessagingSystem) != "":
		return stringAttr(attrs, attrMessagingSystem)
	case stringAttr(attrs, attrDBSystem) != "":
		return "Database"
	}
	return ""
}

// uri prefers the full URL, then the path attributes, then the messaging
// destination, falling back to the span name.
func uri(span ptrace.Span) string {
	attrs := span.Attributes()
	for _, k := range []string{attrURLFull, attrHTTPURL} {
		if u := stringAttr(attrs, k); u != "" {
			return pathOf(u)
		}
	}
	for _, k := range []string{attrURLPath, attrHTTPTarget, attrHTTPRoute, attrMessagingDest} {
		if u := stringAttr(attrs, k); u != "" {
			return u
		}
	}
	return span.Name()
}

// pathOf strips scheme and authority from an absolute URL.
func pathOf(u string) string {
	_, rest, ok := strings.Cut(u, "://")
	if !ok {
		return u
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return rest[i:]
	}
	return "/"
}

func operation(span ptrace.Span) string {
	attrs := span.Attributes()
	if m := stringAttr(attrs, attrHTTPMethod); m != "" {
		return m
	}
	if m := stringAttr(attrs, attrHTTPMethodOld); m != "" {
		return m
	}
	return span.Name()
}

func stringAttr(attrs pcommon.Map, k string) string {
	v, ok := attrs.Get(k)
	if !ok {
		return ""
	}
	return v.AsString()
}

// headerValue joins the values of a header recorded as a string slice.
func headerValue(v pcommon.Value) string {
	if v.Type() != pcommon.ValueTypeSlice {
		return v.AsString()
	}
	s := v.Slice()
	parts := make([]string, 0, s.Len())
	for i := 0; i < s.Len(); i++ {
		parts = append(parts, s.At(i).AsString())
	}
	return strings.Join(parts, ",")
}
