package model

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidSpanEvent = errors.New("invalid span event")

// DetailSpanID is the node detail holding the span id the node was reported with.
const DetailSpanID = "btm_span_id"

// SpanEvent is one node as reported by instrumentation. Events sharing a
// TransactionID are assembled into one business transaction; ParentSpanID
// links an event to the node it was called from.
type SpanEvent struct {
	TenantID        string `json:"tenantId,omitempty"`
	TransactionID   string `json:"transactionId"`
	TransactionName string `json:"transactionName,omitempty"`
	SpanID          string `json:"spanId"`
	ParentSpanID    string `json:"parentSpanId,omitempty"`

	Type          NodeType `json:"type"`
	ComponentType string   `json:"componentType,omitempty"`
	URI           string   `json:"uri,omitempty"`
	Operation     string   `json:"operation,omitempty"`
	HostName      string   `json:"hostName,omitempty"`

	Start time.Time `json:"start"`
	End   time.Time `json:"end"`

	Request  *Message `json:"request,omitempty"`
	Response *Message `json:"response,omitempty"`

	Fault            string                  `json:"fault,omitempty"`
	FaultDescription string                  `json:"faultDescription,omitempty"`
	Properties       map[string]string       `json:"properties,omitempty"`
	CorrelationIDs   []CorrelationIdentifier `json:"correlationIds,omitempty"`
}

// Direction is the phase a node of this type is entered in: producers are
// observed on the way out, everything else on the way in.
func (e *SpanEvent) Direction() Direction {
	if e.Type == Producer {
		return Out
	}
	return In
}

func (e *SpanEvent) Validate() error {
	if e.TransactionID == "" {
		return fmt.Errorf("%w: missing transaction id", ErrInvalidSpanEvent)
	}
	if e.SpanID == "" {
		return fmt.Errorf("%w: missing span id", ErrInvalidSpanEvent)
	}
	if !e.Type.Valid() {
		return fmt.Errorf("%w: unknown node type %q", ErrInvalidSpanEvent, e.Type)
	}
	for _, c := range e.CorrelationIDs {
		if !c.Scope.Valid() {
			return fmt.Errorf("%w: unknown correlation scope %q", ErrInvalidSpanEvent, c.Scope)
		}
	}
	return nil
}

// Size is an estimate of the memory held by the event, used for limits.
func (e *SpanEvent) Size() uint64 {
	sz := len(e.TransactionID) + len(e.SpanID) + len(e.ParentSpanID) + len(e.URI) +
		len(e.Operation) + len(e.ComponentType) + len(e.HostName) + len(e.Fault) + len(e.FaultDescription)
	for k, v := range e.Properties {
		sz += len(k) + len(v)
	}
	for _, m := range []*Message{e.Request, e.Response} {
		if m == nil {
			continue
		}
		for k, v := range m.Headers {
			sz += len(k) + len(v)
		}
		for k, c := range m.Content {
			sz += len(k) + len(c.Value) + len(c.Type)
		}
	}
	for _, c := range e.CorrelationIDs {
		sz += len(c.Value) + len(c.Scope)
	}
	return uint64(sz)
}

// Apply copies the event onto node n.
func (e *SpanEvent) Apply(n *Node) {
	n.ComponentType = e.ComponentType
	n.URI = e.URI
	n.Operation = e.Operation
	n.SetTimes(e.Start, e.End)
	n.Request = e.Request.clone()
	n.Response = e.Response.clone()
	if e.Fault != "" {
		n.SetFault(e.Fault)
	}
	n.FaultDescription = e.FaultDescription
	n.SetDetail(DetailSpanID, e.SpanID)
	for k, v := range e.Properties {
		n.SetProperty(k, v)
	}
	for _, c := range e.CorrelationIDs {
		n.AddCorrelationID(c)
	}
}

func (m *Message) clone() *Message {
	if m == nil {
		return nil
	}
	c := NewMessage()
	for k, v := range m.Headers {
		c.Headers[k] = v
	}
	for k, v := range m.Content {
		c.Content[k] = v
	}
	return c
}
