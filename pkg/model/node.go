package model

import (
	"fmt"
	"time"
)

// NodeType is the variant of a node.
type NodeType string

const (
	Consumer  NodeType = "Consumer"
	Producer  NodeType = "Producer"
	Component NodeType = "Component"
)

func (t NodeType) Valid() bool {
	switch t {
	case Consumer, Producer, Component:
		return true
	}
	return false
}

// Direction is the processing phase a node is observed in.
type Direction string

const (
	In  Direction = "In"
	Out Direction = "Out"
)

func (d Direction) Valid() bool {
	return d == In || d == Out
}

// NodeID indexes a node within its business transaction's arena.
type NodeID int

// NoParent is the parent of root nodes.
const NoParent NodeID = -1

// Content is a named part of a request or response.
type Content struct {
	Value string `json:"value"`
	Type  string `json:"type,omitempty"`
}

// Message is the request or response side of a node.
type Message struct {
	Headers map[string]string  `json:"headers,omitempty"`
	Content map[string]Content `json:"content,omitempty"`
}

func NewMessage() *Message {
	return &Message{
		Headers: map[string]string{},
		Content: map[string]Content{},
	}
}

// Part returns the named content part.
func (m *Message) Part(name string) (Content, bool) {
	if m == nil {
		return Content{}, false
	}
	c, ok := m.Content[name]
	return c, ok
}

// Header returns the named header.
func (m *Message) Header(name string) (string, bool) {
	if m == nil {
		return "", false
	}
	h, ok := m.Headers[name]
	return h, ok
}

// Node is one reported execution fragment.
type Node struct {
	ID            NodeID    `json:"id"`
	Parent        NodeID    `json:"parent"`
	Type          NodeType  `json:"type"`
	ComponentType string    `json:"componentType,omitempty"`
	URI           string    `json:"uri,omitempty"`
	Operation     string    `json:"operation,omitempty"`
	Direction     Direction `json:"direction"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`

	Request  *Message `json:"request,omitempty"`
	Response *Message `json:"response,omitempty"`

	FaultValue       *string           `json:"fault,omitempty"`
	FaultDescription string            `json:"faultDescription,omitempty"`
	Properties       map[string]string `json:"properties,omitempty"`
	Details          map[string]string `json:"details,omitempty"`

	CorrelationIDs []CorrelationIdentifier `json:"correlationIds,omitempty"`
	Children       []NodeID                `json:"children,omitempty"`
}

func newNode(id, parent NodeID, typ NodeType, direction Direction) *Node {
	return &Node{
		ID:         id,
		Parent:     parent,
		Type:       typ,
		Direction:  direction,
		Properties: map[string]string{},
		Details:    map[string]string{},
	}
}

// SetTimes sets the start and end time. End is clamped to start.
func (n *Node) SetTimes(start, end time.Time) {
	if end.Before(start) {
		end = start
	}
	n.Start = start
	n.End = end
}

// Duration is the elapsed time of the node.
func (n *Node) Duration() time.Duration {
	return n.End.Sub(n.Start)
}

func (n *Node) message(response bool) *Message {
	if response {
		if n.Response == nil {
			n.Response = NewMessage()
		}
		return n.Response
	}
	if n.Request == nil {
		n.Request = NewMessage()
	}
	return n.Request
}

// SetRequestContent attaches or replaces a named request content part.
func (n *Node) SetRequestContent(part, value, typ string) {
	n.message(false).Content[part] = Content{Value: value, Type: typ}
}

// SetResponseContent attaches or replaces a named response content part.
func (n *Node) SetResponseContent(part, value, typ string) {
	n.message(true).Content[part] = Content{Value: value, Type: typ}
}

func (n *Node) SetRequestHeader(name, value string) {
	n.message(false).Headers[name] = value
}

func (n *Node) SetResponseHeader(name, value string) {
	n.message(true).Headers[name] = value
}

// Fault returns the fault and whether one has been set.
func (n *Node) Fault() (string, bool) {
	if n.FaultValue == nil {
		return "", false
	}
	return *n.FaultValue, true
}

func (n *Node) SetFault(v string) {
	n.FaultValue = &v
}

func (n *Node) ClearFault() {
	n.FaultValue = nil
}

func (n *Node) SetProperty(name, value string) {
	if n.Properties == nil {
		n.Properties = map[string]string{}
	}
	n.Properties[name] = value
}

func (n *Node) Property(name string) (string, bool) {
	v, ok := n.Properties[name]
	return v, ok
}

func (n *Node) SetDetail(name, value string) {
	if n.Details == nil {
		n.Details = map[string]string{}
	}
	n.Details[name] = value
}

// AddCorrelationID appends id unless the node already carries it.
func (n *Node) AddCorrelationID(id CorrelationIdentifier) bool {
	for _, c := range n.CorrelationIDs {
		if c == id {
			return false
		}
	}
	n.CorrelationIDs = append(n.CorrelationIDs, id)
	return true
}

func (n *Node) String() string {
	return fmt.Sprintf("%s[%d %s %s]", n.Type, n.ID, n.Direction, n.URI)
}
