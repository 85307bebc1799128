package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnknownNode = errors.New("unknown node")
	ErrMissingID   = errors.New("business transaction has no id")
)

// BusinessTransaction is one logical end-to-end operation. Its nodes live in an
// arena indexed by NodeID; Nodes lists the roots in reporting order.
type BusinessTransaction struct {
	ID       string    `json:"id"`
	Name     string    `json:"name,omitempty"`
	TenantID string    `json:"tenantId,omitempty"`
	HostName string    `json:"hostName,omitempty"`
	Start    time.Time `json:"start"`

	Nodes []NodeID `json:"nodes"`
	Arena []*Node  `json:"arena"`
}

// NewBusinessTransaction creates an empty transaction with a generated id.
func NewBusinessTransaction(tenantID, name string) *BusinessTransaction {
	return &BusinessTransaction{
		ID:       uuid.NewString(),
		Name:     name,
		TenantID: tenantID,
	}
}

// NewNode appends a root node.
func (b *BusinessTransaction) NewNode(typ NodeType, direction Direction) NodeID {
	id := NodeID(len(b.Arena))
	b.Arena = append(b.Arena, newNode(id, NoParent, typ, direction))
	b.Nodes = append(b.Nodes, id)
	return id
}

// AddChild appends a child to parent, preserving order.
func (b *BusinessTransaction) AddChild(parent NodeID, typ NodeType, direction Direction) (NodeID, error) {
	p := b.Node(parent)
	if p == nil {
		return NoParent, fmt.Errorf("add child to %d: %w", parent, ErrUnknownNode)
	}
	id := NodeID(len(b.Arena))
	b.Arena = append(b.Arena, newNode(id, parent, typ, direction))
	p.Children = append(p.Children, id)
	return id, nil
}

// Node returns the node with the given id or nil.
func (b *BusinessTransaction) Node(id NodeID) *Node {
	if id < 0 || int(id) >= len(b.Arena) {
		return nil
	}
	return b.Arena[id]
}

// Root returns the first root node or nil.
func (b *BusinessTransaction) Root() *Node {
	if len(b.Nodes) == 0 {
		return nil
	}
	return b.Node(b.Nodes[0])
}

// Roots returns the root nodes in reporting order.
func (b *BusinessTransaction) Roots() []*Node {
	res := make([]*Node, 0, len(b.Nodes))
	for _, id := range b.Nodes {
		if n := b.Node(id); n != nil {
			res = append(res, n)
		}
	}
	return res
}

// Walk visits every node depth first, roots in order. Returning false stops the walk.
func (b *BusinessTransaction) Walk(fn func(n *Node) bool) {
	var visit func(id NodeID) bool
	visit = func(id NodeID) bool {
		n := b.Node(id)
		if n == nil {
			return true
		}
		if !fn(n) {
			return false
		}
		for _, c := range n.Children {
			if !visit(c) {
				return false
			}
		}
		return true
	}

	for _, r := range b.Nodes {
		if !visit(r) {
			return
		}
	}
}

// FindNodes returns all nodes of the given type in walk order.
func (b *BusinessTransaction) FindNodes(typ NodeType) []*Node {
	var res []*Node
	b.Walk(func(n *Node) bool {
		if n.Type == typ {
			res = append(res, n)
		}
		return true
	})
	return res
}

// Fault returns the first fault found in walk order.
func (b *BusinessTransaction) Fault() (string, bool) {
	var (
		fault string
		found bool
	)
	b.Walk(func(n *Node) bool {
		fault, found = n.Fault()
		return !found
	})
	return fault, found
}

// Properties merges the properties of all nodes; earlier nodes win.
func (b *BusinessTransaction) Properties() map[string]string {
	props := map[string]string{}
	b.Walk(func(n *Node) bool {
		for k, v := range n.Properties {
			if _, ok := props[k]; !ok {
				props[k] = v
			}
		}
		return true
	})
	return props
}

// Validate checks structural well-formedness only.
func (b *BusinessTransaction) Validate() error {
	if b.ID == "" {
		return ErrMissingID
	}
	for i, n := range b.Arena {
		if n == nil || n.ID != NodeID(i) {
			return fmt.Errorf("node %d: arena index mismatch", i)
		}
		if n.Parent != NoParent && b.Node(n.Parent) == nil {
			return fmt.Errorf("node %d parent %d: %w", i, n.Parent, ErrUnknownNode)
		}
		for _, c := range n.Children {
			child := b.Node(c)
			if child == nil || child.Parent != n.ID {
				return fmt.Errorf("node %d child %d: %w", i, c, ErrUnknownNode)
			}
		}
	}
	for _, r := range b.Nodes {
		n := b.Node(r)
		if n == nil || n.Parent != NoParent {
			return fmt.Errorf("root %d: %w", r, ErrUnknownNode)
		}
	}
	return nil
}
