package model

import "fmt"

// Scope is the scope a correlation identifier is unique within.
type Scope string

const (
	ScopeGlobal      Scope = "Global"
	ScopeInteraction Scope = "Interaction"
	ScopeLocal       Scope = "Local"
	ScopeControlFlow Scope = "ControlFlow"
)

func (s Scope) Valid() bool {
	switch s {
	case ScopeGlobal, ScopeInteraction, ScopeLocal, ScopeControlFlow:
		return true
	}
	return false
}

// CorrelationIdentifier links a Producer span to the Consumer span it caused.
type CorrelationIdentifier struct {
	Scope Scope  `json:"scope"`
	Value string `json:"value"`
}

// Key is the matching table key for the identifier.
func (c CorrelationIdentifier) Key() string {
	return fmt.Sprintf("%s/%s", c.Scope, c.Value)
}
