package action

import (
	"github.com/grafana/btm/pkg/expression"
	"github.com/grafana/btm/pkg/model"
)

type Type string

const (
	SetFault            Type = "set-fault"
	SetFaultDescription Type = "set-fault-description"
	SetProperty         Type = "set-property"
	SetDetail           Type = "set-detail"
	SetName             Type = "set-name"
	AddCorrelationID    Type = "add-correlation-id"
	AddContent          Type = "add-content"
	EvaluateURI         Type = "evaluate-uri"
)

// Config is the configuration of one action. Fields not used by Type are ignored.
type Config struct {
	Type        Type              `yaml:"type" json:"type"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	Name        string            `yaml:"name,omitempty" json:"name,omitempty"`
	Expression  expression.Config `yaml:"expression,omitempty" json:"expression,omitempty"`
	Predicate   string            `yaml:"predicate,omitempty" json:"predicate,omitempty"`
	Direction   model.Direction   `yaml:"direction,omitempty" json:"direction,omitempty"`
	Scope       model.Scope       `yaml:"scope,omitempty" json:"scope,omitempty"`
	Template    string            `yaml:"template,omitempty" json:"template,omitempty"`
	ContentType string            `yaml:"content_type,omitempty" json:"contentType,omitempty"`
}

func (c Config) label() string {
	if c.Description != "" {
		return c.Description
	}
	return string(c.Type)
}

// ProcessorConfig groups actions applied to nodes passing its filters.
type ProcessorConfig struct {
	Description     string          `yaml:"description,omitempty" json:"description,omitempty"`
	NodeType        model.NodeType  `yaml:"node_type,omitempty" json:"nodeType,omitempty"`
	Direction       model.Direction `yaml:"direction,omitempty" json:"direction,omitempty"`
	URIFilter       string          `yaml:"uri_filter,omitempty" json:"uriFilter,omitempty"`
	OperationFilter string          `yaml:"operation_filter,omitempty" json:"operationFilter,omitempty"`
	Actions         []Config        `yaml:"actions" json:"actions"`
}

// Filter selects business transactions by the URI of their first node.
type Filter struct {
	Inclusions []string `yaml:"inclusions,omitempty" json:"inclusions,omitempty"`
	Exclusions []string `yaml:"exclusions,omitempty" json:"exclusions,omitempty"`
}

// TransactionConfig is the configuration of one named business transaction.
type TransactionConfig struct {
	Name        string            `yaml:"name" json:"name"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	Filter      Filter            `yaml:"filter,omitempty" json:"filter,omitempty"`
	Processors  []ProcessorConfig `yaml:"processors,omitempty" json:"processors,omitempty"`
}
