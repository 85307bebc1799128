// Package expression extracts string values from the request and response
// content of a node. Expressions are compiled once from configuration and
// evaluated inline at instrumentation points, so evaluation never blocks and
// never mutates the node.
package expression

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/grafana/btm/pkg/model"
)

// ErrExpressionEvaluation is returned when an expression cannot produce a value
// for a node, e.g. the content part is absent or nothing matched.
var ErrExpressionEvaluation = errors.New("expression evaluation failed")

type Kind string

const (
	Literal  Kind = "literal"
	Text     Kind = "text"
	JSON     Kind = "json"
	XML      Kind = "xml"
	FreeForm Kind = "freeform"
)

type Source string

const (
	SourceContent Source = "content"
	SourceHeader  Source = "header"
)

// DefaultContentKey is the content part holding the whole request or response body.
const DefaultContentKey = "all"

// Config is the tagged configuration of an expression. Only the fields relevant
// to Type are read.
type Config struct {
	Type   Kind   `yaml:"type" json:"type"`
	Source Source `yaml:"source,omitempty" json:"source,omitempty"`
	Key    string `yaml:"key,omitempty" json:"key,omitempty"`
	Path   string `yaml:"path,omitempty" json:"path,omitempty"`
	Value  string `yaml:"value,omitempty" json:"value,omitempty"`
	Expr   string `yaml:"expr,omitempty" json:"expr,omitempty"`
}

func (c Config) source() Source {
	if c.Source == "" {
		return SourceContent
	}
	return c.Source
}

func (c Config) key() string {
	if c.Key == "" && c.source() == SourceContent {
		return DefaultContentKey
	}
	return c.Key
}

// Context is what an expression is evaluated against. Headers and Content
// supplied by the instrumentation point take precedence over the node's own
// message for the direction.
type Context struct {
	Node      *model.Node
	Direction model.Direction
	Headers   map[string]string
	Content   map[string]model.Content
}

// Message returns the message of the node that flows in the context's direction:
// inbound data is the request of a consumer and the response of a producer.
func (c Context) Message() *model.Message {
	if c.Node == nil {
		return nil
	}
	response := c.Direction == model.Out
	if c.Node.Type == model.Producer {
		response = !response
	}
	if response {
		return c.Node.Response
	}
	return c.Node.Request
}

func (c Context) header(name string) (string, bool) {
	if v, ok := c.Headers[name]; ok {
		return v, true
	}
	return c.Message().Header(name)
}

func (c Context) part(name string) (model.Content, bool) {
	if v, ok := c.Content[name]; ok {
		return v, true
	}
	return c.Message().Part(name)
}

// lookup resolves the raw value an extraction expression operates on.
func (c Context) lookup(cfg Config) (string, error) {
	key := cfg.key()
	switch cfg.source() {
	case SourceHeader:
		if v, ok := c.header(key); ok {
			return v, nil
		}
		return "", fmt.Errorf("%w: header %q not found", ErrExpressionEvaluation, key)
	default:
		if v, ok := c.part(key); ok {
			return v.Value, nil
		}
		return "", fmt.Errorf("%w: content part %q not found", ErrExpressionEvaluation, key)
	}
}

// Expression produces a string value from a node context.
type Expression interface {
	Kind() Kind
	Evaluate(ctx Context) (string, error)
}

// Factory compiles a configuration into an expression. A factory never panics
// on malformed configuration: it reports issues instead.
type Factory func(cfg Config) (Expression, []model.Issue)

var (
	registryMtx sync.RWMutex
	registry    = map[Kind]Factory{
		Literal:  newLiteral,
		Text:     newText,
		JSON:     newJSON,
		XML:      newXML,
		FreeForm: newFreeForm,
	}
)

// Register adds or replaces the factory for kind.
func Register(kind Kind, f Factory) {
	registryMtx.Lock()
	defer registryMtx.Unlock()

	registry[kind] = f
}

// Kinds returns the registered kinds in sorted order.
func Kinds() []Kind {
	registryMtx.RLock()
	defer registryMtx.RUnlock()

	kinds := make([]Kind, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// New compiles cfg. When any returned issue has error severity the expression is nil
// and must not be evaluated.
func New(cfg Config) (Expression, []model.Issue) {
	registryMtx.RLock()
	f, ok := registry[cfg.Type]
	registryMtx.RUnlock()

	if !ok {
		return nil, []model.Issue{model.ErrorIssue("expression.type", fmt.Sprintf("unknown expression type %q", cfg.Type))}
	}

	if cfg.Source != "" && cfg.Source != SourceContent && cfg.Source != SourceHeader {
		return nil, []model.Issue{model.ErrorIssue("expression.source", fmt.Sprintf("unknown source %q", cfg.Source))}
	}

	expr, issues := f(cfg)
	if model.HasErrors(issues) {
		return nil, issues
	}
	return expr, issues
}
