// Package action applies configured rules to trace nodes at instrumentation
// points. Handlers validate their configuration up front and report Issues
// instead of failing; at runtime a handler that cannot apply simply returns false.
package action

import (
	"fmt"
	"sort"
	"sync"

	"github.com/grafana/btm/pkg/expression"
	"github.com/grafana/btm/pkg/model"
)

// Context carries per pass state. A nil Context is valid; handlers needing the
// transaction skip when it is absent.
type Context struct {
	Transaction *model.BusinessTransaction
	// FaultSetBy names the action that last set a fault during the pass.
	FaultSetBy string
}

func (c *Context) transaction() *model.BusinessTransaction {
	if c == nil {
		return nil
	}
	return c.Transaction
}

// Handler applies one action.
type Handler interface {
	// Init validates cfg and returns the issues found. A handler with an
	// error issue is still installed but never mutates a node.
	Init(cfg Config) []model.Issue
	// Process applies the action and reports whether node was mutated. Missing
	// optional inputs (headers, content) are tolerated.
	Process(ctx *Context, node *model.Node, direction model.Direction, headers map[string]string, content map[string]model.Content) bool
	// Issues returns the issues found since Init, nil when there are none.
	Issues() []model.Issue
	Config() Config
}

// Factory returns an uninitialised handler.
type Factory func() Handler

var (
	registryMtx sync.RWMutex
	registry    = map[Type]Factory{
		SetFault:            func() Handler { return &setFaultHandler{} },
		SetFaultDescription: func() Handler { return &setFaultDescriptionHandler{} },
		SetProperty:         func() Handler { return &setPropertyHandler{} },
		SetDetail:           func() Handler { return &setDetailHandler{} },
		SetName:             func() Handler { return &setNameHandler{} },
		AddCorrelationID:    func() Handler { return &addCorrelationIDHandler{} },
		AddContent:          func() Handler { return &addContentHandler{} },
		EvaluateURI:         func() Handler { return &evaluateURIHandler{} },
	}
)

// Register adds or replaces the factory for typ.
func Register(typ Type, f Factory) {
	registryMtx.Lock()
	defer registryMtx.Unlock()

	registry[typ] = f
}

// Types returns the registered action types in sorted order.
func Types() []Type {
	registryMtx.RLock()
	defer registryMtx.RUnlock()

	types := make([]Type, 0, len(registry))
	for t := range registry {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// NewHandler builds and initialises the handler for cfg. Unknown types yield a
// disabled handler carrying an error issue so the configuration stays inspectable.
func NewHandler(cfg Config) (Handler, []model.Issue) {
	registryMtx.RLock()
	f, ok := registry[cfg.Type]
	registryMtx.RUnlock()

	if !ok {
		h := &unknownHandler{}
		return h, h.Init(cfg)
	}

	h := f()
	return h, h.Init(cfg)
}

// base implements the common parts of the built in handlers.
type base struct {
	cfg       Config
	expr      expression.Expression
	predicate *expression.Predicate
	issues    []model.Issue
	disabled  bool
}

type initOpts struct {
	expression bool
	name       bool
}

func (b *base) init(cfg Config, opts initOpts) []model.Issue {
	b.cfg = cfg
	b.issues = nil
	b.expr = nil

	if cfg.Direction != "" && !cfg.Direction.Valid() {
		b.addIssue(model.ErrorIssue("direction", fmt.Sprintf("unknown direction %q", cfg.Direction)))
	}
	if opts.name && cfg.Name == "" {
		b.addIssue(model.ErrorIssue("name", "name must be set"))
	}
	if opts.expression {
		e, issues := expression.New(cfg.Expression)
		b.addIssues(issues...)
		b.expr = e
	}

	p, issues := expression.NewPredicate(cfg.Predicate)
	b.addIssues(issues...)
	b.predicate = p

	b.disabled = model.HasErrors(b.issues)
	if b.disabled {
		metricHandlersDisabled.WithLabelValues(string(cfg.Type)).Inc()
	}
	return b.Issues()
}

func (b *base) addIssue(i model.Issue) {
	i.Action = b.cfg.label()
	b.issues = append(b.issues, i)
	metricIssues.WithLabelValues(string(i.Severity)).Inc()
}

func (b *base) addIssues(issues ...model.Issue) {
	for _, i := range issues {
		b.addIssue(i)
	}
}

func (b *base) Issues() []model.Issue {
	if len(b.issues) == 0 {
		return nil
	}
	return b.issues
}

func (b *base) Config() Config {
	return b.cfg
}

// applies checks the phase restriction and predicate.
func (b *base) applies(node *model.Node, direction model.Direction, headers map[string]string, content map[string]model.Content) bool {
	if b.disabled || node == nil {
		return false
	}
	if b.cfg.Direction != "" && b.cfg.Direction != direction {
		return false
	}
	return b.predicate.Test(b.evalContext(node, direction, headers, content))
}

func (b *base) evalContext(node *model.Node, direction model.Direction, headers map[string]string, content map[string]model.Content) expression.Context {
	return expression.Context{Node: node, Direction: direction, Headers: headers, Content: content}
}

// evaluate returns the expression result; evaluation failures mean "did not apply".
func (b *base) evaluate(node *model.Node, direction model.Direction, headers map[string]string, content map[string]model.Content) (string, bool) {
	if b.expr == nil {
		return "", false
	}
	v, err := b.expr.Evaluate(b.evalContext(node, direction, headers, content))
	if err != nil {
		return "", false
	}
	return v, true
}

func (b *base) applied() bool {
	metricApplied.WithLabelValues(string(b.cfg.Type)).Inc()
	return true
}

type unknownHandler struct {
	base
}

func (h *unknownHandler) Init(cfg Config) []model.Issue {
	h.base.init(cfg, initOpts{})
	h.addIssue(model.ErrorIssue("type", fmt.Sprintf("unknown action type %q", cfg.Type)))
	h.disabled = true
	return h.Issues()
}

func (h *unknownHandler) Process(*Context, *model.Node, model.Direction, map[string]string, map[string]model.Content) bool {
	return false
}
