package action

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"github.com/grafana/btm/pkg/model"
	"github.com/grafana/btm/pkg/regexp"
)

// ErrPipelineFailure wraps internal failures raised while running actions.
// Callers log it and carry on: a failing action never fails the traced operation.
var ErrPipelineFailure = errors.New("action pipeline failure")

// Processor is a group of actions applied to nodes that pass its filters.
type Processor struct {
	cfg             ProcessorConfig
	uriFilter       *regexp.Regexp
	operationFilter *regexp.Regexp
	handlers        []Handler
}

// NewProcessor builds the handlers of cfg. Invalid filters make the processor
// match nothing; invalid actions are kept but never execute.
func NewProcessor(cfg ProcessorConfig) (*Processor, []model.Issue) {
	p := &Processor{cfg: cfg}
	var issues []model.Issue

	if cfg.NodeType != "" && !cfg.NodeType.Valid() {
		issues = append(issues, model.ErrorIssue("node_type", fmt.Sprintf("unknown node type %q", cfg.NodeType)))
	}
	if cfg.Direction != "" && !cfg.Direction.Valid() {
		issues = append(issues, model.ErrorIssue("direction", fmt.Sprintf("unknown direction %q", cfg.Direction)))
	}

	var err error
	if cfg.URIFilter != "" {
		if p.uriFilter, err = regexp.NewRegexp([]string{cfg.URIFilter}, true); err != nil {
			issues = append(issues, model.ErrorIssue("uri_filter", err.Error()))
		}
	}
	if cfg.OperationFilter != "" {
		if p.operationFilter, err = regexp.NewRegexp([]string{cfg.OperationFilter}, true); err != nil {
			issues = append(issues, model.ErrorIssue("operation_filter", err.Error()))
		}
	}
	if len(cfg.Actions) == 0 {
		issues = append(issues, model.WarningIssue("actions", "processor has no actions"))
	}

	disabled := model.HasErrors(issues)
	for _, a := range cfg.Actions {
		h, hIssues := NewHandler(a)
		issues = append(issues, hIssues...)
		if !disabled {
			p.handlers = append(p.handlers, h)
		}
	}
	return p, issues
}

// Matches reports whether node at direction passes the processor filters.
func (p *Processor) Matches(node *model.Node, direction model.Direction) bool {
	if node == nil {
		return false
	}
	if p.cfg.NodeType != "" && p.cfg.NodeType != node.Type {
		return false
	}
	if p.cfg.Direction != "" && p.cfg.Direction != direction {
		return false
	}
	if p.uriFilter != nil && !p.uriFilter.MatchString(node.URI) {
		return false
	}
	if p.operationFilter != nil && !p.operationFilter.MatchString(node.Operation) {
		return false
	}
	return true
}

// Process runs every action in order. A false result from one action never
// stops the following ones.
func (p *Processor) Process(ctx *Context, node *model.Node, direction model.Direction, headers map[string]string, content map[string]model.Content) (bool, error) {
	if !p.Matches(node, direction) {
		return false, nil
	}

	var (
		mutated bool
		errs    error
	)
	for _, h := range p.handlers {
		ok, err := safeProcess(h, ctx, node, direction, headers, content)
		errs = multierr.Append(errs, err)
		mutated = mutated || ok
	}
	return mutated, errs
}

func (p *Processor) Handlers() []Handler {
	return p.handlers
}

func safeProcess(h Handler, ctx *Context, node *model.Node, direction model.Direction, headers map[string]string, content map[string]model.Content) (mutated bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			mutated = false
			err = fmt.Errorf("%w: action %q on %s: %v", ErrPipelineFailure, h.Config().label(), node, r)
		}
	}()
	return h.Process(ctx, node, direction, headers, content), nil
}

// Pipeline is the ordered list of processors of one business transaction.
type Pipeline struct {
	name       string
	processors []*Processor
}

func NewPipeline(name string, cfgs []ProcessorConfig) (*Pipeline, []model.Issue) {
	p := &Pipeline{name: name}
	var issues []model.Issue
	for _, cfg := range cfgs {
		proc, procIssues := NewProcessor(cfg)
		p.processors = append(p.processors, proc)
		issues = append(issues, procIssues...)
	}
	return p, issues
}

func (p *Pipeline) Name() string {
	return p.name
}

// Process runs all processors against one node at one instrumentation point.
func (p *Pipeline) Process(ctx *Context, node *model.Node, direction model.Direction, headers map[string]string, content map[string]model.Content) (bool, error) {
	var (
		mutated bool
		errs    error
	)
	for _, proc := range p.processors {
		ok, err := proc.Process(ctx, node, direction, headers, content)
		errs = multierr.Append(errs, err)
		mutated = mutated || ok
	}
	if errs != nil {
		metricPipelineFailures.WithLabelValues(p.name).Inc()
	}
	return mutated, errs
}

// ProcessTransaction applies the pipeline to every node of btxn, first at the
// inbound then at the outbound instrumentation point. It returns the number of
// nodes mutated.
func (p *Pipeline) ProcessTransaction(btxn *model.BusinessTransaction) (int, error) {
	ctx := &Context{Transaction: btxn}

	var (
		count int
		errs  error
	)
	btxn.Walk(func(n *model.Node) bool {
		in, err := p.Process(ctx, n, model.In, nil, nil)
		errs = multierr.Append(errs, err)
		out, err := p.Process(ctx, n, model.Out, nil, nil)
		errs = multierr.Append(errs, err)
		if in || out {
			count++
		}
		return true
	})
	return count, errs
}
