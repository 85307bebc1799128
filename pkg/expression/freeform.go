package expression

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/grafana/btm/pkg/model"
)

// Env is the environment free form expressions and predicates are evaluated in.
type Env struct {
	Headers    map[string]string `expr:"headers"`
	Content    map[string]string `expr:"content"`
	Properties map[string]string `expr:"properties"`
	URI        string            `expr:"uri"`
	Operation  string            `expr:"operation"`
	Type       string            `expr:"type"`
	Direction  string            `expr:"direction"`
}

// NewEnv builds the environment for ctx. Supplied headers and content shadow the node's message.
func NewEnv(ctx Context) Env {
	env := Env{
		Headers:    map[string]string{},
		Content:    map[string]string{},
		Properties: map[string]string{},
		Direction:  string(ctx.Direction),
	}

	if msg := ctx.Message(); msg != nil {
		for k, v := range msg.Headers {
			env.Headers[k] = v
		}
		for k, v := range msg.Content {
			env.Content[k] = v.Value
		}
	}
	for k, v := range ctx.Headers {
		env.Headers[k] = v
	}
	for k, v := range ctx.Content {
		env.Content[k] = v.Value
	}

	if n := ctx.Node; n != nil {
		env.URI = n.URI
		env.Operation = n.Operation
		env.Type = string(n.Type)
		for k, v := range n.Properties {
			env.Properties[k] = v
		}
	}
	return env
}

type freeForm struct {
	src     string
	program *vm.Program
}

func newFreeForm(cfg Config) (Expression, []model.Issue) {
	if cfg.Expr == "" {
		return nil, []model.Issue{model.ErrorIssue("expression.expr", "freeform expression requires an expr")}
	}

	program, err := expr.Compile(cfg.Expr, expr.Env(Env{}))
	if err != nil {
		return nil, []model.Issue{model.ErrorIssue("expression.expr", fmt.Sprintf("failed to compile expression %q: %v", cfg.Expr, err))}
	}
	return &freeForm{src: cfg.Expr, program: program}, nil
}

func (f *freeForm) Kind() Kind { return FreeForm }

func (f *freeForm) Evaluate(ctx Context) (string, error) {
	out, err := vm.Run(f.program, NewEnv(ctx))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrExpressionEvaluation, err)
	}

	switch v := out.(type) {
	case nil:
		return "", fmt.Errorf("%w: expression %q produced no value", ErrExpressionEvaluation, f.src)
	case string:
		if v == "" {
			return "", fmt.Errorf("%w: expression %q produced an empty value", ErrExpressionEvaluation, f.src)
		}
		return v, nil
	default:
		return fmt.Sprint(v), nil
	}
}

// Predicate is a compiled boolean guard.
type Predicate struct {
	src     string
	program *vm.Program
}

// NewPredicate compiles src. An empty source yields a nil predicate that always matches.
func NewPredicate(src string) (*Predicate, []model.Issue) {
	if src == "" {
		return nil, nil
	}

	program, err := expr.Compile(src, expr.Env(Env{}), expr.AsBool())
	if err != nil {
		return nil, []model.Issue{model.ErrorIssue("predicate", fmt.Sprintf("failed to compile predicate %q: %v", src, err))}
	}
	return &Predicate{src: src, program: program}, nil
}

// Test evaluates the predicate. Evaluation errors count as a non-match.
func (p *Predicate) Test(ctx Context) bool {
	if p == nil {
		return true
	}

	out, err := vm.Run(p.program, NewEnv(ctx))
	if err != nil {
		return false
	}
	matched, _ := out.(bool)
	return matched
}

func (p *Predicate) String() string {
	if p == nil {
		return ""
	}
	return p.src
}
