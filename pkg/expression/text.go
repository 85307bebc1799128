package expression

import "github.com/grafana/btm/pkg/model"

// text returns a content part or header unchanged.
type text struct {
	cfg Config
}

func newText(cfg Config) (Expression, []model.Issue) {
	if cfg.source() == SourceHeader && cfg.Key == "" {
		return nil, []model.Issue{model.ErrorIssue("expression.key", "header expression requires a key")}
	}
	return &text{cfg: cfg}, nil
}

func (t *text) Kind() Kind { return Text }

func (t *text) Evaluate(ctx Context) (string, error) {
	return ctx.lookup(t.cfg)
}
