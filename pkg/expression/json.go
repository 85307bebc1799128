package expression

import (
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/grafana/btm/pkg/model"
)

// jsonPath extracts a value from JSON content using a gjson path,
// e.g. `order.items.#.id` or `customer.name`.
type jsonPath struct {
	cfg Config
}

func newJSON(cfg Config) (Expression, []model.Issue) {
	if cfg.Path == "" {
		return nil, []model.Issue{model.ErrorIssue("expression.path", "json expression requires a path")}
	}
	if cfg.source() == SourceHeader && cfg.Key == "" {
		return nil, []model.Issue{model.ErrorIssue("expression.key", "header expression requires a key")}
	}
	return &jsonPath{cfg: cfg}, nil
}

func (j *jsonPath) Kind() Kind { return JSON }

func (j *jsonPath) Evaluate(ctx Context) (string, error) {
	raw, err := ctx.lookup(j.cfg)
	if err != nil {
		return "", err
	}
	if !gjson.Valid(raw) {
		return "", fmt.Errorf("%w: content is not valid json", ErrExpressionEvaluation)
	}

	res := gjson.Get(raw, j.cfg.Path)
	if !res.Exists() {
		return "", fmt.Errorf("%w: path %q matched nothing", ErrExpressionEvaluation, j.cfg.Path)
	}
	return res.String(), nil
}
