package expression

import "github.com/grafana/btm/pkg/model"

type literal struct {
	value string
}

func newLiteral(cfg Config) (Expression, []model.Issue) {
	var issues []model.Issue
	if cfg.Value == "" {
		issues = append(issues, model.WarningIssue("expression.value", "literal expression has an empty value"))
	}
	return &literal{value: cfg.Value}, issues
}

func (l *literal) Kind() Kind { return Literal }

func (l *literal) Evaluate(Context) (string, error) {
	return l.value, nil
}
