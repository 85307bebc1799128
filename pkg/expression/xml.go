package expression

import (
	"fmt"
	"strings"

	"github.com/antchfx/xmlquery"
	"github.com/antchfx/xpath"

	"github.com/grafana/btm/pkg/model"
)

// xmlPath extracts the inner text of the first node matched by an XPath.
type xmlPath struct {
	cfg  Config
	expr *xpath.Expr
}

func newXML(cfg Config) (Expression, []model.Issue) {
	if cfg.Path == "" {
		return nil, []model.Issue{model.ErrorIssue("expression.path", "xml expression requires a path")}
	}

	compiled, err := xpath.Compile(cfg.Path)
	if err != nil {
		return nil, []model.Issue{model.ErrorIssue("expression.path", fmt.Sprintf("invalid xpath %q: %v", cfg.Path, err))}
	}
	return &xmlPath{cfg: cfg, expr: compiled}, nil
}

func (x *xmlPath) Kind() Kind { return XML }

func (x *xmlPath) Evaluate(ctx Context) (string, error) {
	raw, err := ctx.lookup(x.cfg)
	if err != nil {
		return "", err
	}

	doc, err := xmlquery.Parse(strings.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrExpressionEvaluation, err)
	}

	n := xmlquery.QuerySelector(doc, x.expr)
	if n == nil {
		return "", fmt.Errorf("%w: xpath %q matched nothing", ErrExpressionEvaluation, x.cfg.Path)
	}
	return n.InnerText(), nil
}
