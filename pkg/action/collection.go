package action

import (
	"fmt"

	"go.uber.org/multierr"

	"github.com/grafana/btm/pkg/model"
	"github.com/grafana/btm/pkg/regexp"
)

type transaction struct {
	cfg        TransactionConfig
	inclusions *regexp.Regexp
	exclusions *regexp.Regexp
	pipeline   *Pipeline
	issues     []model.Issue
}

// Collection holds the configured business transactions in declaration order.
type Collection struct {
	transactions []*transaction
	byName       map[string]*transaction
	issues       []model.Issue
}

// NewCollection builds every transaction's pipeline. Issues are tagged with
// the transaction they belong to.
func NewCollection(cfgs []TransactionConfig) (*Collection, []model.Issue) {
	c := &Collection{byName: map[string]*transaction{}}
	var all []model.Issue

	for _, cfg := range cfgs {
		t := &transaction{cfg: cfg}

		if cfg.Name != "" {
			if _, ok := c.byName[cfg.Name]; ok {
				t.issues = append(t.issues, model.ErrorIssue("name", fmt.Sprintf("duplicate business transaction %q", cfg.Name)))
			}
		}

		var err error
		if t.inclusions, err = regexp.NewRegexp(cfg.Filter.Inclusions, true); err != nil {
			t.issues = append(t.issues, model.ErrorIssue("filter.inclusions", err.Error()))
			t.inclusions = nil
		}
		if t.exclusions, err = regexp.NewRegexp(cfg.Filter.Exclusions, true); err != nil {
			t.issues = append(t.issues, model.ErrorIssue("filter.exclusions", err.Error()))
			t.exclusions = nil
		}

		var pIssues []model.Issue
		t.pipeline, pIssues = NewPipeline(cfg.Name, cfg.Processors)
		t.issues = append(t.issues, pIssues...)

		for i := range t.issues {
			t.issues[i].Transaction = cfg.Name
		}
		all = append(all, t.issues...)

		if model.HasErrors(t.issues) && (t.inclusions == nil || t.exclusions == nil) {
			continue
		}
		c.transactions = append(c.transactions, t)
		if _, ok := c.byName[cfg.Name]; cfg.Name != "" && !ok {
			c.byName[cfg.Name] = t
		}
	}
	c.issues = all
	return c, all
}

func (t *transaction) matches(uri string) bool {
	if t.inclusions == nil || t.inclusions.Len() == 0 || !t.inclusions.MatchString(uri) {
		return false
	}
	return !t.exclusions.MatchString(uri)
}

// MatchTransaction returns the name of the first named transaction whose
// filter accepts uri.
func (c *Collection) MatchTransaction(uri string) (string, bool) {
	for _, t := range c.transactions {
		if t.cfg.Name != "" && t.matches(uri) {
			return t.cfg.Name, true
		}
	}
	return "", false
}

// Names returns the configured transaction names in declaration order.
func (c *Collection) Names() []string {
	var names []string
	for _, t := range c.transactions {
		if t.cfg.Name != "" {
			names = append(names, t.cfg.Name)
		}
	}
	return names
}

// Config returns the configuration of the named transaction.
func (c *Collection) Config(name string) (TransactionConfig, bool) {
	t, ok := c.byName[name]
	if !ok {
		return TransactionConfig{}, false
	}
	return t.cfg, true
}

// Issues returns the issues of all transactions, nil when there are none.
func (c *Collection) Issues() []model.Issue {
	if len(c.issues) == 0 {
		return nil
	}
	return c.issues
}

// Process names btxn when needed and runs the matching pipeline. Unnamed
// transaction configs apply to every transaction their filter accepts, so
// their set-name actions can name transactions no named config claims. It
// returns the number of mutated nodes.
func (c *Collection) Process(btxn *model.BusinessTransaction) (int, error) {
	if btxn == nil {
		return 0, nil
	}

	uri := ""
	if root := btxn.Root(); root != nil {
		uri = root.URI
	}

	if btxn.Name == "" {
		if name, ok := c.MatchTransaction(uri); ok {
			btxn.Name = name
		}
	}

	var (
		count int
		errs  error
	)
	for _, t := range c.transactions {
		if t.cfg.Name != "" || !t.matches(uri) {
			continue
		}
		n, err := t.pipeline.ProcessTransaction(btxn)
		count += n
		errs = multierr.Append(errs, err)
	}

	if t, ok := c.byName[btxn.Name]; ok {
		n, err := t.pipeline.ProcessTransaction(btxn)
		count += n
		errs = multierr.Append(errs, err)
	}
	return count, errs
}
