package main

import (
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/grafana/btm/pkg/httpclient"
)

type queryOptions struct {
	APIEndpoint string `arg:"" help:"btm api endpoint"`
	OrgID       string `help:"optional orgID"`
}

func (o queryOptions) client() *httpclient.Client {
	return httpclient.NewWithCompression(o.APIEndpoint, o.OrgID)
}

type queryCountCmd struct {
	queryOptions
	criteriaOptions
}

func (cmd *queryCountCmd) Run(opts *globalOptions) error {
	c, err := cmd.completion(0, 0)
	if err != nil {
		return err
	}

	client := cmd.client()
	count, err := client.CompletionCount(c)
	if err != nil {
		return err
	}
	faults, err := client.CompletionFaultCount(c)
	if err != nil {
		return err
	}

	fmt.Fprintln(opts.out, "Transactions : ", humanize.Comma(count))
	fmt.Fprintln(opts.out, "Faults       : ", humanize.Comma(faults))
	return nil
}

type querySummaryCmd struct {
	queryOptions
	criteriaOptions
}

func (cmd *querySummaryCmd) Run(opts *globalOptions) error {
	c, err := cmd.completion(0, 0)
	if err != nil {
		return err
	}

	summary, err := cmd.client().CompletionSummary(c)
	if err != nil {
		return err
	}
	return printAsJSON(opts.out, summary)
}

type queryURIsCmd struct {
	queryOptions

	Start    int64 `help:"Window start in ms since epoch"`
	End      int64 `help:"Window end in ms since epoch"`
	Compress bool  `help:"Group parameterised URIs into templates"`
}

func (cmd *queryURIsCmd) Run(opts *globalOptions) error {
	uris, err := cmd.client().UnboundURIs(cmd.Start, cmd.End, cmd.Compress)
	if err != nil {
		return err
	}

	rows := make([][]string, 0, len(uris))
	for _, u := range uris {
		rows = append(rows, []string{u.URI, u.EndpointType, humanize.Comma(u.Count), u.Template})
	}
	return renderTable(opts.out, []any{"uri", "type", "count", "template"}, rows)
}

type queryIssuesCmd struct {
	queryOptions
}

func (cmd *queryIssuesCmd) Run(opts *globalOptions) error {
	issues, err := cmd.client().ConfigIssues()
	if err != nil {
		return err
	}

	rows := make([][]string, 0, len(issues))
	for _, i := range issues {
		rows = append(rows, []string{string(i.Severity), i.Transaction, i.Action, i.Field, i.Message})
	}
	return renderTable(opts.out, []any{"severity", "transaction", "action", "field", "message"}, rows)
}
