package main

import (
	"context"

	"github.com/dustin/go-humanize"

	"github.com/grafana/btm/pkg/model"
)

type analyseNodesCmd struct {
	fileOptions
	criteriaOptions

	HostName string `help:"Only include nodes of this host"`
}

func (cmd *analyseNodesCmd) Run(opts *globalOptions) error {
	tf, err := loadTransactionFile(cmd.File)
	if err != nil {
		return err
	}

	base, err := cmd.base(tf.start, tf.end)
	if err != nil {
		return err
	}
	c := model.NodeCriteria{
		BaseCriteria:        base,
		BusinessTransaction: cmd.BusinessTransaction,
		HostName:            cmd.HostName,
	}

	stats, err := tf.engine.NodeSummaryStatistics(context.Background(), c)
	if err != nil {
		return err
	}

	rows := make([][]string, 0, len(stats))
	for _, s := range stats {
		rows = append(rows, []string{
			s.ComponentType,
			s.URI,
			s.Operation,
			humanize.Comma(s.Count),
			formatMillis(s.Elapsed),
			formatMillis(s.Actual),
		})
	}
	return renderTable(opts.out, []any{"component", "uri", "operation", "count", "elapsed", "actual"}, rows)
}
