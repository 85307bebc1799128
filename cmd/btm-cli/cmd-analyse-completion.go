package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
)

type analyseCompletionCmd struct {
	fileOptions
	criteriaOptions

	Percentiles []float64 `help:"Percentile points to report. Defaults to 50,90,95,99,99.9."`
}

func (cmd *analyseCompletionCmd) Run(opts *globalOptions) error {
	tf, err := loadTransactionFile(cmd.File)
	if err != nil {
		return err
	}

	c, err := cmd.completion(tf.start, tf.end)
	if err != nil {
		return err
	}

	ctx := context.Background()
	count, err := tf.engine.CompletionCount(ctx, c)
	if err != nil {
		return err
	}
	faults, err := tf.engine.CompletionFaultCount(ctx, c)
	if err != nil {
		return err
	}
	pcts, err := tf.engine.CompletionPercentiles(ctx, c, cmd.Percentiles)
	if err != nil {
		return err
	}
	details, err := tf.engine.CompletionFaultDetails(ctx, c)
	if err != nil {
		return err
	}

	fmt.Fprintln(opts.out, "Transactions : ", humanize.Comma(count))
	fmt.Fprintln(opts.out, "Faults       : ", humanize.Comma(faults))
	fmt.Fprintln(opts.out)

	rows := make([][]string, 0, len(pcts.Values))
	for _, p := range pcts.Values {
		rows = append(rows, []string{
			strconv.FormatFloat(p.Percentile, 'f', -1, 64),
			humanize.Comma(p.Value) + "ms",
		})
	}
	if err := renderTable(opts.out, []any{"percentile", "duration"}, rows); err != nil {
		return err
	}

	if len(details) == 0 {
		return nil
	}
	fmt.Fprintln(opts.out)
	rows = rows[:0]
	for _, d := range details {
		rows = append(rows, []string{d.Value, humanize.Comma(d.Count)})
	}
	return renderTable(opts.out, []any{"fault", "count"}, rows)
}
