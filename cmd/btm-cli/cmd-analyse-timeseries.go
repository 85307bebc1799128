package main

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
)

type analyseTimeseriesCmd struct {
	fileOptions
	criteriaOptions

	Interval time.Duration `default:"1m" help:"Bucket width"`
	JSON     bool          `help:"Print the buckets as JSON"`
}

func (cmd *analyseTimeseriesCmd) Run(opts *globalOptions) error {
	tf, err := loadTransactionFile(cmd.File)
	if err != nil {
		return err
	}

	c, err := cmd.completion(tf.start, tf.end)
	if err != nil {
		return err
	}

	stats, err := tf.engine.CompletionTimeseriesStatistics(context.Background(), c, cmd.Interval.Milliseconds())
	if err != nil {
		return err
	}
	if cmd.JSON {
		return printAsJSON(opts.out, stats)
	}

	rows := make([][]string, 0, len(stats))
	for _, s := range stats {
		rows = append(rows, []string{
			time.UnixMilli(s.Timestamp).UTC().Format(time.RFC3339),
			humanize.Comma(s.Count),
			humanize.Comma(s.FaultCount),
			formatMillis(s.Average),
			humanize.Comma(s.Min) + "ms",
			humanize.Comma(s.Max) + "ms",
		})
	}
	return renderTable(opts.out, []any{"bucket", "count", "faults", "avg", "min", "max"}, rows)
}
