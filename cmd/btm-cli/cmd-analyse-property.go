package main

import (
	"context"

	"github.com/dustin/go-humanize"
)

type analysePropertyCmd struct {
	fileOptions
	criteriaOptions

	Property string `arg:"" help:"Property name"`
}

func (cmd *analysePropertyCmd) Run(opts *globalOptions) error {
	tf, err := loadTransactionFile(cmd.File)
	if err != nil {
		return err
	}

	c, err := cmd.completion(tf.start, tf.end)
	if err != nil {
		return err
	}

	card, err := tf.engine.CompletionPropertyDetails(context.Background(), c, cmd.Property)
	if err != nil {
		return err
	}

	rows := make([][]string, 0, len(card))
	for _, v := range card {
		rows = append(rows, []string{v.Value, humanize.Comma(v.Count)})
	}
	return renderTable(opts.out, []any{cmd.Property, "count"}, rows)
}
