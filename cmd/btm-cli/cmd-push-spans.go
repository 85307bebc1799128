package main

import (
	"fmt"
	"os"

	"github.com/grafana/btm/pkg/model"
)

type pushSpansCmd struct {
	queryOptions

	File string `arg:"" type:"existingfile" help:"JSON array of span events"`
}

func (cmd *pushSpansCmd) Run(opts *globalOptions) error {
	b, err := os.ReadFile(cmd.File)
	if err != nil {
		return err
	}

	var events []*model.SpanEvent
	if err := json.Unmarshal(b, &events); err != nil {
		return fmt.Errorf("error decoding span events: %w", err)
	}

	if err := cmd.client().PushSpans(events); err != nil {
		return err
	}
	fmt.Fprintf(opts.out, "pushed %d span events\n", len(events))
	return nil
}
