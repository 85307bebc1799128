package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/go-kit/log"
	jsoniter "github.com/json-iterator/go"
	"github.com/olekukonko/tablewriter"

	"github.com/grafana/btm/modules/analytics"
	"github.com/grafana/btm/modules/storage"
	"github.com/grafana/btm/pkg/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type fileOptions struct {
	File string `arg:"" type:"existingfile" help:"JSON array of business transactions"`
}

type criteriaOptions struct {
	BusinessTransaction string `short:"b" help:"Business transaction name"`
	Start               int64  `help:"Window start in ms since epoch. Defaults to the earliest record in the file."`
	End                 int64  `help:"Window end in ms since epoch. Defaults to just after the latest record in the file."`
	Properties          string `help:"Comma separated name|value filters. A leading - excludes the pair."`
	Faults              string `help:"Comma separated faults. A leading - excludes the fault."`
}

func (o criteriaOptions) base(start, end int64) (model.BaseCriteria, error) {
	c := model.BaseCriteria{
		StartTime: start,
		EndTime:   end,
		Faults:    model.DecodeFaults(o.Faults),
	}
	if o.Start != 0 {
		c.StartTime = o.Start
	}
	if o.End != 0 {
		c.EndTime = o.End
	}

	props, err := model.DecodeProperties(o.Properties)
	if err != nil {
		return c, err
	}
	c.Properties = props
	return c, nil
}

func (o criteriaOptions) completion(start, end int64) (model.CompletionTimeCriteria, error) {
	base, err := o.base(start, end)
	return model.CompletionTimeCriteria{
		BaseCriteria:        base,
		BusinessTransaction: o.BusinessTransaction,
	}, err
}

// transactionFile is a transaction file loaded into a private store.
type transactionFile struct {
	btxns  []*model.BusinessTransaction
	engine *analytics.Engine

	// start and end bound every node of the file
	start, end int64
}

func loadTransactionFile(path string) (*transactionFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return readTransactions(f)
}

func readTransactions(r io.Reader) (*transactionFile, error) {
	var btxns []*model.BusinessTransaction
	if err := json.NewDecoder(r).Decode(&btxns); err != nil {
		return nil, fmt.Errorf("error decoding business transactions: %w", err)
	}

	store, err := storage.NewStore(storage.Config{}, log.NewNopLogger())
	if err != nil {
		return nil, err
	}

	tf := &transactionFile{btxns: btxns}
	for _, btxn := range btxns {
		if err := store.WriteBusinessTransaction(context.Background(), btxn); err != nil {
			return nil, err
		}
		btxn.Walk(func(n *model.Node) bool {
			ts := model.Millis(n.Start)
			if tf.start == 0 || ts < tf.start {
				tf.start = ts
			}
			if ts+1 > tf.end {
				tf.end = ts + 1
			}
			return true
		})
	}

	cfg := analytics.Config{}
	cfg.RegisterFlagsAndApplyDefaults("", flag.NewFlagSet("", flag.PanicOnError))
	tf.engine, err = analytics.New(cfg, store, log.NewNopLogger())
	if err != nil {
		return nil, err
	}
	return tf, nil
}

func printAsJSON(out io.Writer, value any) error {
	b, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(out, string(b))
	return err
}

func renderTable(out io.Writer, header []any, rows [][]string) error {
	w := tablewriter.NewWriter(out)
	w.Header(header...)
	if err := w.Bulk(rows); err != nil {
		return err
	}
	return w.Render()
}

func formatMillis(ms float64) string {
	return strconv.FormatFloat(ms, 'f', 2, 64) + "ms"
}
