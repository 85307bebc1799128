package main

import (
	"io"
	"os"
	"strconv"

	"github.com/alecthomas/kong"

	"github.com/grafana/btm/pkg/uripattern"
)

type globalOptions struct {
	out io.Writer `kong:"-"`
}

var cli struct {
	globalOptions

	Analyse struct {
		Completion analyseCompletionCmd `cmd:"" help:"Completion count, faults and percentiles of a transaction file"`
		Timeseries analyseTimeseriesCmd `cmd:"" help:"Completion time series of a transaction file"`
		Property   analysePropertyCmd   `cmd:"" help:"Value cardinality of a property in a transaction file"`
		Nodes      analyseNodesCmd      `cmd:"" help:"Per component statistics of a transaction file"`
	} `cmd:""`

	List struct {
		URIs listURIsCmd `cmd:"" name:"uris" help:"List the URIs of a transaction file"`
	} `cmd:""`

	Query struct {
		Count   queryCountCmd   `cmd:"" help:"Count completed transactions"`
		Summary querySummaryCmd `cmd:"" help:"Completion summary"`
		URIs    queryURIsCmd    `cmd:"" name:"uris" help:"Unbound URIs"`
		Issues  queryIssuesCmd  `cmd:"" help:"Transaction configuration issues"`
	} `cmd:""`

	Push struct {
		Spans pushSpansCmd `cmd:"" help:"Send a JSON file of span events"`
	} `cmd:""`
}

func main() {
	cli.out = os.Stdout

	ctx := kong.Parse(&cli,
		kong.UsageOnError(),
		kong.Vars{"minDistinct": strconv.Itoa(uripattern.DefaultMinDistinct)},
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)
	err := ctx.Run(&cli.globalOptions)
	ctx.FatalIfErrorf(err)
}
