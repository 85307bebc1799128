package main

import (
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/grafana/btm/pkg/model"
	"github.com/grafana/btm/pkg/uripattern"
)

type listURIsCmd struct {
	fileOptions

	Type        string `help:"Only list nodes of this type (Consumer, Producer or Component)"`
	Compress    bool   `help:"Group parameterised URIs into templates"`
	MinDistinct int    `default:"${minDistinct}" help:"Distinct values a segment needs before it is wildcarded"`
}

func (cmd *listURIsCmd) Run(opts *globalOptions) error {
	if cmd.Type != "" && !model.NodeType(cmd.Type).Valid() {
		return fmt.Errorf("unknown node type %q", cmd.Type)
	}

	tf, err := loadTransactionFile(cmd.File)
	if err != nil {
		return err
	}

	uris := nodeURIs(tf.btxns, model.NodeType(cmd.Type))
	if cmd.Compress {
		uris = uripattern.Compress(uris, uripattern.Config{MinDistinct: cmd.MinDistinct})
	} else {
		uripattern.Sort(uris)
	}

	rows := make([][]string, 0, len(uris))
	for _, u := range uris {
		rows = append(rows, []string{u.URI, u.EndpointType, humanize.Comma(u.Count), u.Template})
	}
	return renderTable(opts.out, []any{"uri", "type", "count", "template"}, rows)
}

// nodeURIs counts the URIs of every node of type typ, or of all nodes when typ is empty.
func nodeURIs(btxns []*model.BusinessTransaction, typ model.NodeType) []uripattern.URIInfo {
	type key struct{ uri, endpointType string }

	counts := map[key]int64{}
	var order []key
	for _, btxn := range btxns {
		btxn.Walk(func(n *model.Node) bool {
			if n.URI == "" || (typ != "" && n.Type != typ) {
				return true
			}
			k := key{uri: n.URI, endpointType: n.ComponentType}
			if _, ok := counts[k]; !ok {
				order = append(order, k)
			}
			counts[k]++
			return true
		})
	}

	res := make([]uripattern.URIInfo, 0, len(order))
	for _, k := range order {
		res = append(res, uripattern.URIInfo{URI: k.uri, EndpointType: k.endpointType, Count: counts[k]})
	}
	return res
}
