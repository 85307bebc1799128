package ingester

import (
	"sort"

	"github.com/grafana/btm/pkg/model"
)

// assemble builds the business transaction of one live transaction. Events are
// linked through their parent span ids; events whose parent was never reported
// become roots. Roots and siblings are ordered by start time, then span id.
func assemble(tenantID, id string, events []*model.SpanEvent) *model.BusinessTransaction {
	sorted := append([]*model.SpanEvent(nil), events...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].Start.Equal(sorted[j].Start) {
			return sorted[i].Start.Before(sorted[j].Start)
		}
		return sorted[i].SpanID < sorted[j].SpanID
	})

	bySpan := make(map[string]*model.SpanEvent, len(sorted))
	for _, ev := range sorted {
		if _, ok := bySpan[ev.SpanID]; !ok {
			bySpan[ev.SpanID] = ev
		}
	}

	children := map[string][]*model.SpanEvent{}
	var roots []*model.SpanEvent
	for _, ev := range sorted {
		if bySpan[ev.SpanID] != ev {
			continue
		}
		if _, ok := bySpan[ev.ParentSpanID]; ev.ParentSpanID == "" || ev.ParentSpanID == ev.SpanID || !ok {
			roots = append(roots, ev)
			continue
		}
		children[ev.ParentSpanID] = append(children[ev.ParentSpanID], ev)
	}

	btxn := &model.BusinessTransaction{ID: id, TenantID: tenantID}
	visited := map[string]bool{}

	var add func(ev *model.SpanEvent, parent model.NodeID)
	add = func(ev *model.SpanEvent, parent model.NodeID) {
		visited[ev.SpanID] = true

		var nid model.NodeID
		if parent == model.NoParent {
			nid = btxn.NewNode(ev.Type, ev.Direction())
		} else {
			// parent was created by this walk, so AddChild cannot fail
			nid, _ = btxn.AddChild(parent, ev.Type, ev.Direction())
		}
		ev.Apply(btxn.Node(nid))

		if btxn.Name == "" {
			btxn.Name = ev.TransactionName
		}
		for _, c := range children[ev.SpanID] {
			if !visited[c.SpanID] {
				add(c, nid)
			}
		}
	}

	for _, r := range roots {
		add(r, model.NoParent)
	}
	// events on a parent cycle are unreachable from any root
	for _, ev := range sorted {
		if bySpan[ev.SpanID] == ev && !visited[ev.SpanID] {
			add(ev, model.NoParent)
		}
	}

	if root := btxn.Root(); root != nil {
		btxn.Start = root.Start
		btxn.HostName = bySpan[root.Details[model.DetailSpanID]].HostName
	}
	return btxn
}
