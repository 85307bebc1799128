package model

import "time"

// CompletionTime is the completion record of one persisted business transaction.
// Timestamp and Duration are in milliseconds.
type CompletionTime struct {
	ID                  string            `json:"id"`
	BusinessTransaction string            `json:"businessTransaction,omitempty"`
	TenantID            string            `json:"tenantId,omitempty"`
	Timestamp           int64             `json:"timestamp"`
	Duration            int64             `json:"duration"`
	Fault               string            `json:"fault,omitempty"`
	HostName            string            `json:"hostName,omitempty"`
	URI                 string            `json:"uri,omitempty"`
	Properties          map[string]string `json:"properties,omitempty"`
}

// NodeDetails is the record of one node of a persisted business transaction.
// Elapsed and Actual are in milliseconds; Actual excludes time spent in children.
type NodeDetails struct {
	ID                  string            `json:"id"`
	BusinessTransaction string            `json:"businessTransaction,omitempty"`
	TenantID            string            `json:"tenantId,omitempty"`
	Type                NodeType          `json:"type"`
	ComponentType       string            `json:"componentType,omitempty"`
	URI                 string            `json:"uri,omitempty"`
	Operation           string            `json:"operation,omitempty"`
	HostName            string            `json:"hostName,omitempty"`
	Timestamp           int64             `json:"timestamp"`
	Elapsed             int64             `json:"elapsed"`
	Actual              int64             `json:"actual"`
	Fault               string            `json:"fault,omitempty"`
	Properties          map[string]string `json:"properties,omitempty"`
}

// Binding records the correlation outcome of one producer endpoint.
type Binding struct {
	TenantID            string `json:"tenantId,omitempty"`
	URI                 string `json:"uri"`
	EndpointType        string `json:"endpointType,omitempty"`
	BusinessTransaction string `json:"businessTransaction,omitempty"`
	Bound               bool   `json:"bound"`
	Timestamp           int64  `json:"timestamp"`
}

// Millis converts t to milliseconds since epoch.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// CompletionTimeFor derives the completion record of btxn from its first root node.
func CompletionTimeFor(btxn *BusinessTransaction) (CompletionTime, bool) {
	root := btxn.Root()
	if root == nil {
		return CompletionTime{}, false
	}

	ct := CompletionTime{
		ID:                  btxn.ID,
		BusinessTransaction: btxn.Name,
		TenantID:            btxn.TenantID,
		Timestamp:           Millis(root.Start),
		Duration:            root.Duration().Milliseconds(),
		HostName:            btxn.HostName,
		URI:                 root.URI,
		Properties:          btxn.Properties(),
	}
	if f, ok := btxn.Fault(); ok {
		ct.Fault = f
	}
	return ct, true
}

// NodeDetailsFor derives one record per node of btxn.
func NodeDetailsFor(btxn *BusinessTransaction) []NodeDetails {
	res := make([]NodeDetails, 0, len(btxn.Arena))
	btxn.Walk(func(n *Node) bool {
		elapsed := n.Duration()
		actual := elapsed
		for _, c := range n.Children {
			if child := btxn.Node(c); child != nil {
				actual -= child.Duration()
			}
		}
		if actual < 0 {
			actual = 0
		}

		nd := NodeDetails{
			ID:                  btxn.ID,
			BusinessTransaction: btxn.Name,
			TenantID:            btxn.TenantID,
			Type:                n.Type,
			ComponentType:       n.ComponentType,
			URI:                 n.URI,
			Operation:           n.Operation,
			HostName:            btxn.HostName,
			Timestamp:           Millis(n.Start),
			Elapsed:             elapsed.Milliseconds(),
			Actual:              actual.Milliseconds(),
			Properties:          n.Properties,
		}
		if f, ok := n.Fault(); ok {
			nd.Fault = f
		}
		res = append(res, nd)
		return true
	})
	return res
}
