package model

import (
	"fmt"
	"strings"
	"time"
)

// DefaultQueryWindow is used when a criteria has no start time.
const DefaultQueryWindow = time.Hour

// PropertyCriteria filters on a property value. Excluded inverts the match.
type PropertyCriteria struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Excluded bool   `json:"excluded,omitempty"`
}

// FaultCriteria filters on a fault value. Excluded inverts the match.
type FaultCriteria struct {
	Value    string `json:"value"`
	Excluded bool   `json:"excluded,omitempty"`
}

// BaseCriteria is a read-only query descriptor. Times are milliseconds since
// epoch; zero means "one hour before end" for StartTime and "now" for EndTime.
type BaseCriteria struct {
	TenantID   string             `json:"tenantId,omitempty"`
	StartTime  int64              `json:"startTime,omitempty"`
	EndTime    int64              `json:"endTime,omitempty"`
	Properties []PropertyCriteria `json:"properties,omitempty"`
	Faults     []FaultCriteria    `json:"faults,omitempty"`
}

// CalculateEndTime resolves EndTime relative to now.
func (c BaseCriteria) CalculateEndTime(now time.Time) int64 {
	if c.EndTime == 0 {
		return Millis(now)
	}
	return c.EndTime
}

// CalculateStartTime resolves StartTime relative to now.
func (c BaseCriteria) CalculateStartTime(now time.Time) int64 {
	if c.StartTime == 0 {
		return c.CalculateEndTime(now) - DefaultQueryWindow.Milliseconds()
	}
	return c.StartTime
}

// Bounds returns the resolved [start, end) window.
func (c BaseCriteria) Bounds(now time.Time) (int64, int64) {
	return c.CalculateStartTime(now), c.CalculateEndTime(now)
}

func (c BaseCriteria) matchesTenant(tenant string) bool {
	return c.TenantID == "" || c.TenantID == tenant
}

func (c BaseCriteria) matchesProperties(props map[string]string) bool {
	for _, p := range c.Properties {
		v, ok := props[p.Name]
		matched := ok && v == p.Value
		if matched == p.Excluded {
			return false
		}
	}
	return true
}

// matchesFault requires the fault to equal one of the included values, if any
// are given, and none of the excluded values.
func (c BaseCriteria) matchesFault(fault string) bool {
	included, anyIncluded := false, false
	for _, f := range c.Faults {
		if f.Excluded {
			if fault == f.Value {
				return false
			}
			continue
		}
		anyIncluded = true
		if fault == f.Value {
			included = true
		}
	}
	return !anyIncluded || included
}

func (c BaseCriteria) matches(now time.Time, tenant string, ts int64, fault string, props map[string]string) bool {
	start, end := c.Bounds(now)
	if ts < start || ts >= end {
		return false
	}
	return c.matchesTenant(tenant) && c.matchesFault(fault) && c.matchesProperties(props)
}

func (c BaseCriteria) String() string {
	return fmt.Sprintf("tenant=%q start=%d end=%d properties=%v faults=%v", c.TenantID, c.StartTime, c.EndTime, c.Properties, c.Faults)
}

// CompletionTimeCriteria selects completion records.
type CompletionTimeCriteria struct {
	BaseCriteria
	BusinessTransaction string `json:"businessTransaction,omitempty"`
}

// Matches reports whether ct belongs to the population described by c.
func (c CompletionTimeCriteria) Matches(now time.Time, ct CompletionTime) bool {
	if c.BusinessTransaction != "" && c.BusinessTransaction != ct.BusinessTransaction {
		return false
	}
	return c.matches(now, ct.TenantID, ct.Timestamp, ct.Fault, ct.Properties)
}

func (c CompletionTimeCriteria) String() string {
	return fmt.Sprintf("%s businessTransaction=%q", c.BaseCriteria.String(), c.BusinessTransaction)
}

// NodeCriteria selects node records.
type NodeCriteria struct {
	BaseCriteria
	BusinessTransaction string `json:"businessTransaction,omitempty"`
	HostName            string `json:"hostName,omitempty"`
}

// Matches reports whether nd belongs to the population described by c.
func (c NodeCriteria) Matches(now time.Time, nd NodeDetails) bool {
	if c.BusinessTransaction != "" && c.BusinessTransaction != nd.BusinessTransaction {
		return false
	}
	if c.HostName != "" && c.HostName != nd.HostName {
		return false
	}
	return c.matches(now, nd.TenantID, nd.Timestamp, nd.Fault, nd.Properties)
}

func (c NodeCriteria) String() string {
	return fmt.Sprintf("%s businessTransaction=%q hostName=%q", c.BaseCriteria.String(), c.BusinessTransaction, c.HostName)
}

// DecodeProperties parses a comma separated list of name|value pairs. A leading
// '-' on the name excludes the pair.
func DecodeProperties(encoded string) ([]PropertyCriteria, error) {
	var res []PropertyCriteria
	for _, item := range splitList(encoded) {
		name, value, ok := strings.Cut(item, "|")
		if !ok {
			return nil, fmt.Errorf("invalid property %q: expected name|value", item)
		}
		excluded := strings.HasPrefix(name, "-")
		name = strings.TrimPrefix(name, "-")
		if name == "" {
			return nil, fmt.Errorf("invalid property %q: empty name", item)
		}
		res = append(res, PropertyCriteria{Name: name, Value: value, Excluded: excluded})
	}
	return res, nil
}

// DecodeFaults parses a comma separated list of faults. A leading '-' excludes the fault.
func DecodeFaults(encoded string) []FaultCriteria {
	var res []FaultCriteria
	for _, item := range splitList(encoded) {
		excluded := strings.HasPrefix(item, "-")
		res = append(res, FaultCriteria{Value: strings.TrimPrefix(item, "-"), Excluded: excluded})
	}
	return res
}

func splitList(s string) []string {
	var res []string
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			res = append(res, item)
		}
	}
	return res
}

// EncodeProperties is the inverse of DecodeProperties.
func EncodeProperties(props []PropertyCriteria) string {
	parts := make([]string, 0, len(props))
	for _, p := range props {
		name := p.Name
		if p.Excluded {
			name = "-" + name
		}
		parts = append(parts, name+"|"+p.Value)
	}
	return strings.Join(parts, ",")
}

// EncodeFaults is the inverse of DecodeFaults.
func EncodeFaults(faults []FaultCriteria) string {
	parts := make([]string, 0, len(faults))
	for _, f := range faults {
		if f.Excluded {
			parts = append(parts, "-"+f.Value)
			continue
		}
		parts = append(parts, f.Value)
	}
	return strings.Join(parts, ",")
}
