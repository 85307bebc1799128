// Package uripattern groups URIs that only differ in variable path segments
// into templates, so reports on parameterised endpoints stay small.
//
// Segments are classified by a small lexer (numeric, hex, UUID or literal).
// URIs with the same number of segments are then merged position by position:
// each round wildcards the position that merges the most entries, lowest
// position first on ties. An id-like position needs two distinct values to be
// wildcarded, any other position needs MinDistinct. A template always keeps
// one literal segment and a lone URI is never turned into a template.
package uripattern

import (
	"fmt"
	"sort"
	"strings"

	"github.com/facette/natsort"
	"github.com/grafana/regexp"
)

const (
	DefaultMinDistinct = 3
	wildcard           = "*"
)

// URIInfo is one entry of a URI report.
type URIInfo struct {
	URI          string `json:"uri"`
	Regex        string `json:"regex,omitempty"`
	Template     string `json:"template,omitempty"`
	Count        int64  `json:"count"`
	EndpointType string `json:"endpointType,omitempty"`
}

type Config struct {
	// MinDistinct is the number of distinct values a literal position needs
	// before it is wildcarded.
	MinDistinct int
}

func DefaultConfig() Config {
	return Config{MinDistinct: DefaultMinDistinct}
}

type entry struct {
	endpointType string
	segments     []string
	classes      []Class
	count        int64
	uri          string
	merged       bool
}

func (e *entry) key(pos int) string {
	var sb strings.Builder
	sb.WriteString(e.endpointType)
	sb.WriteByte(0)
	for i, s := range e.segments {
		if i > 0 {
			sb.WriteByte('/')
		}
		if i == pos {
			sb.WriteString(wildcard)
			continue
		}
		sb.WriteString(s)
	}
	return sb.String()
}

func (e *entry) literals() int {
	n := 0
	for _, s := range e.segments {
		if s != wildcard && s != "" {
			n++
		}
	}
	return n
}

// Compress groups uris and returns the entries sorted by count descending,
// then by URI in natural order. Query strings are dropped and duplicate paths
// are summed. The input is not modified.
func Compress(uris []URIInfo, cfg Config) []URIInfo {
	if cfg.MinDistinct < 2 {
		cfg.MinDistinct = DefaultMinDistinct
	}

	byLength := map[int][]*entry{}
	for _, e := range dedupe(uris) {
		byLength[len(e.segments)] = append(byLength[len(e.segments)], e)
	}

	lengths := make([]int, 0, len(byLength))
	for l := range byLength {
		lengths = append(lengths, l)
	}
	sort.Ints(lengths)

	var res []URIInfo
	for _, l := range lengths {
		for _, e := range compressGroup(byLength[l], cfg) {
			res = append(res, e.info())
		}
	}
	Sort(res)
	return res
}

// Sort orders entries by count descending, then URI in natural order.
func Sort(uris []URIInfo) {
	sort.SliceStable(uris, func(i, j int) bool {
		if uris[i].Count != uris[j].Count {
			return uris[i].Count > uris[j].Count
		}
		if uris[i].URI != uris[j].URI {
			return natsort.Compare(uris[i].URI, uris[j].URI)
		}
		return uris[i].EndpointType < uris[j].EndpointType
	})
}

func dedupe(uris []URIInfo) []*entry {
	seen := map[string]*entry{}
	var res []*entry
	for _, u := range uris {
		path, _, _ := strings.Cut(u.URI, "?")
		k := u.EndpointType + "\x00" + path
		if e, ok := seen[k]; ok {
			e.count += u.Count
			continue
		}

		segs := strings.Split(path, "/")
		e := &entry{
			endpointType: u.EndpointType,
			segments:     segs,
			classes:      make([]Class, len(segs)),
			count:        u.Count,
			uri:          path,
		}
		for i, s := range segs {
			e.classes[i] = Classify(s)
		}
		seen[k] = e
		res = append(res, e)
	}
	return res
}

func compressGroup(entries []*entry, cfg Config) []*entry {
	width := len(entries[0].segments)
	for {
		bestPos, bestGroups, bestMerged := -1, [][]*entry(nil), 0
		for pos := 0; pos < width; pos++ {
			groups := candidates(entries, pos, cfg)
			merged := 0
			for _, g := range groups {
				merged += len(g)
			}
			if merged > bestMerged {
				bestPos, bestGroups, bestMerged = pos, groups, merged
			}
		}
		if bestPos < 0 {
			return entries
		}
		entries = merge(entries, bestPos, bestGroups)
	}
}

// candidates returns the groups of entries that may be merged by wildcarding pos.
func candidates(entries []*entry, pos int, cfg Config) [][]*entry {
	byKey := map[string][]*entry{}
	var order []string
	for _, e := range entries {
		if e.segments[pos] == wildcard || e.segments[pos] == "" {
			continue
		}
		// the remaining template must keep a literal segment
		if e.literals() < 2 {
			continue
		}
		k := e.key(pos)
		if _, ok := byKey[k]; !ok {
			order = append(order, k)
		}
		byKey[k] = append(byKey[k], e)
	}

	var res [][]*entry
	for _, k := range order {
		g := byKey[k]
		if len(g) < 2 {
			continue
		}
		required := cfg.MinDistinct
		if allIDLike(g, pos) {
			required = 2
		}
		if len(g) >= required {
			res = append(res, g)
		}
	}
	return res
}

func allIDLike(g []*entry, pos int) bool {
	for _, e := range g {
		if !e.classes[pos].IDLike() {
			return false
		}
	}
	return true
}

func merge(entries []*entry, pos int, groups [][]*entry) []*entry {
	absorbed := map[*entry]bool{}
	var res []*entry
	for _, g := range groups {
		m := &entry{
			endpointType: g[0].endpointType,
			segments:     append([]string(nil), g[0].segments...),
			classes:      append([]Class(nil), g[0].classes...),
			merged:       true,
		}
		m.segments[pos] = wildcard
		m.classes[pos] = Literal
		for _, e := range g {
			m.count += e.count
			absorbed[e] = true
		}
		res = append(res, m)
	}
	for _, e := range entries {
		if !absorbed[e] {
			res = append(res, e)
		}
	}
	return res
}

func (e *entry) info() URIInfo {
	if !e.merged {
		return URIInfo{URI: e.uri, Count: e.count, EndpointType: e.endpointType}
	}

	var (
		uri  = make([]string, len(e.segments))
		tmpl = make([]string, len(e.segments))
		re   = make([]string, len(e.segments))
		n    int
	)
	for i, s := range e.segments {
		if s != wildcard {
			uri[i], tmpl[i], re[i] = s, s, regexp.QuoteMeta(s)
			continue
		}
		n++
		uri[i] = wildcard
		tmpl[i] = fmt.Sprintf("{p%d}", n)
		re[i] = "[^/]+"
	}
	return URIInfo{
		URI:          strings.Join(uri, "/"),
		Regex:        "^" + strings.Join(re, "/") + "$",
		Template:     strings.Join(tmpl, "/"),
		Count:        e.count,
		EndpointType: e.endpointType,
	}
}
