// Package regexp matches strings against a set of patterns, any of which may
// match. Results are memoized in a bounded cache since the same URIs and
// operations are tested over and over.
package regexp

import (
	"strings"

	"github.com/grafana/regexp"
	lru "github.com/hashicorp/golang-lru/v2"
)

const memoSize = 4096

type Regexp struct {
	matchers    []*regexp.Regexp
	matches     *lru.Cache[string, bool]
	shouldMatch bool
}

// NewRegexp compiles regexps. MatchString is true when any pattern's result
// equals shouldMatch. An empty set never matches.
func NewRegexp(regexps []string, shouldMatch bool) (*Regexp, error) {
	matchers := make([]*regexp.Regexp, 0, len(regexps))

	for _, r := range regexps {
		m, err := regexp.Compile(r)
		if err != nil {
			return nil, err
		}
		matchers = append(matchers, m)
	}

	matches, err := lru.New[string, bool](memoSize)
	if err != nil {
		return nil, err
	}

	return &Regexp{
		matchers:    matchers,
		matches:     matches,
		shouldMatch: shouldMatch,
	}, nil
}

// Len is the number of patterns.
func (r *Regexp) Len() int {
	return len(r.matchers)
}

func (r *Regexp) MatchString(s string) bool {
	if matched, ok := r.matches.Get(s); ok {
		return matched
	}

	matched := false
	for _, m := range r.matchers {
		if m.MatchString(s) == r.shouldMatch {
			matched = true
			break
		}
	}

	r.matches.Add(s, matched)
	return matched
}

// FindStringSubmatch returns the submatches of the first pattern that matches s.
func (r *Regexp) FindStringSubmatch(s string) ([]string, []string) {
	for _, m := range r.matchers {
		if sub := m.FindStringSubmatch(s); sub != nil {
			return sub, m.SubexpNames()
		}
	}
	return nil, nil
}

func (r *Regexp) Reset() {
	r.matches.Purge()
}

func (r *Regexp) String() string {
	srcs := make([]string, 0, len(r.matchers))
	for _, m := range r.matchers {
		srcs = append(srcs, m.String())
	}
	return strings.Join(srcs, ", ")
}
