package api

import (
	"net/url"
	"strconv"
	"strings"
)

// queryBuilder encodes query params in insertion order, unlike url.Values
// which sorts them.
type queryBuilder struct {
	builder strings.Builder
}

func newQueryBuilder(init string) *queryBuilder {
	qb := &queryBuilder{}
	qb.builder.WriteString(init)
	return qb
}

func (qb *queryBuilder) addParam(key, value string) {
	if qb.builder.Len() > 0 {
		qb.builder.WriteByte('&')
	}

	keyStr := url.QueryEscape(key)
	valueStr := url.QueryEscape(value)

	qb.builder.Grow(len(keyStr) + len(valueStr) + 1)

	qb.builder.WriteString(keyStr)
	qb.builder.WriteByte('=')
	qb.builder.WriteString(valueStr)
}

// addString skips empty values.
func (qb *queryBuilder) addString(key, value string) {
	if value != "" {
		qb.addParam(key, value)
	}
}

// addInt skips zero values, which every parser reads as unset.
func (qb *queryBuilder) addInt(key string, value int64) {
	if value != 0 {
		qb.addParam(key, strconv.FormatInt(value, 10))
	}
}

func (qb *queryBuilder) query() string {
	return qb.builder.String()
}
