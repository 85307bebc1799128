package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCriteriaBounds(t *testing.T) {
	now := time.UnixMilli(10 * time.Hour.Milliseconds())

	start, end := BaseCriteria{}.Bounds(now)
	assert.Equal(t, Millis(now), end)
	assert.Equal(t, Millis(now)-time.Hour.Milliseconds(), start)

	start, end = BaseCriteria{StartTime: 5, EndTime: 10}.Bounds(now)
	assert.Equal(t, int64(5), start)
	assert.Equal(t, int64(10), end)
}

func TestCompletionTimeCriteriaMatches(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	ct := CompletionTime{
		BusinessTransaction: "order",
		TenantID:            "t1",
		Timestamp:           500,
		Fault:               "NotFound",
		Properties:          map[string]string{"region": "eu"},
	}

	tcs := []struct {
		name     string
		criteria CompletionTimeCriteria
		expected bool
	}{
		{name: "default window", criteria: CompletionTimeCriteria{}, expected: true},
		{name: "window", criteria: CompletionTimeCriteria{BaseCriteria: BaseCriteria{StartTime: 1, EndTime: 1000}}, expected: true},
		{name: "end exclusive", criteria: CompletionTimeCriteria{BaseCriteria: BaseCriteria{StartTime: 1, EndTime: 500}}, expected: false},
		{name: "name", criteria: CompletionTimeCriteria{BaseCriteria: BaseCriteria{StartTime: 1, EndTime: 1000}, BusinessTransaction: "other"}, expected: false},
		{name: "tenant", criteria: CompletionTimeCriteria{BaseCriteria: BaseCriteria{TenantID: "t2", StartTime: 1, EndTime: 1000}}, expected: false},
		{
			name: "property",
			criteria: CompletionTimeCriteria{BaseCriteria: BaseCriteria{StartTime: 1, EndTime: 1000,
				Properties: []PropertyCriteria{{Name: "region", Value: "eu"}}}},
			expected: true,
		},
		{
			name: "excluded property",
			criteria: CompletionTimeCriteria{BaseCriteria: BaseCriteria{StartTime: 1, EndTime: 1000,
				Properties: []PropertyCriteria{{Name: "region", Value: "eu", Excluded: true}}}},
			expected: false,
		},
		{
			name: "fault included",
			criteria: CompletionTimeCriteria{BaseCriteria: BaseCriteria{StartTime: 1, EndTime: 1000,
				Faults: []FaultCriteria{{Value: "Timeout"}, {Value: "NotFound"}}}},
			expected: true,
		},
		{
			name: "fault excluded",
			criteria: CompletionTimeCriteria{BaseCriteria: BaseCriteria{StartTime: 1, EndTime: 1000,
				Faults: []FaultCriteria{{Value: "NotFound", Excluded: true}}}},
			expected: false,
		},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.criteria.Matches(now, ct))
		})
	}
}

func TestNodeCriteriaMatches(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	nd := NodeDetails{HostName: "a", BusinessTransaction: "order", Timestamp: 10}

	assert.True(t, NodeCriteria{BaseCriteria: BaseCriteria{StartTime: 1, EndTime: 20}, HostName: "a"}.Matches(now, nd))
	assert.False(t, NodeCriteria{BaseCriteria: BaseCriteria{StartTime: 1, EndTime: 20}, HostName: "b"}.Matches(now, nd))
}

func TestDecodeProperties(t *testing.T) {
	props, err := DecodeProperties("region|eu, -tier|gold")
	require.NoError(t, err)
	assert.Equal(t, []PropertyCriteria{
		{Name: "region", Value: "eu"},
		{Name: "tier", Value: "gold", Excluded: true},
	}, props)

	props, err = DecodeProperties("")
	require.NoError(t, err)
	assert.Empty(t, props)

	_, err = DecodeProperties("novalue")
	require.Error(t, err)

	assert.Equal(t, []FaultCriteria{{Value: "a"}, {Value: "b", Excluded: true}}, DecodeFaults("a,-b"))
}

func TestEncodeCriteria(t *testing.T) {
	props := []PropertyCriteria{
		{Name: "region", Value: "eu"},
		{Name: "tier", Value: "gold", Excluded: true},
	}
	assert.Equal(t, "region|eu,-tier|gold", EncodeProperties(props))
	decoded, err := DecodeProperties(EncodeProperties(props))
	require.NoError(t, err)
	assert.Equal(t, props, decoded)

	assert.Equal(t, "a,-b", EncodeFaults([]FaultCriteria{{Value: "a"}, {Value: "b", Excluded: true}}))
}
