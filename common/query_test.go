package common

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogQuery(t *testing.T) {
	q, err := ParseLogQuery(url.Values{})
	require.NoError(t, err)
	assert.Equal(t, LogQuery{PageQuery: PageQuery{Page: 1, Limit: DefaultLogLimit}}, q)

	q, err = ParseLogQuery(url.Values{
		"page":      {"3"},
		"limit":     {"20"},
		"level":     {"warn"},
		"startDate": {"2024-03-14"},
		"endDate":   {"2024-03-15T12:00:00Z"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, q.Page)
	assert.Equal(t, 20, q.Limit)
	assert.Equal(t, LevelWarn, q.Level)
	require.NotNil(t, q.StartDate)
	assert.True(t, q.StartDate.Equal(time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC)))
	require.NotNil(t, q.EndDate)
	assert.True(t, q.EndDate.Equal(time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)))
}

func TestParseTelemetryQuery(t *testing.T) {
	q, err := ParseTelemetryQuery(url.Values{"minAltitude": {"100.5"}, "maxAltitude": {"2000"}})
	require.NoError(t, err)
	assert.Equal(t, DefaultTelemetryLimit, q.Limit)
	require.NotNil(t, q.MinAltitude)
	assert.Equal(t, 100.5, *q.MinAltitude)
	require.NotNil(t, q.MaxAltitude)
	assert.Equal(t, 2000.0, *q.MaxAltitude)
}

func TestParseQueryErrors(t *testing.T) {
	tests := []struct {
		name    string
		values  url.Values
		wantErr string
	}{
		{"zero page", url.Values{"page": {"0"}}, "page must be a positive integer"},
		{"text limit", url.Values{"limit": {"all"}}, "limit must be a positive integer"},
		{"bad start", url.Values{"startDate": {"yesterday"}}, "startDate must be an RFC 3339 timestamp or YYYY-MM-DD"},
		{"bad altitude", url.Values{"minAltitude": {"high"}}, "minAltitude must be a number"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTelemetryQuery(tt.values)
			assert.EqualError(t, err, tt.wantErr)
		})
	}
}
