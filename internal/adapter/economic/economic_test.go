package economic

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wizdata/scraperd/internal/adapter"
	"github.com/wizdata/scraperd/internal/domain"
)

const sampleBody = `{
	"indicators": [
		{
			"indicator": "federal_funds_rate",
			"value": 5.25,
			"unit": "percent",
			"country": "US",
			"frequency": "daily",
			"category": "interest_rates",
			"published": "2026-08-24T08:00:00Z"
		},
		{
			"indicator": "repo_rate",
			"value": 8.25,
			"unit": "percent",
			"country": "ZA",
			"frequency": "daily",
			"category": "interest_rates"
		},
		{
			"indicator": "unemployment_rate",
			"value": 3.7,
			"unit": "percent",
			"country": "US",
			"frequency": "monthly",
			"category": "employment"
		}
	]
}`

func newTestAdapter(t *testing.T, symbols ...string) *Adapter {
	t.Helper()
	a, err := New(adapter.Options{BaseURL: "https://indicators.example.com", Symbols: symbols})
	require.NoError(t, err)
	return a.(*Adapter)
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New(adapter.Options{})
	assert.Error(t, err)
}

func TestParseAll(t *testing.T) {
	a := newTestAdapter(t)

	fields, err := a.Parse(domain.RawPayload{Body: []byte(sampleBody)})
	require.NoError(t, err)
	assert.Len(t, fields, 3)
}

func TestParseFiltersByIndicator(t *testing.T) {
	a := newTestAdapter(t, "repo_rate")

	fields, err := a.Parse(domain.RawPayload{Body: []byte(sampleBody)})
	require.NoError(t, err)
	require.Len(t, fields, 1)
	assert.Equal(t, "repo_rate", fields[0]["indicator"])
}

func TestParseNoMatches(t *testing.T) {
	a := newTestAdapter(t, "nonexistent")

	_, err := a.Parse(domain.RawPayload{Body: []byte(sampleBody)})
	var parseErr *domain.ParseError
	assert.True(t, errors.As(err, &parseErr))
}

func TestNormalize(t *testing.T) {
	a := newTestAdapter(t)

	fields, err := a.Parse(domain.RawPayload{Body: []byte(sampleBody)})
	require.NoError(t, err)

	records, err := a.Normalize(fields)
	require.NoError(t, err)
	require.Len(t, records, 3)

	fed := records[0]
	assert.Equal(t, "us.federal_funds_rate", fed.Symbol)
	assert.Equal(t, Class, fed.Class)
	assert.Equal(t, 5.25, fed.Payload["value"])
	assert.Equal(t, "percent", fed.Payload["unit"])
	// Published timestamp wins over scrape time.
	assert.Equal(t, int64(1787558400), fed.CollectedAt.Unix())

	repo := records[1]
	assert.Equal(t, "za.repo_rate", repo.Symbol)
}

func TestNormalizeMissingIndicatorName(t *testing.T) {
	a := newTestAdapter(t)

	_, err := a.Normalize(domain.ParsedFields{{"value": 1.0}})
	var valErr *domain.ValidationError
	require.True(t, errors.As(err, &valErr))
	assert.Equal(t, "indicator", valErr.Field)
}
