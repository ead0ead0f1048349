package coingecko

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wizdata/scraperd/internal/adapter"
	"github.com/wizdata/scraperd/internal/domain"
)

const sampleBody = `{
	"bitcoin": {
		"usd": 117748.00,
		"usd_market_cap": 2343285139964,
		"usd_24h_vol": 31892451234.5,
		"usd_24h_change": -1.24,
		"last_updated_at": 1755993600
	},
	"ethereum": {
		"usd": 4276.12,
		"usd_market_cap": 515234112345,
		"usd_24h_vol": 18234512345.1,
		"usd_24h_change": 2.08,
		"last_updated_at": 1755993600
	}
}`

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := New(adapter.Options{Symbols: []string{"bitcoin", "ethereum"}})
	require.NoError(t, err)
	return a.(*Adapter)
}

func TestParse(t *testing.T) {
	a := newTestAdapter(t)

	fields, err := a.Parse(domain.RawPayload{Body: []byte(sampleBody)})
	require.NoError(t, err)
	require.Len(t, fields, 2)

	byCoin := make(map[string]map[string]any)
	for _, f := range fields {
		byCoin[f["coin_id"].(string)] = f
	}
	assert.Equal(t, 117748.00, byCoin["bitcoin"]["usd"])
	assert.Equal(t, 4276.12, byCoin["ethereum"]["usd"])
}

func TestParseMalformedBody(t *testing.T) {
	a := newTestAdapter(t)

	_, err := a.Parse(domain.RawPayload{Body: []byte(`<html>blocked</html>`)})
	var parseErr *domain.ParseError
	require.True(t, errors.As(err, &parseErr))
	assert.Equal(t, SourceName, parseErr.Source)
}

func TestParseEmptyBody(t *testing.T) {
	a := newTestAdapter(t)

	_, err := a.Parse(domain.RawPayload{Body: []byte(`{}`)})
	var parseErr *domain.ParseError
	assert.True(t, errors.As(err, &parseErr))
}

func TestNormalize(t *testing.T) {
	a := newTestAdapter(t)

	fields, err := a.Parse(domain.RawPayload{Body: []byte(sampleBody)})
	require.NoError(t, err)

	records, err := a.Normalize(fields)
	require.NoError(t, err)
	require.Len(t, records, 2)

	bySymbol := make(map[string]domain.Record)
	for _, r := range records {
		bySymbol[r.Symbol] = r
	}

	btc := bySymbol["bitcoin"]
	assert.Equal(t, SourceName, btc.Source)
	assert.Equal(t, Class, btc.Class)
	assert.Equal(t, domain.SchemaVersion, btc.SchemaVersion)
	assert.Equal(t, 117748.00, btc.Payload["price"])
	assert.Equal(t, 2343285139964.0, btc.Payload["market_cap"])
	assert.Equal(t, int64(1755993600), btc.CollectedAt.Unix())
}

func TestNormalizeMissingPrice(t *testing.T) {
	a := newTestAdapter(t)

	fields := domain.ParsedFields{{"coin_id": "bitcoin", "usd_market_cap": 1.0}}
	_, err := a.Normalize(fields)

	var valErr *domain.ValidationError
	require.True(t, errors.As(err, &valErr))
	assert.Equal(t, "usd", valErr.Field)
}

func TestNewDefaults(t *testing.T) {
	a, err := New(adapter.Options{})
	require.NoError(t, err)

	impl := a.(*Adapter)
	assert.Equal(t, defaultBaseURL, impl.baseURL)
	assert.NotEmpty(t, impl.coins)
	assert.Equal(t, SourceName, a.Source())
	assert.Equal(t, Class, a.Class())
}
