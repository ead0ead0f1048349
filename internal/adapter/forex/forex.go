// Package forex implements the currency exchange rate source adapter.
package forex

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/wizdata/scraperd/internal/adapter"
	"github.com/wizdata/scraperd/internal/domain"
	"github.com/wizdata/scraperd/internal/proxy"
)

// SourceName is the registry key for this adapter.
const SourceName = "forex"

// Class is the entity class of records produced by this adapter.
const Class = "forex_rate"

const defaultBaseURL = "https://api.exchangerate-api.com/v4"

// defaultQuotes are the quote currencies tracked against the base when
// the job config does not restrict symbols.
var defaultQuotes = []string{"ZAR", "EUR", "GBP", "JPY", "CNY", "CAD", "AUD"}

// nowUTC is swapped out in tests.
var nowUTC = func() time.Time { return time.Now().UTC() }

// spread approximates a bid/ask band around the mid rate. The free rate
// feed publishes mid rates only.
const spread = 0.0001

// Adapter fetches spot exchange rates against a USD base.
type Adapter struct {
	baseURL string
	base    string
	quotes  []string
	client  *adapter.Client
}

// New constructs the adapter.
func New(opts adapter.Options) (adapter.Adapter, error) {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	quotes := opts.Symbols
	if len(quotes) == 0 {
		quotes = defaultQuotes
	}
	for i, q := range quotes {
		quotes[i] = strings.ToUpper(q)
	}
	return &Adapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		base:    "USD",
		quotes:  quotes,
		client:  adapter.NewClient(SourceName, opts.Timeout),
	}, nil
}

func (a *Adapter) Source() string { return SourceName }
func (a *Adapter) Class() string  { return Class }

// Fetch requests the latest rate table for the base currency.
func (a *Adapter) Fetch(ctx context.Context, id *proxy.Identity) (domain.RawPayload, error) {
	return a.client.Get(ctx, a.baseURL+"/latest/"+a.base, id)
}

// rateResponse is the shape of the rate feed's latest endpoint.
type rateResponse struct {
	Base  string             `json:"base"`
	Date  string             `json:"date"`
	Rates map[string]float64 `json:"rates"`
}

// Parse extracts the tracked currency pairs from the rate table.
func (a *Adapter) Parse(raw domain.RawPayload) (domain.ParsedFields, error) {
	var body rateResponse
	if err := json.Unmarshal(raw.Body, &body); err != nil {
		return nil, &domain.ParseError{Source: SourceName, Reason: "malformed rate response", Err: err}
	}
	if len(body.Rates) == 0 {
		return nil, &domain.ParseError{Source: SourceName, Reason: "rate table is empty"}
	}

	base := body.Base
	if base == "" {
		base = a.base
	}

	fields := make(domain.ParsedFields, 0, len(a.quotes))
	for _, quote := range a.quotes {
		rate, ok := body.Rates[quote]
		if !ok {
			continue
		}
		fields = append(fields, map[string]any{
			"pair":  base + "/" + quote,
			"base":  base,
			"quote": quote,
			"rate":  rate,
		})
	}
	if len(fields) == 0 {
		return nil, &domain.ParseError{
			Source: SourceName,
			Reason: fmt.Sprintf("none of %d tracked quotes present in rate table", len(a.quotes)),
		}
	}
	return fields, nil
}

// Normalize converts parsed pairs into forex rate records. Bid and ask
// are derived from the mid rate since the feed has no order book.
func (a *Adapter) Normalize(fields domain.ParsedFields) ([]domain.Record, error) {
	records := make([]domain.Record, 0, len(fields))
	for _, entry := range fields {
		pair, _ := entry["pair"].(string)
		if pair == "" {
			return nil, &domain.ValidationError{Source: SourceName, Field: "pair", Reason: "missing currency pair"}
		}
		rate, ok := entry["rate"].(float64)
		if !ok || rate <= 0 {
			return nil, &domain.ValidationError{
				Source: SourceName,
				Field:  "rate",
				Reason: fmt.Sprintf("non-positive rate for %s", pair),
			}
		}

		records = append(records, domain.Record{
			Source: SourceName,
			Symbol: pair,
			Class:  Class,
			Payload: map[string]any{
				"pair":  pair,
				"rate":  rate,
				"base":  entry["base"],
				"quote": entry["quote"],
				"bid":   rate * (1 - spread),
				"ask":   rate * (1 + spread),
			},
			CollectedAt:   nowUTC(),
			SchemaVersion: domain.SchemaVersion,
		})
	}
	return records, nil
}
