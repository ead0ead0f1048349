// Package jse implements the JSE equity price source adapter.
package jse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/wizdata/scraperd/internal/adapter"
	"github.com/wizdata/scraperd/internal/domain"
	"github.com/wizdata/scraperd/internal/proxy"
)

// SourceName is the registry key for this adapter.
const SourceName = "jse"

// Class is the entity class of records produced by this adapter.
const Class = "equity_price"

const defaultBaseURL = "https://api.jse.co.za"

// defaultSymbols is fetched when the job config does not restrict
// symbols. Large caps across the main JSE sectors.
var defaultSymbols = []string{
	"AGL", "BHP", "BTI", "CFR", "FSR",
	"GFI", "IMP", "MTN", "NPN", "SBK",
	"SHP", "SLM", "SOL", "TKG", "VOD",
}

// Adapter fetches per-symbol equity summaries (last trade price, volume,
// market state) from the JSE summary endpoint. The endpoint serves one
// symbol per request, so a fetch aggregates all configured symbols into
// one payload and tolerates individual symbols being unavailable.
type Adapter struct {
	baseURL string
	symbols []string
	client  *adapter.Client
}

// New constructs the adapter. Registered with the adapter registry under
// SourceName.
func New(opts adapter.Options) (adapter.Adapter, error) {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	symbols := opts.Symbols
	if len(symbols) == 0 {
		symbols = defaultSymbols
	}
	return &Adapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		symbols: symbols,
		client:  adapter.NewClient(SourceName, opts.Timeout),
	}, nil
}

func (a *Adapter) Source() string { return SourceName }
func (a *Adapter) Class() string  { return Class }

// Fetch requests the summary for every configured symbol and bundles the
// responses into one symbol-keyed JSON object. A symbol that fails is
// skipped; the fetch fails only when no symbol succeeds.
func (a *Adapter) Fetch(ctx context.Context, id *proxy.Identity) (domain.RawPayload, error) {
	summaries := make(map[string]json.RawMessage, len(a.symbols))
	var lastErr error

	for _, symbol := range a.symbols {
		raw, err := a.client.Get(ctx, a.baseURL+"/api/equity/summary/"+symbol, id)
		if err != nil {
			if ctx.Err() != nil {
				return domain.RawPayload{}, err
			}
			lastErr = err
			continue
		}
		summaries[symbol] = json.RawMessage(raw.Body)
	}

	if len(summaries) == 0 {
		if lastErr != nil {
			return domain.RawPayload{}, lastErr
		}
		return domain.RawPayload{}, &domain.TransientNetworkError{
			Source: SourceName,
			Err:    fmt.Errorf("no symbols configured"),
		}
	}

	body, err := json.Marshal(summaries)
	if err != nil {
		return domain.RawPayload{}, fmt.Errorf("aggregate summaries: %w", err)
	}
	return domain.RawPayload{
		Body:        body,
		ContentType: "application/json",
		SourceURL:   a.baseURL + "/api/equity/summary",
		StatusCode:  http.StatusOK,
		FetchedAt:   time.Now().UTC(),
	}, nil
}

// summary is the shape of one symbol's response from the JSE endpoint.
type summary struct {
	LastTrade struct {
		Price float64 `json:"price"`
		Time  string  `json:"time"`
	} `json:"lastTrade"`
	MarketData struct {
		Volume any  `json:"volume"`
		IsOpen bool `json:"isOpen"`
	} `json:"marketData"`
}

// Parse decodes the symbol-keyed summary bundle.
func (a *Adapter) Parse(raw domain.RawPayload) (domain.ParsedFields, error) {
	var body map[string]json.RawMessage
	if err := json.Unmarshal(raw.Body, &body); err != nil {
		return nil, &domain.ParseError{Source: SourceName, Reason: "malformed summary bundle", Err: err}
	}
	if len(body) == 0 {
		return nil, &domain.ParseError{Source: SourceName, Reason: "empty summary bundle"}
	}

	fields := make(domain.ParsedFields, 0, len(body))
	for symbol, rawSummary := range body {
		var s summary
		if err := json.Unmarshal(rawSummary, &s); err != nil {
			return nil, &domain.ParseError{
				Source: SourceName,
				Reason: fmt.Sprintf("malformed summary for %s", symbol),
				Err:    err,
			}
		}
		fields = append(fields, map[string]any{
			"symbol":          symbol,
			"price":           s.LastTrade.Price,
			"last_trade_time": s.LastTrade.Time,
			"volume":          s.MarketData.Volume,
			"market_open":     s.MarketData.IsOpen,
		})
	}
	return fields, nil
}

// Normalize converts parsed entries into equity price records. Entries
// without a positive last trade price carry no usable quote and are
// skipped, matching how the exchange reports suspended or unpriced
// instruments.
func (a *Adapter) Normalize(fields domain.ParsedFields) ([]domain.Record, error) {
	now := time.Now().UTC()
	records := make([]domain.Record, 0, len(fields))

	for _, entry := range fields {
		symbol, _ := entry["symbol"].(string)
		if symbol == "" {
			return nil, &domain.ValidationError{Source: SourceName, Field: "symbol", Reason: "missing symbol"}
		}
		price, _ := entry["price"].(float64)
		if price <= 0 {
			continue
		}

		payload := map[string]any{
			"price":    price,
			"currency": "ZAR",
			"exchange": "JSE",
		}
		if open, has := entry["market_open"].(bool); has {
			payload["market_open"] = open
		}
		if volume, ok := parseVolume(entry["volume"]); ok {
			payload["volume"] = volume
		}

		collectedAt := now
		if ts, _ := entry["last_trade_time"].(string); ts != "" {
			payload["last_trade_time"] = ts
			if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
				collectedAt = parsed.UTC()
			}
		}

		records = append(records, domain.Record{
			Source:        SourceName,
			Symbol:        symbol,
			Class:         Class,
			Payload:       payload,
			CollectedAt:   collectedAt,
			SchemaVersion: domain.SchemaVersion,
		})
	}

	if len(records) == 0 {
		return nil, &domain.ValidationError{
			Source: SourceName,
			Field:  "price",
			Reason: "no symbol carried a positive last trade price",
		}
	}
	return records, nil
}

// parseVolume accepts the numeric and abbreviated string forms the
// endpoint uses for traded volume: 1234567, "1234567", "1.2M", "500K".
func parseVolume(v any) (int64, bool) {
	switch value := v.(type) {
	case float64:
		return int64(value), true
	case string:
		s := strings.ToUpper(strings.TrimSpace(value))
		if s == "" {
			return 0, false
		}
		multiplier := int64(1)
		switch s[len(s)-1] {
		case 'K':
			multiplier, s = 1_000, s[:len(s)-1]
		case 'M':
			multiplier, s = 1_000_000, s[:len(s)-1]
		case 'B':
			multiplier, s = 1_000_000_000, s[:len(s)-1]
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return int64(f * float64(multiplier)), true
	default:
		return 0, false
	}
}
