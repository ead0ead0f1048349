// Package coingecko implements the CoinGecko crypto price source adapter.
package coingecko

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/wizdata/scraperd/internal/adapter"
	"github.com/wizdata/scraperd/internal/domain"
	"github.com/wizdata/scraperd/internal/proxy"
)

// SourceName is the registry key for this adapter.
const SourceName = "coingecko"

// Class is the entity class of records produced by this adapter.
const Class = "crypto_price"

const defaultBaseURL = "https://api.coingecko.com/api/v3"

// defaultCoins is fetched when the job config does not restrict symbols.
var defaultCoins = []string{
	"bitcoin", "ethereum", "binancecoin", "cardano", "solana",
	"avalanche-2", "polygon", "chainlink", "uniswap", "litecoin",
}

// Adapter fetches spot prices with market cap, 24h volume and change from
// the CoinGecko simple price endpoint.
type Adapter struct {
	baseURL string
	apiKey  string
	coins   []string
	client  *adapter.Client
}

// New constructs the adapter. Registered with the adapter registry under
// SourceName.
func New(opts adapter.Options) (adapter.Adapter, error) {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	coins := opts.Symbols
	if len(coins) == 0 {
		coins = defaultCoins
	}
	return &Adapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  opts.APIKey,
		coins:   coins,
		client:  adapter.NewClient(SourceName, opts.Timeout),
	}, nil
}

func (a *Adapter) Source() string { return SourceName }
func (a *Adapter) Class() string  { return Class }

// Fetch requests current prices for the configured coins.
func (a *Adapter) Fetch(ctx context.Context, id *proxy.Identity) (domain.RawPayload, error) {
	params := url.Values{}
	params.Set("ids", strings.Join(a.coins, ","))
	params.Set("vs_currencies", "usd")
	params.Set("include_market_cap", "true")
	params.Set("include_24hr_vol", "true")
	params.Set("include_24hr_change", "true")
	params.Set("include_last_updated_at", "true")
	if a.apiKey != "" {
		params.Set("x_cg_pro_api_key", a.apiKey)
	}

	return a.client.Get(ctx, a.baseURL+"/simple/price?"+params.Encode(), id)
}

// Parse decodes the coin-id keyed price map.
func (a *Adapter) Parse(raw domain.RawPayload) (domain.ParsedFields, error) {
	var body map[string]map[string]float64
	if err := json.Unmarshal(raw.Body, &body); err != nil {
		return nil, &domain.ParseError{Source: SourceName, Reason: "malformed price response", Err: err}
	}
	if len(body) == 0 {
		return nil, &domain.ParseError{Source: SourceName, Reason: "empty price response"}
	}

	fields := make(domain.ParsedFields, 0, len(body))
	for coinID, values := range body {
		entry := map[string]any{"coin_id": coinID}
		for k, v := range values {
			entry[k] = v
		}
		fields = append(fields, entry)
	}
	return fields, nil
}

// Normalize converts parsed entries into crypto price records.
func (a *Adapter) Normalize(fields domain.ParsedFields) ([]domain.Record, error) {
	now := time.Now().UTC()
	records := make([]domain.Record, 0, len(fields))

	for _, entry := range fields {
		coinID, _ := entry["coin_id"].(string)
		if coinID == "" {
			return nil, &domain.ValidationError{Source: SourceName, Field: "coin_id", Reason: "missing coin id"}
		}
		price, ok := entry["usd"].(float64)
		if !ok {
			return nil, &domain.ValidationError{
				Source: SourceName,
				Field:  "usd",
				Reason: fmt.Sprintf("missing usd price for %s", coinID),
			}
		}

		payload := map[string]any{
			"price":    price,
			"currency": "usd",
		}
		if v, has := entry["usd_market_cap"].(float64); has {
			payload["market_cap"] = v
		}
		if v, has := entry["usd_24h_vol"].(float64); has {
			payload["volume_24h"] = v
		}
		if v, has := entry["usd_24h_change"].(float64); has {
			payload["change_24h"] = v
		}
		collectedAt := now
		if v, has := entry["last_updated_at"].(float64); has {
			payload["last_updated_at"] = int64(v)
			collectedAt = time.Unix(int64(v), 0).UTC()
		}

		records = append(records, domain.Record{
			Source:        SourceName,
			Symbol:        coinID,
			Class:         Class,
			Payload:       payload,
			CollectedAt:   collectedAt,
			SchemaVersion: domain.SchemaVersion,
		})
	}
	return records, nil
}
