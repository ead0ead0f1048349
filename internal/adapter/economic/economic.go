// Package economic implements the economic indicator source adapter.
package economic

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
const SourceName = "economic"

// Class is the entity class of records produced by this adapter.
const Class = "economic_indicator"

// indicatorResponse is the shape of the indicator feed: a flat list of
// published observations.
type indicatorResponse struct {
	Indicators []indicatorEntry `json:"indicators"`
}

type indicatorEntry struct {
	Indicator string  `json:"indicator"`
	Value     float64 `json:"value"`
	Unit      string  `json:"unit"`
	Country   string  `json:"country"`
	Frequency string  `json:"frequency"`
	Category  string  `json:"category"`
	Published string  `json:"published"`
}

// Adapter fetches economic indicator observations (rates, inflation,
// employment, GDP) from a JSON indicator feed.
type Adapter struct {
	baseURL    string
	apiKey     string
	indicators []string
	client     *adapter.Client
}

// New constructs the adapter. BaseURL is required: there is no public
// default feed for indicator data.
func New(opts adapter.Options) (adapter.Adapter, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("economic source requires base_url")
	}
	return &Adapter{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		apiKey:     opts.APIKey,
		indicators: opts.Symbols,
		client:     adapter.NewClient(SourceName, opts.Timeout),
	}, nil
}

func (a *Adapter) Source() string { return SourceName }
func (a *Adapter) Class() string  { return Class }

// Fetch requests the latest indicator observations.
func (a *Adapter) Fetch(ctx context.Context, id *proxy.Identity) (domain.RawPayload, error) {
	u := a.baseURL + "/indicators/latest"
	if a.apiKey != "" {
		u += "?api_key=" + a.apiKey
	}
	return a.client.Get(ctx, u, id)
}

// Parse decodes indicator observations, restricted to the configured
// indicator names when the job config sets any.
func (a *Adapter) Parse(raw domain.RawPayload) (domain.ParsedFields, error) {
	var body indicatorResponse
	if err := json.Unmarshal(raw.Body, &body); err != nil {
		return nil, &domain.ParseError{Source: SourceName, Reason: "malformed indicator response", Err: err}
	}
	if len(body.Indicators) == 0 {
		return nil, &domain.ParseError{Source: SourceName, Reason: "no indicators in response"}
	}

	wanted := make(map[string]bool, len(a.indicators))
	for _, name := range a.indicators {
		wanted[name] = true
	}

	fields := make(domain.ParsedFields, 0, len(body.Indicators))
	for _, e := range body.Indicators {
		if len(wanted) > 0 && !wanted[e.Indicator] {
			continue
		}
		fields = append(fields, map[string]any{
			"indicator": e.Indicator,
			"value":     e.Value,
			"unit":      e.Unit,
			"country":   e.Country,
			"frequency": e.Frequency,
			"category":  e.Category,
			"published": e.Published,
		})
	}
	if len(fields) == 0 {
		return nil, &domain.ParseError{Source: SourceName, Reason: "no tracked indicators in response"}
	}
	return fields, nil
}

// Normalize converts parsed observations into indicator records. The
// record symbol is country-qualified so the same indicator from two
// economies stays distinct.
func (a *Adapter) Normalize(fields domain.ParsedFields) ([]domain.Record, error) {
	now := time.Now().UTC()
	records := make([]domain.Record, 0, len(fields))

	for _, entry := range fields {
		name, _ := entry["indicator"].(string)
		if name == "" {
			return nil, &domain.ValidationError{Source: SourceName, Field: "indicator", Reason: "missing indicator name"}
		}
		if _, ok := entry["value"].(float64); !ok {
			return nil, &domain.ValidationError{
				Source: SourceName,
				Field:  "value",
				Reason: fmt.Sprintf("missing value for %s", name),
			}
		}

		country, _ := entry["country"].(string)
		symbol := name
		if country != "" {
			symbol = strings.ToLower(country) + "." + name
		}

		collectedAt := now
		if published, _ := entry["published"].(string); published != "" {
			if ts, err := time.Parse(time.RFC3339, published); err == nil {
				collectedAt = ts.UTC()
			}
		}

		records = append(records, domain.Record{
			Source: SourceName,
			Symbol: symbol,
			Class:  Class,
			Payload: map[string]any{
				"indicator": name,
				"value":     entry["value"],
				"unit":      entry["unit"],
				"country":   country,
				"frequency": entry["frequency"],
				"category":  entry["category"],
			},
			CollectedAt:   collectedAt,
			SchemaVersion: domain.SchemaVersion,
		})
	}
	return records, nil
}
