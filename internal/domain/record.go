// Package domain provides the data model shared across scraperd components.
package domain

import (
	"fmt"
	"time"
)

// SchemaVersion is the current wire schema version for scraped records.
const SchemaVersion = 1

// RawPayload is the unparsed response from a single source fetch.
type RawPayload struct {
	// Body is the raw response body.
	Body []byte `json:"body"`
	// ContentType is the response content type, when known.
	ContentType string `json:"content_type,omitempty"`
	// SourceURL is the URL the payload was fetched from.
	SourceURL string `json:"source_url"`
	// StatusCode is the HTTP status of the fetch.
	StatusCode int `json:"status_code"`
	// FetchedAt is when the fetch completed.
	FetchedAt time.Time `json:"fetched_at"`
}

// ParsedFields is the intermediate output of an adapter's parse stage:
// one field map per prospective record.
type ParsedFields []map[string]any

// Record is one normalized unit of acquired data. It is immutable once
// constructed; quality scoring attaches a separate QualityScore rather
// than mutating payload fields.
type Record struct {
	// Source is the name of the external provider the record came from.
	Source string `json:"source"`
	// Symbol is the entity key (e.g. "bitcoin", "USD/ZAR").
	Symbol string `json:"symbol"`
	// Class is the entity class (e.g. "crypto_price", "news_article").
	Class string `json:"class"`
	// Payload maps field names to typed values.
	Payload map[string]any `json:"payload"`
	// CollectedAt is the collection timestamp.
	CollectedAt time.Time `json:"collected_at"`
	// SchemaVersion identifies the payload layout.
	SchemaVersion int `json:"schema_version"`
}

// Key returns a stable identity for the record, used as the message key
// when publishing.
func (r Record) Key() string {
	return fmt.Sprintf("%s:%s:%s:%s", r.Source, r.Class, r.Symbol, r.CollectedAt.UTC().Format(time.RFC3339Nano))
}

// Field returns a payload field and whether it is present.
func (r Record) Field(name string) (any, bool) {
	v, ok := r.Payload[name]
	return v, ok
}

// ClonePayload returns a copy of the payload map. Consumers that need to
// derive new data work on the copy; the record itself is never mutated.
func (r Record) ClonePayload() map[string]any {
	out := make(map[string]any, len(r.Payload))
	for k, v := range r.Payload {
		out[k] = v
	}
	return out
}

// QualityScore is the composite 0-1 trust metric attached to a record.
// Computed once per record and never mutated after.
type QualityScore struct {
	// Completeness is the fraction of required fields present.
	Completeness float64 `json:"completeness"`
	// Freshness decays with age relative to the source staleness threshold.
	Freshness float64 `json:"freshness"`
	// Consistency measures agreement with declared value ranges and types.
	Consistency float64 `json:"consistency"`
	// Composite is the weighted combination of the three dimensions.
	Composite float64 `json:"composite"`
	// Accepted is true when Composite meets the source threshold.
	Accepted bool `json:"accepted"`
	// Reasons lists the rule violations behind a rejection, for operators.
	Reasons []string `json:"reasons,omitempty"`
}
