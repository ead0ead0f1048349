// Package quality scores normalized records and decides accept/reject.
// Scoring runs before publish, so a record missing required data never
// reaches a queue consumer.
package quality

import (
	"fmt"
	"sort"
	"time"

	"github.com/wizdata/scraperd/internal/domain"
	"github.com/wizdata/scraperd/internal/logger"
)

// Default scoring parameters, used where source rules leave them unset.
const (
	DefaultAcceptThreshold    = 0.7
	DefaultCompletenessFloor  = 0.5
	DefaultStalenessThreshold = 5 * time.Minute
)

// FieldRule declares the expected shape of one payload field.
type FieldRule struct {
	// Type restricts the field's value kind: "number", "string" or
	// "bool". Empty accepts any kind.
	Type string `mapstructure:"type" yaml:"type"`
	// Positive requires a numeric value strictly greater than zero.
	Positive bool `mapstructure:"positive" yaml:"positive"`
	// Min and Max bound numeric values inclusively when set.
	Min *float64 `mapstructure:"min" yaml:"min"`
	Max *float64 `mapstructure:"max" yaml:"max"`
}

// Weights splits the composite across the three dimensions. Zero-value
// weights mean equal thirds.
type Weights struct {
	Completeness float64 `mapstructure:"completeness" yaml:"completeness"`
	Freshness    float64 `mapstructure:"freshness" yaml:"freshness"`
	Consistency  float64 `mapstructure:"consistency" yaml:"consistency"`
}

func (w Weights) normalized() Weights {
	total := w.Completeness + w.Freshness + w.Consistency
	if total <= 0 {
		third := 1.0 / 3.0
		return Weights{Completeness: third, Freshness: third, Consistency: third}
	}
	return Weights{
		Completeness: w.Completeness / total,
		Freshness:    w.Freshness / total,
		Consistency:  w.Consistency / total,
	}
}

// Rules is the per-source scoring policy.
type Rules struct {
	// RequiredFields must all be present in the payload for full
	// completeness.
	RequiredFields []string `mapstructure:"required_fields" yaml:"required_fields"`
	// FieldRules maps payload field names to shape checks.
	FieldRules map[string]FieldRule `mapstructure:"field_rules" yaml:"field_rules"`
	// StalenessThreshold is the age at which freshness reaches zero.
	StalenessThreshold time.Duration `mapstructure:"staleness_threshold" yaml:"staleness_threshold"`
	// AcceptThreshold is the minimum composite for acceptance.
	AcceptThreshold float64 `mapstructure:"accept_threshold" yaml:"accept_threshold"`
	// CompletenessFloor rejects outright when completeness falls below
	// it, regardless of the other dimensions.
	CompletenessFloor float64 `mapstructure:"completeness_floor" yaml:"completeness_floor"`
	// Weights splits the composite. Unset means equal thirds.
	Weights Weights `mapstructure:"weights" yaml:"weights"`
}

func (r Rules) withDefaults() Rules {
	if r.StalenessThreshold <= 0 {
		r.StalenessThreshold = DefaultStalenessThreshold
	}
	if r.AcceptThreshold <= 0 {
		r.AcceptThreshold = DefaultAcceptThreshold
	}
	if r.CompletenessFloor <= 0 {
		r.CompletenessFloor = DefaultCompletenessFloor
	}
	return r
}

// Gate evaluates records against per-source rules. The clock is injected
// so Evaluate stays a pure function of the record and construction-time
// state.
type Gate struct {
	rules    map[string]Rules
	fallback Rules
	now      func() time.Time
	log      logger.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock replaces the gate's clock.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// NewGate creates a Gate from per-source rules. Sources without an entry
// are scored with default rules and no field checks.
func NewGate(rules map[string]Rules, log logger.Logger, opts ...Option) *Gate {
	withDefaults := make(map[string]Rules, len(rules))
	for source, r := range rules {
		withDefaults[source] = r.withDefaults()
	}
	g := &Gate{
		rules:    withDefaults,
		fallback: Rules{}.withDefaults(),
		now:      time.Now,
		log:      log,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RulesFor returns the effective rules for a source.
func (g *Gate) RulesFor(source string) Rules {
	if r, ok := g.rules[source]; ok {
		return r
	}
	return g.fallback
}

// Evaluate scores one record. Checks run in order: required-field
// presence, then per-field shape, then freshness. The record itself is
// never mutated.
func (g *Gate) Evaluate(rec domain.Record) domain.QualityScore {
	rules := g.RulesFor(rec.Source)
	var reasons []string

	completeness, missing := g.completeness(rec, rules)
	reasons = append(reasons, missing...)

	if completeness < rules.CompletenessFloor {
		// Below the floor nothing else can save the record.
		score := domain.QualityScore{
			Completeness: completeness,
			Accepted:     false,
			Reasons:      append(reasons, fmt.Sprintf("completeness %.2f below floor %.2f", completeness, rules.CompletenessFloor)),
		}
		g.logRejection(rec, score)
		return score
	}

	consistency, violations := g.consistency(rec, rules)
	reasons = append(reasons, violations...)

	freshness := g.freshness(rec, rules)
	if freshness == 0 {
		reasons = append(reasons, fmt.Sprintf("record older than staleness threshold %s", rules.StalenessThreshold))
	}

	w := rules.Weights.normalized()
	composite := w.Completeness*completeness + w.Freshness*freshness + w.Consistency*consistency
	accepted := composite >= rules.AcceptThreshold

	score := domain.QualityScore{
		Completeness: completeness,
		Freshness:    freshness,
		Consistency:  consistency,
		Composite:    composite,
		Accepted:     accepted,
		Reasons:      reasons,
	}
	if !accepted {
		g.logRejection(rec, score)
	}
	return score
}

// completeness is the fraction of required fields present.
func (g *Gate) completeness(rec domain.Record, rules Rules) (float64, []string) {
	if len(rules.RequiredFields) == 0 {
		return 1.0, nil
	}

	present := 0
	var missing []string
	for _, field := range rules.RequiredFields {
		if _, ok := rec.Payload[field]; ok {
			present++
			continue
		}
		missing = append(missing, "missing required field "+field)
	}
	return float64(present) / float64(len(rules.RequiredFields)), missing
}

// consistency is the fraction of ruled, present fields whose value
// passes its shape check. Absent ruled fields are completeness's
// concern and are skipped here.
func (g *Gate) consistency(rec domain.Record, rules Rules) (float64, []string) {
	if len(rules.FieldRules) == 0 {
		return 1.0, nil
	}

	fields := make([]string, 0, len(rules.FieldRules))
	for field := range rules.FieldRules {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	checked, passed := 0, 0
	var violations []string
	for _, field := range fields {
		value, ok := rec.Payload[field]
		if !ok {
			continue
		}
		checked++
		if reason := checkField(field, value, rules.FieldRules[field]); reason != "" {
			violations = append(violations, reason)
			continue
		}
		passed++
	}
	if checked == 0 {
		return 1.0, nil
	}
	return float64(passed) / float64(checked), violations
}

// freshness decays linearly with age and clamps to [0, 1].
func (g *Gate) freshness(rec domain.Record, rules Rules) float64 {
	age := g.now().Sub(rec.CollectedAt)
	if age <= 0 {
		return 1.0
	}
	fresh := 1.0 - float64(age)/float64(rules.StalenessThreshold)
	if fresh < 0 {
		return 0.0
	}
	return fresh
}

func checkField(field string, value any, rule FieldRule) string {
	num, isNum := asNumber(value)

	switch rule.Type {
	case "number":
		if !isNum {
			return fmt.Sprintf("field %s is not numeric", field)
		}
	case "string":
		if _, ok := value.(string); !ok {
			return fmt.Sprintf("field %s is not a string", field)
		}
	case "bool":
		if _, ok := value.(bool); !ok {
			return fmt.Sprintf("field %s is not a bool", field)
		}
	}

	if rule.Positive {
		if !isNum || num <= 0 {
			return fmt.Sprintf("field %s must be positive", field)
		}
	}
	if rule.Min != nil {
		if !isNum || num < *rule.Min {
			return fmt.Sprintf("field %s below minimum %g", field, *rule.Min)
		}
	}
	if rule.Max != nil {
		if !isNum || num > *rule.Max {
			return fmt.Sprintf("field %s above maximum %g", field, *rule.Max)
		}
	}
	return ""
}

func asNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func (g *Gate) logRejection(rec domain.Record, score domain.QualityScore) {
	g.log.Debug("record rejected by quality gate",
		logger.String("source", rec.Source),
		logger.String("symbol", rec.Symbol),
		logger.Float64("composite", score.Composite),
		logger.Strings("reasons", score.Reasons),
	)
}
