// Package proxy manages the pool of outbound network identities used by
// source adapters: checkout/release, rotation, health scoring, and
// quarantine of misbehaving proxies.
package proxy

import (
	"math/rand"
	"time"
)

// Identity is one proxy/header combination handed out for a single
// outbound request. Health fields are owned by the Manager and must only
// be mutated while holding its lock; callers treat a checked-out Identity
// as read-only.
type Identity struct {
	// ID is the stable identifier of the identity.
	ID string
	// ProxyURL is the transport descriptor ("http://host:port",
	// "socks5://host:port"). Empty means a direct connection.
	ProxyURL string
	// Headers is the header set sent with every request made through
	// this identity.
	Headers map[string]string

	// Health fields, Manager-owned.
	successRate      float64
	avgLatency       time.Duration
	consecutiveFails int
	quarantinedUntil time.Time
	quarantineCount  int
	inFlight         bool
	lastUsedAt       time.Time
	lastSuccessAt    time.Time
	totalSuccesses   int64
	totalFailures    int64
}

// Stats is a point-in-time snapshot of an identity's health.
type Stats struct {
	ID               string        `json:"id"`
	ProxyURL         string        `json:"proxy_url,omitempty"`
	SuccessRate      float64       `json:"success_rate"`
	AvgLatency       time.Duration `json:"avg_latency"`
	ConsecutiveFails int           `json:"consecutive_failures"`
	Quarantined      bool          `json:"quarantined"`
	QuarantinedUntil time.Time     `json:"quarantined_until,omitempty"`
	InFlight         bool          `json:"in_flight"`
	LastUsedAt       time.Time     `json:"last_used_at,omitempty"`
	LastSuccessAt    time.Time     `json:"last_success_at,omitempty"`
	TotalSuccesses   int64         `json:"total_successes"`
	TotalFailures    int64         `json:"total_failures"`
}

// Direct reports whether the identity connects without a proxy.
func (id *Identity) Direct() bool {
	return id.ProxyURL == ""
}

func (id *Identity) quarantined(now time.Time) bool {
	return now.Before(id.quarantinedUntil)
}

func (id *Identity) snapshot(now time.Time) Stats {
	return Stats{
		ID:               id.ID,
		ProxyURL:         id.ProxyURL,
		SuccessRate:      id.successRate,
		AvgLatency:       id.avgLatency,
		ConsecutiveFails: id.consecutiveFails,
		Quarantined:      id.quarantined(now),
		QuarantinedUntil: id.quarantinedUntil,
		InFlight:         id.inFlight,
		LastUsedAt:       id.lastUsedAt,
		LastSuccessAt:    id.lastSuccessAt,
		TotalSuccesses:   id.totalSuccesses,
		TotalFailures:    id.totalFailures,
	}
}

// userAgentPool holds realistic desktop and mobile user agents rotated
// into identities that do not declare their own.
var userAgentPool = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 17_2 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Mobile/15E148 Safari/604.1",
}

// StealthHeaders returns a realistic browser header set with a user agent
// drawn from the rotation pool.
func StealthHeaders(rng *rand.Rand) map[string]string {
	ua := userAgentPool[rng.Intn(len(userAgentPool))]
	return map[string]string{
		"User-Agent":                ua,
		"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
		"Accept-Language":           "en-US,en;q=0.5",
		"Accept-Encoding":           "gzip, deflate",
		"Connection":                "keep-alive",
		"Upgrade-Insecure-Requests": "1",
	}
}
