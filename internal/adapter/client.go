package adapter

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/wizdata/scraperd/internal/domain"
	"github.com/wizdata/scraperd/internal/proxy"
)

// DefaultFetchTimeout bounds a single fetch when the source config does
// not set one.
const DefaultFetchTimeout = 30 * time.Second

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 8 << 20

// Client performs HTTP fetches through a proxy identity and classifies
// transport failures into the scrape error taxonomy. All adapters share
// this construction so identity handling stays in one place.
type Client struct {
	source  string
	timeout time.Duration
}

// NewClient creates a fetch client for a source.
func NewClient(source string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	return &Client{source: source, timeout: timeout}
}

// Get fetches rawURL through the identity's transport with its header set.
func (c *Client) Get(ctx context.Context, rawURL string, id *proxy.Identity) (domain.RawPayload, error) {
	transport := &http.Transport{}
	if id != nil && !id.Direct() {
		proxyURL, err := url.Parse(id.ProxyURL)
		if err != nil {
			return domain.RawPayload{}, &domain.TransientNetworkError{
				Source: c.source,
				Err:    fmt.Errorf("invalid proxy url: %w", err),
			}
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	client := &http.Client{Transport: transport, Timeout: c.timeout}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return domain.RawPayload{}, fmt.Errorf("build request: %w", err)
	}
	if id != nil {
		for k, v := range id.Headers {
			req.Header.Set(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return domain.RawPayload{}, &domain.TransientNetworkError{Source: c.source, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return domain.RawPayload{}, &domain.RateLimitError{
			Source:     c.source,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Err:        fmt.Errorf("status %d from %s", resp.StatusCode, rawURL),
		}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		// Blocks and upstream errors alike: worth retrying through a
		// different identity.
		return domain.RawPayload{}, &domain.TransientNetworkError{
			Source: c.source,
			Err:    fmt.Errorf("status %d from %s", resp.StatusCode, rawURL),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return domain.RawPayload{}, &domain.TransientNetworkError{Source: c.source, Err: err}
	}

	return domain.RawPayload{
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		SourceURL:   rawURL,
		StatusCode:  resp.StatusCode,
		FetchedAt:   time.Now().UTC(),
	}, nil
}

// parseRetryAfter handles the delay-seconds form of the Retry-After
// header. The HTTP-date form is rare on scraped APIs and falls back to
// zero, meaning no advertised delay.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	secs, err := strconv.Atoi(value)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
