package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Prober checks whether an identity's transport is usable again.
type Prober interface {
	Probe(ctx context.Context, id *Identity) error
}

// ProbeFunc adapts a function to the Prober interface.
type ProbeFunc func(ctx context.Context, id *Identity) error

// Probe calls f.
func (f ProbeFunc) Probe(ctx context.Context, id *Identity) error {
	return f(ctx, id)
}

// httpProber issues a lightweight GET through the identity's transport.
type httpProber struct {
	probeURL string
	timeout  time.Duration
}

// NewHTTPProber returns a Prober that fetches probeURL through the
// identity's proxy with its header set.
func NewHTTPProber(probeURL string, timeout time.Duration) Prober {
	return &httpProber{probeURL: probeURL, timeout: timeout}
}

func (p *httpProber) Probe(ctx context.Context, id *Identity) error {
	transport := &http.Transport{}
	if !id.Direct() {
		proxyURL, err := url.Parse(id.ProxyURL)
		if err != nil {
			return fmt.Errorf("invalid proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	client := &http.Client{Transport: transport, Timeout: p.timeout}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.probeURL, nil)
	if err != nil {
		return err
	}
	for k, v := range id.Headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	return nil
}
