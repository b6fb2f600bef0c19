package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPProvider is a generic JSON-over-HTTP capability adapter: POST the
// request body, decode the response body. Narration, render, upload and
// analytics services all speak this shape, so each is an instantiation
// rather than a bespoke client.
type HTTPProvider[Req, Resp any] struct {
	name   string
	url    string
	apiKey string
	client *http.Client
}

// HTTPConfig configures one remote capability endpoint.
type HTTPConfig struct {
	Name    string
	URL     string
	APIKey  string
	Timeout time.Duration
}

// NewHTTPProvider builds an adapter for the endpoint.
func NewHTTPProvider[Req, Resp any](cfg HTTPConfig) *HTTPProvider[Req, Resp] {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPProvider[Req, Resp]{
		name:   cfg.Name,
		url:    cfg.URL,
		apiKey: cfg.APIKey,
		client: &http.Client{Timeout: timeout},
	}
}

// Name implements the provider contract.
func (p *HTTPProvider[Req, Resp]) Name() string { return p.name }

// Call posts the request as JSON and decodes the JSON response.
func (p *HTTPProvider[Req, Resp]) Call(ctx context.Context, req Req) (Resp, error) {
	var zero Resp

	body, err := json.Marshal(req)
	if err != nil {
		return zero, fmt.Errorf("%s: encode request: %w", p.name, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return zero, fmt.Errorf("%s: build request: %w", p.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return zero, fmt.Errorf("%s: %w", p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return zero, fmt.Errorf("%s: unexpected status %d: %s", p.name, resp.StatusCode, string(snippet))
	}

	var out Resp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return zero, fmt.Errorf("%s: decode response: %w", p.name, err)
	}
	return out, nil
}
