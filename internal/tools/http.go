package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	maxResponseBytes   = 1024 * 1024 // 1MB
	defaultCallTimeout = 30 * time.Second
)

// HTTPCallInput is the input for the http_call facade.
type HTTPCallInput struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// HTTPCallOutput is the output for the http_call facade.
type HTTPCallOutput struct {
	StatusCode int    `json:"status_code"`
	Body       string `json:"body"`
	Truncated  bool   `json:"truncated"`
}

// allowURL enforces the scheme and host allowlist. Only http(s) is ever
// permitted; a non-empty AllowedHosts list restricts hosts further.
func (r *Registry) allowURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("http_call: parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("http_call: scheme %q not allowed", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("http_call: url %q has no host", raw)
	}
	if len(r.AllowedHosts) == 0 {
		return u, nil
	}
	host := strings.ToLower(u.Hostname())
	for _, allowed := range r.AllowedHosts {
		if host == strings.ToLower(allowed) {
			return u, nil
		}
	}
	return nil, fmt.Errorf("http_call: host %q not in allowlist", host)
}

// HTTPCall validates and performs an outbound HTTP request. Responses are
// capped at 1MB; anything beyond is truncated, not errored.
func (r *Registry) HTTPCall(ctx context.Context, raw json.RawMessage) (HTTPCallOutput, error) {
	var in HTTPCallInput
	if err := r.validate("http_call", raw, &in); err != nil {
		return HTTPCallOutput{}, err
	}
	if _, err := r.allowURL(in.URL); err != nil {
		return HTTPCallOutput{}, err
	}
	method := in.Method
	if method == "" {
		method = http.MethodGet
	}

	ctx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
	defer cancel()

	var body io.Reader
	if in.Body != "" {
		body = strings.NewReader(in.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, in.URL, body)
	if err != nil {
		return HTTPCallOutput{}, fmt.Errorf("http_call: %w", err)
	}
	for k, v := range in.Headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return HTTPCallOutput{}, fmt.Errorf("http_call: %w", err)
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, maxResponseBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return HTTPCallOutput{}, fmt.Errorf("http_call: read response: %w", err)
	}
	out := HTTPCallOutput{StatusCode: resp.StatusCode}
	if len(data) > maxResponseBytes {
		out.Body = string(data[:maxResponseBytes])
		out.Truncated = true
	} else {
		out.Body = string(data)
	}
	return out, nil
}
