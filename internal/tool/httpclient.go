package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"toolgate/internal/domain"
)

const (
	userAgentString = "Mozilla/5.0 (compatible; toolgate/1.0)"
	maxProviderBody = 4 << 20 // 4MB
)

// SharedHTTPClient returns an HTTP client with connection pooling for
// provider calls. The client-level timeout is a backstop; adapters are
// bounded by the dispatcher's per-call context.
func SharedHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// classifyTransport maps a failure to reach provider into a ToolError.
func classifyTransport(provider string, err error) *domain.ToolError {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return domain.Unavailable(provider+" did not respond in time", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.Unavailable(provider+" did not respond in time", err)
	}
	return domain.Unavailable(provider+" could not be reached", err)
}

// classifyStatus maps a non-2xx provider status into a ToolError. Rate
// limiting and server errors mean the provider is unavailable right now;
// anything else is a provider-side error.
func classifyStatus(provider string, status int, body []byte) *domain.ToolError {
	cause := fmt.Errorf("HTTP %d: %s", status, truncate(string(body), 512))
	switch {
	case status == http.StatusTooManyRequests:
		return domain.Unavailable(provider+" is rate limiting requests", cause)
	case status >= 500:
		return domain.Unavailable(fmt.Sprintf("%s is unavailable (HTTP %d)", provider, status), cause)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.UpstreamError(provider+" rejected the configured credentials", cause)
	case status == http.StatusNotFound:
		return domain.UpstreamError(provider+" has no data for this request", cause)
	default:
		return domain.UpstreamError(fmt.Sprintf("%s returned an error (HTTP %d)", provider, status), cause)
	}
}

// fetch performs req and returns the body of a 2xx response. Every other
// outcome is classified.
func fetch(client *http.Client, req *http.Request, provider string) ([]byte, error) {
	return fetchLimited(client, req, provider, maxProviderBody)
}

func fetchLimited(client *http.Client, req *http.Request, provider string, limit int64) ([]byte, error) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", userAgentString)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, classifyTransport(provider, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, classifyTransport(provider, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, classifyStatus(provider, resp.StatusCode, body)
	}
	return body, nil
}

// fetchJSON is fetch followed by decoding into out. Undecodable bodies are
// upstream errors.
func fetchJSON(client *http.Client, req *http.Request, provider string, out any) error {
	req.Header.Set("Accept", "application/json")
	body, err := fetch(client, req, provider)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return domain.UpstreamError(provider+" returned a malformed response", err)
	}
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
