package transport

import (
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// RemoteConfig is the resolved shape Connect needs for a remote server
// (spec §4.3). RoundTripper, when set, is the OAuth provider's
// token-injecting transport (spec §4.4 "each outbound request has
// Authorization: Bearer <access> appended").
type RemoteConfig struct {
	URL           string
	Headers       map[string]string
	RoundTripper  http.RoundTripper
}

// headerRoundTripper applies the resolved, static headers on every
// request before deferring to the wrapped transport (typically the
// OAuth provider's bearer-token round tripper, or http.DefaultTransport
// when the server needs no auth).
type headerRoundTripper struct {
	headers map[string]string
	next    http.RoundTripper
}

func (h *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}
	next := h.next
	if next == nil {
		next = http.DefaultTransport
	}
	return next.RoundTrip(req)
}

func (c RemoteConfig) httpClient() *http.Client {
	return &http.Client{Transport: &headerRoundTripper{headers: c.Headers, next: c.RoundTripper}}
}

// NewStreamingHTTP builds the primary remote transport flavor: a single
// long-lived streaming-HTTP session (spec §4.3).
func NewStreamingHTTP(cfg RemoteConfig) Handle {
	st := &mcp.StreamableClientTransport{
		Endpoint:   cfg.URL,
		HTTPClient: cfg.httpClient(),
	}
	return Handle{
		MCP:   st,
		Close: func() error { return nil },
	}
}

// NewSSE builds the legacy server-sent-events fallback transport,
// selected when streaming HTTP fails with a non-authorization error
// (spec §4.3, §4.5 step 2).
func NewSSE(cfg RemoteConfig) Handle {
	st := &mcp.SSEClientTransport{
		Endpoint:   cfg.URL,
		HTTPClient: cfg.httpClient(),
	}
	return Handle{
		MCP:   st,
		Close: func() error { return nil },
	}
}
