package relay

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/allaspectsdev/streamgate/internal/protocol"
	"github.com/allaspectsdev/streamgate/internal/tracing"
	"github.com/allaspectsdev/streamgate/internal/vault"
)

// UpstreamClient issues requests to the upstream LLM APIs. It holds one
// shared transport with a connection pool; streaming calls use a variant
// client without a total timeout so long-lived streams are not cut short
// (the engine bounds each attempt with its own context deadline).
type UpstreamClient struct {
	client       *http.Client
	streamClient *http.Client
	vault        *vault.Vault
}

// NewUpstreamClient creates an UpstreamClient. connectTimeout governs each
// dial; requestTimeout caps non-streaming calls end-to-end. v may be nil
// when no key vault is in use.
func NewUpstreamClient(connectTimeout, requestTimeout time.Duration, v *vault.Vault) *UpstreamClient {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return &UpstreamClient{
		client: &http.Client{
			Transport: transport,
			Timeout:   requestTimeout,
		},
		streamClient: &http.Client{
			Transport: transport,
			// No total timeout for streaming.
		},
		vault: v,
	}
}

// Do sends a POST to the upstream with the prepared headers and body. The
// caller is responsible for closing the response body. Trace context is
// injected into the outgoing headers.
func (u *UpstreamClient) Do(ctx context.Context, upstreamURL string, hdr http.Header, body []byte, streaming bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, upstreamURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating upstream request: %w", err)
	}

	req.Header = hdr.Clone()
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	tracing.InjectHeaders(ctx, req)

	client := u.client
	if streaming {
		client = u.streamClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("forwarding to upstream %s: %w", upstreamURL, err)
	}
	return resp, nil
}

// EnsureCredentials injects a vault-held API key for the protocol when the
// inbound request carries no credential of its own. Client-supplied
// credentials always pass through untouched.
func (u *UpstreamClient) EnsureCredentials(hdr http.Header, query url.Values, p protocol.Protocol) {
	if u.vault == nil {
		return
	}
	if hdr.Get("Authorization") != "" || hdr.Get("X-Api-Key") != "" ||
		hdr.Get("X-Goog-Api-Key") != "" || query.Get("key") != "" {
		return
	}

	key, err := u.vault.Get(string(p))
	if err != nil || key == "" {
		return
	}

	switch p {
	case protocol.OpenAI:
		hdr.Set("Authorization", "Bearer "+key)
	case protocol.Claude:
		hdr.Set("x-api-key", key)
		if hdr.Get("Anthropic-Version") == "" {
			hdr.Set("anthropic-version", "2023-06-01")
		}
	case protocol.Gemini:
		hdr.Set("x-goog-api-key", key)
	}
}
