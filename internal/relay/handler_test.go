package relay

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/allaspectsdev/streamgate/internal/config"
	"github.com/allaspectsdev/streamgate/internal/metrics"
	"github.com/allaspectsdev/streamgate/internal/realip"
	"github.com/allaspectsdev/streamgate/internal/store"
	"github.com/allaspectsdev/streamgate/internal/testutil"
)

// capturedRequest is what the fake upstream observed.
type capturedRequest struct {
	Path   string
	Query  string
	Header http.Header
	Body   []byte
}

// testRelay wires a full relay server in front of a scripted upstream.
type testRelay struct {
	relay    *httptest.Server
	upstream *httptest.Server
	store    *store.Store

	mu       sync.Mutex
	captured []capturedRequest
}

func newTestRelay(t *testing.T, upstreamFn func(w http.ResponseWriter, r *http.Request), mutate func(*config.Config)) *testRelay {
	t.Helper()

	tr := &testRelay{}

	tr.upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		tr.mu.Lock()
		tr.captured = append(tr.captured, capturedRequest{
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Header: r.Header.Clone(),
			Body:   body,
		})
		tr.mu.Unlock()
		upstreamFn(w, r)
	}))
	t.Cleanup(tr.upstream.Close)

	cfg := testutil.NewTestConfig(t)
	cfg.Upstream.OpenAIBaseURL = tr.upstream.URL
	cfg.Upstream.GeminiBaseURL = tr.upstream.URL
	cfg.Upstream.ClaudeBaseURL = tr.upstream.URL
	if mutate != nil {
		mutate(cfg)
	}

	trusted, err := realip.ParseCIDRs(cfg.Proxy.TrustedCIDRs)
	if err != nil {
		t.Fatalf("ParseCIDRs: %v", err)
	}

	client := NewUpstreamClient(time.Second, 0, nil)
	collector := metrics.NewCollector()
	engine := NewEngine(EngineConfig{
		MaxAttempts: cfg.AntiTruncation.MaxAttempts,
		DoneMarker:  cfg.AntiTruncation.DoneMarker,
	}, client, collector)

	tr.store = testutil.NewTestStore(t)

	handler := NewHandler(HandlerOptions{
		Config:    cfg,
		Client:    client,
		Engine:    engine,
		Logger:    zerolog.Nop(),
		Collector: collector,
		Store:     tr.store,
		Trusted:   trusted,
	})

	srv := NewServer(handler, collector, ":0", 0, 0, 0, false)
	tr.relay = httptest.NewServer(srv.Router())
	t.Cleanup(tr.relay.Close)

	return tr
}

func (tr *testRelay) lastCaptured(t *testing.T) capturedRequest {
	t.Helper()
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.captured) == 0 {
		t.Fatal("upstream saw no request")
	}
	return tr.captured[len(tr.captured)-1]
}

func (tr *testRelay) upstreamCount() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.captured)
}

func TestHandleHealth(t *testing.T) {
	tr := newTestRelay(t, func(w http.ResponseWriter, r *http.Request) {}, nil)

	resp, err := http.Get(tr.relay.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status: got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "ok") {
		t.Errorf("body: %q", body)
	}
	if tr.upstreamCount() != 0 {
		t.Error("health must not touch the upstream")
	}
}

func TestPassThroughNonStreaming(t *testing.T) {
	upstreamBody := `{"id":"chatcmpl-1","choices":[{"message":{"content":"hi"}}]}`
	tr := newTestRelay(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Upstream-Tag", "v1")
		fmt.Fprint(w, upstreamBody)
	}, nil)

	resp, err := http.Post(tr.relay.URL+"/v1/chat/completions", "application/json",
		strings.NewReader(`{"model":"gpt-4o","messages":[{"role":"user","content":"q"}]}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != upstreamBody {
		t.Errorf("pass-through fidelity violated:\ngot  %q\nwant %q", body, upstreamBody)
	}
	if resp.Header.Get("X-Upstream-Tag") != "v1" {
		t.Error("upstream header lost")
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Error("X-Request-Id missing")
	}
	if resp.Header.Get("X-Anti-Truncation") != "" {
		t.Error("engine header must be absent on plain pass-through")
	}

	// The relayed request body is untouched.
	captured := tr.lastCaptured(t)
	if gjson.GetBytes(captured.Body, "messages.0.content").String() != "q" {
		t.Errorf("request body modified: %s", captured.Body)
	}
	if gjson.GetBytes(captured.Body, "messages.#").Int() != 1 {
		t.Errorf("no injection expected: %s", captured.Body)
	}

	// A history row was written for the request.
	rec, err := tr.store.GetRequest(resp.Header.Get("X-Request-Id"))
	if err != nil {
		t.Fatalf("history row: %v", err)
	}
	if rec.Protocol != "openai" || rec.StatusCode != http.StatusOK || rec.AntiTruncation {
		t.Errorf("history row fields: %+v", rec)
	}
}

func TestTriggerIgnoredOnNonStreaming(t *testing.T) {
	tr := newTestRelay(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	}, nil)

	req, _ := http.NewRequest(http.MethodPost, tr.relay.URL+"/v1/chat/completions",
		strings.NewReader(`{"model":"gpt-4o","stream":false,"messages":[]}`))
	req.Header.Set("X-Anti-Truncation", "true")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("X-Anti-Truncation-Ignored"); got != "non-streaming" {
		t.Errorf("X-Anti-Truncation-Ignored: got %q", got)
	}
	// The request passed through untouched: no system message injected.
	captured := tr.lastCaptured(t)
	if gjson.GetBytes(captured.Body, "messages.#").Int() != 0 {
		t.Errorf("marker must not be injected on ignored requests: %s", captured.Body)
	}
}

func TestOversizedBodyRejected(t *testing.T) {
	tr := newTestRelay(t, func(w http.ResponseWriter, r *http.Request) {}, nil)

	big := strings.Repeat("x", int(10<<20)+64)
	resp, err := http.Post(tr.relay.URL+"/v1/messages", "application/json", strings.NewReader(big))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("status: got %d, want 413", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if gjson.GetBytes(body, "error.kind").String() != "body_too_large" {
		t.Errorf("error envelope: %s", body)
	}
	if gjson.GetBytes(body, "error.request_id").String() == "" {
		t.Errorf("request id missing from envelope: %s", body)
	}
	if tr.upstreamCount() != 0 {
		t.Error("oversized request must not reach the upstream")
	}
}

func TestGeminiUnknownAction(t *testing.T) {
	tr := newTestRelay(t, func(w http.ResponseWriter, r *http.Request) {}, nil)

	resp, err := http.Post(tr.relay.URL+"/v1/models/gemini-2.0-flash:countTokens", "application/json",
		strings.NewReader(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status: got %d, want 404", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if gjson.GetBytes(body, "error.kind").String() != "unknown_route" {
		t.Errorf("error envelope: %s", body)
	}
}

func TestEngineEndToEndOverRouter(t *testing.T) {
	tr := newTestRelay(t, func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w,
			openAIDelta("Hello "),
			openAIDelta("world [done]"),
			"data: [DONE]\n\n",
		)
	}, nil)

	req, _ := http.NewRequest(http.MethodPost, tr.relay.URL+"/v1/chat/completions",
		strings.NewReader(`{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"q"}]}`))
	req.Header.Set("X-Anti-Truncation", "true")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("X-Anti-Truncation"); got != "enabled" {
		t.Errorf("X-Anti-Truncation: got %q", got)
	}

	body, _ := io.ReadAll(resp.Body)
	if strings.Contains(string(body), "[done]") {
		t.Errorf("marker leaked:\n%s", body)
	}
	if !strings.Contains(string(body), `"Hello "`) || !strings.Contains(string(body), `"world "`) {
		t.Errorf("content frames missing:\n%s", body)
	}

	// The marker instruction was injected into the upstream request.
	captured := tr.lastCaptured(t)
	sys := gjson.GetBytes(captured.Body, "messages.0")
	if sys.Get("role").String() != "system" || !strings.Contains(sys.Get("content").String(), "[done]") {
		t.Errorf("marker instruction not injected: %s", captured.Body)
	}
}

func TestGeminiPrefixStrippedFromUpstreamPath(t *testing.T) {
	tr := newTestRelay(t, func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w, `data: {"candidates":[{"content":{"parts":[{"text":"hi [done]"}]}}]}`+"\n\n")
	}, nil)

	url := tr.relay.URL + "/v1beta/models/" + "流式抗截断/gemini-2.0-flash" + ":streamGenerateContent?alt=sse"
	resp, err := http.Post(url, "application/json", strings.NewReader(`{"contents":[{"role":"user","parts":[{"text":"q"}]}]}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("X-Anti-Truncation"); got != "enabled" {
		t.Errorf("prefix trigger should enable the engine, got %q", got)
	}

	captured := tr.lastCaptured(t)
	if !strings.HasSuffix(captured.Path, "/v1beta/models/gemini-2.0-flash:streamGenerateContent") {
		t.Errorf("prefix not stripped from upstream path: %s", captured.Path)
	}
	if captured.Query != "alt=sse" {
		t.Errorf("query string not copied: %q", captured.Query)
	}
	if !gjson.GetBytes(captured.Body, "systemInstruction").Exists() {
		t.Errorf("marker instruction not injected: %s", captured.Body)
	}
}

func TestUpstreamForwardingHeaders(t *testing.T) {
	tr := newTestRelay(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	}, nil)

	req, _ := http.NewRequest(http.MethodPost, tr.relay.URL+"/v1/chat/completions",
		strings.NewReader(`{"model":"gpt-4o","messages":[]}`))
	// The test client connects from 127.0.0.1, which is in the default
	// trusted set, so the spoof-style header is honoured.
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	req.Header.Set("Connection", "keep-alive")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	captured := tr.lastCaptured(t)
	if got := captured.Header.Get("X-Real-IP"); got != "203.0.113.9" {
		t.Errorf("X-Real-IP: got %q", got)
	}
	xff := captured.Header.Get("X-Forwarded-For")
	if !strings.HasPrefix(xff, "203.0.113.9, 127.0.0.1") {
		t.Errorf("X-Forwarded-For: got %q", xff)
	}
	if captured.Header.Get("Keep-Alive") != "" {
		t.Error("hop-by-hop header reached the upstream")
	}
	if captured.Header.Get("Forwarded") == "" {
		t.Error("Forwarded element missing")
	}
}

func TestUntrustedPeerHeadersNotHonoured(t *testing.T) {
	tr := newTestRelay(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	}, func(cfg *config.Config) {
		// Only 192.0.2.0/24 is trusted: the loopback test client becomes
		// an untrusted peer.
		cfg.Proxy.TrustedCIDRs = []string{"192.0.2.0/24"}
	})

	req, _ := http.NewRequest(http.MethodPost, tr.relay.URL+"/v1/chat/completions",
		strings.NewReader(`{"model":"gpt-4o","messages":[]}`))
	req.Header.Set("X-Forwarded-For", "203.0.113.9")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	captured := tr.lastCaptured(t)
	if got := captured.Header.Get("X-Real-IP"); got != "127.0.0.1" {
		t.Errorf("untrusted peer must be attributed itself, got %q", got)
	}
}

func TestUpstreamErrorReturns502(t *testing.T) {
	tr := newTestRelay(t, func(w http.ResponseWriter, r *http.Request) {}, func(cfg *config.Config) {
		cfg.Upstream.OpenAIBaseURL = "http://127.0.0.1:1"
	})

	resp, err := http.Post(tr.relay.URL+"/v1/chat/completions", "application/json",
		strings.NewReader(`{"model":"gpt-4o","messages":[]}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status: got %d, want 502", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if gjson.GetBytes(body, "error.kind").String() != "upstream_error" {
		t.Errorf("error envelope: %s", body)
	}
}

func TestMalformedJSONOnEnginePath(t *testing.T) {
	tr := newTestRelay(t, func(w http.ResponseWriter, r *http.Request) {}, nil)

	req, _ := http.NewRequest(http.MethodPost, tr.relay.URL+"/v1/messages",
		strings.NewReader(`{"stream": true, broken`))
	req.Header.Set("X-Anti-Truncation", "true")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if gjson.GetBytes(body, "error.kind").String() != "malformed_json" {
		t.Errorf("error envelope: %s", body)
	}
	if tr.upstreamCount() != 0 {
		t.Error("malformed request must not reach the upstream")
	}
}

func TestUpstreamNon2xxForwardedVerbatim(t *testing.T) {
	tr := newTestRelay(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key"}}`)
	}, nil)

	req, _ := http.NewRequest(http.MethodPost, tr.relay.URL+"/v1/chat/completions",
		strings.NewReader(`{"model":"gpt-4o","stream":true,"messages":[]}`))
	req.Header.Set("X-Anti-Truncation", "true")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status: got %d, want 401", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "bad key") {
		t.Errorf("upstream error body must pass through verbatim: %s", body)
	}
	if resp.Header.Get("X-Anti-Truncation") == "enabled" {
		t.Error("engine must not activate on non-2xx upstream response")
	}
	if tr.upstreamCount() != 1 {
		t.Errorf("no retry on non-2xx: got %d upstream requests", tr.upstreamCount())
	}
}

func TestPassThroughStreamingFidelity(t *testing.T) {
	frames := testutil.SSEBody("one", "two") + ": comment\n\ndata: [DONE]\n\n"
	tr := newTestRelay(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, frames)
	}, nil)

	// Streaming request without any trigger: plain pass-through.
	resp, err := http.Post(tr.relay.URL+"/v1/chat/completions", "application/json",
		strings.NewReader(`{"model":"gpt-4o","stream":true,"messages":[]}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != frames {
		t.Errorf("streaming pass-through must be byte-exact:\ngot  %q\nwant %q", body, frames)
	}
}

func TestClaudePassThroughStreaming(t *testing.T) {
	frames := testutil.ClaudeSSEBody(
		[2]string{"message_start", `{"type":"message_start","message":{"model":"claude-sonnet-4-20250514"}}`},
		[2]string{"content_block_delta", `{"type":"content_block_delta","delta":{"type":"text_delta","text":"hi"}}`},
		[2]string{"message_stop", `{"type":"message_stop"}`},
	)
	tr := newTestRelay(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, frames)
	}, nil)

	resp, err := http.Post(tr.relay.URL+"/v1/messages", "application/json",
		strings.NewReader(`{"model":"claude-sonnet-4-20250514","stream":true,"messages":[]}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != frames {
		t.Errorf("claude pass-through must be byte-exact:\ngot  %q\nwant %q", body, frames)
	}
	// No trigger: the engine headers are absent and message_stop flows as-is.
	if resp.Header.Get("X-Anti-Truncation") != "" {
		t.Error("engine header must be absent")
	}
}
