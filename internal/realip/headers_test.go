package realip

import (
	"net/http"
	"reflect"
	"strings"
	"testing"
)

func TestBuildUpstreamHeadersHopByHop(t *testing.T) {
	inbound := http.Header{
		"Connection":          {"keep-alive, X-Custom-Hop"},
		"Keep-Alive":          {"timeout=5"},
		"Proxy-Authenticate":  {"Basic"},
		"Proxy-Authorization": {"Basic Zm9v"},
		"Te":                  {"trailers"},
		"Trailer":             {"Expires"},
		"Transfer-Encoding":   {"chunked"},
		"Upgrade":             {"websocket"},
		"X-Custom-Hop":        {"should-go"},
		"Authorization":       {"Bearer sk-123"},
		"Content-Type":        {"application/json"},
	}

	out := BuildUpstreamHeaders(inbound, "203.0.113.9", "10.0.0.5", "https", "relay.example", "443")

	for _, h := range []string{
		"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
		"Te", "Trailer", "Transfer-Encoding", "Upgrade", "X-Custom-Hop",
		"Host", "Content-Length",
	} {
		if out.Get(h) != "" {
			t.Errorf("header %s should have been removed, got %q", h, out.Get(h))
		}
	}

	// End-to-end headers survive untouched.
	if out.Get("Authorization") != "Bearer sk-123" {
		t.Errorf("Authorization: got %q", out.Get("Authorization"))
	}
	if out.Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type: got %q", out.Get("Content-Type"))
	}
}

func TestBuildUpstreamHeadersForwardingAppend(t *testing.T) {
	inbound := http.Header{
		"X-Forwarded-For": {"a, b"},
		"Forwarded":       {`for=192.0.2.60;proto=http`},
	}

	out := BuildUpstreamHeaders(inbound, "203.0.113.9", "10.0.0.5", "http", "relay.example", "80")

	if got := out.Get("X-Forwarded-For"); got != "a, b, 10.0.0.5" {
		t.Errorf("X-Forwarded-For: got %q, want %q", got, "a, b, 10.0.0.5")
	}
	fwd := out.Get("Forwarded")
	if !strings.HasPrefix(fwd, `for=192.0.2.60;proto=http, `) {
		t.Errorf("Forwarded should keep prior element first, got %q", fwd)
	}
	if !strings.Contains(fwd, `for="203.0.113.9";proto=http;host=relay.example`) {
		t.Errorf("Forwarded missing appended element, got %q", fwd)
	}
	if got := out.Get("X-Real-IP"); got != "203.0.113.9" {
		t.Errorf("X-Real-IP: got %q", got)
	}
}

func TestBuildUpstreamHeadersProtoHostPort(t *testing.T) {
	// Absent: filled from the transport.
	out := BuildUpstreamHeaders(http.Header{}, "203.0.113.9", "10.0.0.5", "https", "relay.example", "443")
	if out.Get("X-Forwarded-Proto") != "https" {
		t.Errorf("X-Forwarded-Proto: got %q", out.Get("X-Forwarded-Proto"))
	}
	if out.Get("X-Forwarded-Host") != "relay.example" {
		t.Errorf("X-Forwarded-Host: got %q", out.Get("X-Forwarded-Host"))
	}
	if out.Get("X-Forwarded-Port") != "443" {
		t.Errorf("X-Forwarded-Port: got %q", out.Get("X-Forwarded-Port"))
	}

	// Present: left untouched.
	inbound := http.Header{
		"X-Forwarded-Proto": {"http"},
		"X-Forwarded-Host":  {"edge.example"},
		"X-Forwarded-Port":  {"8080"},
	}
	out = BuildUpstreamHeaders(inbound, "203.0.113.9", "10.0.0.5", "https", "relay.example", "443")
	if out.Get("X-Forwarded-Proto") != "http" {
		t.Errorf("existing X-Forwarded-Proto overwritten: %q", out.Get("X-Forwarded-Proto"))
	}
	if out.Get("X-Forwarded-Host") != "edge.example" {
		t.Errorf("existing X-Forwarded-Host overwritten: %q", out.Get("X-Forwarded-Host"))
	}
	if out.Get("X-Forwarded-Port") != "8080" {
		t.Errorf("existing X-Forwarded-Port overwritten: %q", out.Get("X-Forwarded-Port"))
	}
}

func TestBuildUpstreamHeadersIdempotent(t *testing.T) {
	inbound := http.Header{
		"X-Forwarded-For": {"a"},
		"Authorization":   {"Bearer x"},
		"Connection":      {"keep-alive"},
	}

	first := BuildUpstreamHeaders(inbound, "203.0.113.9", "10.0.0.5", "http", "h", "80")
	second := BuildUpstreamHeaders(inbound, "203.0.113.9", "10.0.0.5", "http", "h", "80")

	if !reflect.DeepEqual(first, second) {
		t.Errorf("not idempotent:\nfirst:  %v\nsecond: %v", first, second)
	}
}

func TestForwardedElementIPv6(t *testing.T) {
	elem := forwardedElement("2001:db8::1", "https", "relay.example")
	if !strings.Contains(elem, `for="[2001:db8::1]"`) {
		t.Errorf("IPv6 node should be bracketed, got %q", elem)
	}
}

func TestTrustedProxyScenario(t *testing.T) {
	// Peer 10.0.0.5 trusted, XFF names the real client.
	trusted := mustCIDRs(t, "10.0.0.0/8")
	hdr := http.Header{"X-Forwarded-For": {"203.0.113.9"}}

	client := ResolveClientIP("10.0.0.5:555", hdr, true, trusted)
	if client != "203.0.113.9" {
		t.Fatalf("client ip: got %q, want 203.0.113.9", client)
	}

	out := BuildUpstreamHeaders(hdr, client, "10.0.0.5", "http", "relay.example", "80")
	if got := out.Get("X-Real-IP"); got != "203.0.113.9" {
		t.Errorf("X-Real-IP: got %q", got)
	}
	if got := out.Get("X-Forwarded-For"); got != "203.0.113.9, 10.0.0.5" {
		t.Errorf("X-Forwarded-For: got %q, want %q", got, "203.0.113.9, 10.0.0.5")
	}
}

func TestUntrustedPeerSpoofScenario(t *testing.T) {
	// Peer outside the trusted ranges presents a spoofed XFF.
	trusted := mustCIDRs(t, "10.0.0.0/8")
	hdr := http.Header{"X-Forwarded-For": {"127.0.0.1"}}

	client := ResolveClientIP("198.51.100.7:555", hdr, true, trusted)
	if client != "198.51.100.7" {
		t.Fatalf("client ip: got %q, want peer 198.51.100.7", client)
	}

	out := BuildUpstreamHeaders(hdr, client, "198.51.100.7", "http", "relay.example", "80")
	if got := out.Get("X-Real-IP"); got != "198.51.100.7" {
		t.Errorf("X-Real-IP: got %q, want peer", got)
	}
	if got := out.Get("X-Forwarded-For"); got != "127.0.0.1, 198.51.100.7" {
		t.Errorf("X-Forwarded-For: got %q, want %q", got, "127.0.0.1, 198.51.100.7")
	}
}
