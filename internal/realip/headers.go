package realip

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// hopHeaders are removed when forwarding to the upstream. As of RFC 7230,
// hop-by-hop headers are required to appear in the Connection header field;
// these are the ones defined by the RFC itself plus common non-standard ones.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// BuildUpstreamHeaders constructs the header set for the upstream request
// from the inbound headers. It removes hop-by-hop headers (including any
// named in the inbound Connection header), drops Host and Content-Length
// (both re-derived by the HTTP client), appends the connecting peer to the
// X-Forwarded-For chain, appends a Forwarded element identifying the
// resolved client, overwrites X-Real-IP with the resolved client, and fills
// X-Forwarded-Proto/-Host/-Port from the transport only when absent.
//
// clientIP is the trust-resolved originating client; peerIP is the
// transport peer that connected to the relay. The chain records the hop
// that actually spoke to us, so an untrusted peer cannot spoof its own
// entry out of the chain.
//
// The function is pure: it never mutates inbound and is idempotent for a
// fixed input.
func BuildUpstreamHeaders(inbound http.Header, clientIP, peerIP, scheme, host, port string) http.Header {
	out := inbound.Clone()
	if out == nil {
		out = http.Header{}
	}

	// Remove headers named by the inbound Connection header first, then the
	// fixed hop-by-hop set (which includes Connection itself).
	for _, name := range strings.Split(inbound.Get("Connection"), ",") {
		if name = strings.TrimSpace(name); name != "" {
			out.Del(name)
		}
	}
	for _, h := range hopHeaders {
		out.Del(h)
	}

	// The HTTP client derives these for the upstream connection.
	out.Del("Host")
	out.Del("Content-Length")

	// Append (not replace) the connecting peer to the forwarding chain.
	if prior := out.Get("X-Forwarded-For"); prior != "" {
		out.Set("X-Forwarded-For", prior+", "+peerIP)
	} else {
		out.Set("X-Forwarded-For", peerIP)
	}

	elem := forwardedElement(clientIP, scheme, host)
	if prior := out.Get("Forwarded"); prior != "" {
		out.Set("Forwarded", prior+", "+elem)
	} else {
		out.Set("Forwarded", elem)
	}

	out.Set("X-Real-IP", clientIP)

	if out.Get("X-Forwarded-Proto") == "" && scheme != "" {
		out.Set("X-Forwarded-Proto", scheme)
	}
	if out.Get("X-Forwarded-Host") == "" && host != "" {
		out.Set("X-Forwarded-Host", host)
	}
	if out.Get("X-Forwarded-Port") == "" && port != "" {
		out.Set("X-Forwarded-Port", port)
	}

	return out
}

// forwardedElement renders one RFC 7239 element. IPv6 node identifiers are
// bracketed inside the quoted for= value.
func forwardedElement(clientIP, scheme, host string) string {
	node := clientIP
	if strings.Contains(node, ":") {
		node = "[" + node + "]"
	}
	elem := fmt.Sprintf("for=%q", node)
	if scheme != "" {
		elem += ";proto=" + scheme
	}
	if host != "" {
		elem += ";host=" + host
	}
	return elem
}

// RequestScheme returns the scheme of the inbound request as observed at
// the transport ("https" when TLS terminated here, else "http").
func RequestScheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// RequestPort returns the port of the inbound request's Host, falling back
// to the scheme default.
func RequestPort(r *http.Request) string {
	if _, port, err := net.SplitHostPort(r.Host); err == nil && port != "" {
		return port
	}
	if RequestScheme(r) == "https" {
		return "443"
	}
	return "80"
}
