package realip

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// trustCacheSize bounds the per-peer trust-decision cache. Peers are
// typically a handful of reverse proxies, so this is generous.
const trustCacheSize = 1024

// CIDRSet is a parsed allowlist of trusted proxy networks with a small LRU
// cache of per-peer membership decisions.
type CIDRSet struct {
	nets  []*net.IPNet
	cache *lru.Cache[string, bool]
}

// ParseCIDRs parses a list of CIDR strings into a CIDRSet. Entries are
// trimmed; an empty list yields a set that contains nothing.
func ParseCIDRs(cidrs []string) (*CIDRSet, error) {
	s := &CIDRSet{}
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		_, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("parsing trusted CIDR %q: %w", c, err)
		}
		s.nets = append(s.nets, ipnet)
	}
	cache, err := lru.New[string, bool](trustCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating trust cache: %w", err)
	}
	s.cache = cache
	return s, nil
}

// Contains reports whether the given IP string falls inside any trusted
// network. Unparseable addresses are never trusted.
func (s *CIDRSet) Contains(ipStr string) bool {
	if v, ok := s.cache.Get(ipStr); ok {
		return v
	}
	ip := net.ParseIP(ipStr)
	result := false
	if ip != nil {
		for _, n := range s.nets {
			if n.Contains(ip) {
				result = true
				break
			}
		}
	}
	s.cache.Add(ipStr, result)
	return result
}

// ResolveClientIP returns the IP attributed to the originating client.
//
// The decision is transport-based: forwarding headers are believed only when
// trustProxy is set AND the peer address falls inside the trusted CIDR set.
// Header precedence for a trusted peer is Forwarded (RFC 7239), then
// X-Forwarded-For, then X-Real-IP; first non-empty wins. Otherwise (or when
// no header is present) the peer address itself is returned.
func ResolveClientIP(peerAddr string, hdr http.Header, trustProxy bool, trusted *CIDRSet) string {
	peerIP := stripPort(peerAddr)

	if !trustProxy || trusted == nil || !trusted.Contains(peerIP) {
		return peerIP
	}

	if fwd := hdr.Get("Forwarded"); fwd != "" {
		if ip := parseForwardedFor(fwd); ip != "" {
			return ip
		}
	}
	if xff := hdr.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0])
		if first != "" {
			return stripPort(first)
		}
	}
	if rip := strings.TrimSpace(hdr.Get("X-Real-IP")); rip != "" {
		return rip
	}

	return peerIP
}

// parseForwardedFor extracts the leftmost for= node of an RFC 7239
// Forwarded header, stripped of quoting, brackets, and port.
func parseForwardedFor(value string) string {
	// The leftmost element describes the original client.
	first := strings.SplitN(value, ",", 2)[0]
	for _, pair := range strings.Split(first, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(k), "for") {
			continue
		}
		v = strings.TrimSpace(v)
		v = strings.Trim(v, `"`)
		return stripPort(v)
	}
	return ""
}

// stripPort removes a trailing :port and IPv6 brackets from an address.
// Inputs that are already bare IPs are returned unchanged.
func stripPort(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return addr
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	// No port. Unwrap bracketed IPv6 literals.
	if strings.HasPrefix(addr, "[") && strings.HasSuffix(addr, "]") {
		return addr[1 : len(addr)-1]
	}
	return addr
}

// PeerIP returns the bare IP of a transport peer address (host:port or
// bare host, IPv6 brackets removed).
func PeerIP(peerAddr string) string {
	return stripPort(peerAddr)
}
