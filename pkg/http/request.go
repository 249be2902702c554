package http

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// IPConfig holds the proxies whose forwarding headers are trusted.
type IPConfig struct {
	TrustedProxies []string // CIDR ranges of trusted proxies

	prefixes []netip.Prefix
}

// NewIPConfig parses the CIDR list once. Invalid entries are skipped.
func NewIPConfig(trusted []string) *IPConfig {
	cfg := &IPConfig{TrustedProxies: trusted}
	cfg.parse()
	return cfg
}

func (c *IPConfig) parse() {
	if c.prefixes != nil || len(c.TrustedProxies) == 0 {
		return
	}
	for _, cidr := range c.TrustedProxies {
		p, err := netip.ParsePrefix(strings.TrimSpace(cidr))
		if err != nil {
			continue
		}
		c.prefixes = append(c.prefixes, p.Masked())
	}
}

func (c *IPConfig) trusts(ip netip.Addr) bool {
	if c == nil {
		return false
	}
	c.parse()
	ip = ip.Unmap()
	for _, p := range c.prefixes {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// ExtractClientIP returns the caller address. X-Forwarded-For and X-Real-IP
// are honoured only when the direct peer is a trusted proxy.
func ExtractClientIP(r *http.Request, config *IPConfig) string {
	remote := remoteAddr(r)

	addr, err := netip.ParseAddr(remote)
	if err != nil || !config.trusts(addr) {
		return remote
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for _, candidate := range strings.Split(xff, ",") {
			candidate = strings.TrimSpace(candidate)
			if _, err := netip.ParseAddr(candidate); err == nil {
				return candidate
			}
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		if _, err := netip.ParseAddr(xri); err == nil {
			return xri
		}
	}
	return remote
}

func remoteAddr(r *http.Request) string {
	if r.RemoteAddr == "" {
		return "unknown"
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
