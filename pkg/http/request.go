package http

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// IPConfig holds the proxies whose forwarding headers are trusted
type IPConfig struct {
	trusted []netip.Prefix
}

// NewIPConfig parses CIDR ranges of trusted proxies. Invalid entries are skipped.
func NewIPConfig(trustedProxies []string) *IPConfig {
	cfg := &IPConfig{}
	for _, cidr := range trustedProxies {
		prefix, err := netip.ParsePrefix(strings.TrimSpace(cidr))
		if err != nil {
			continue
		}
		cfg.trusted = append(cfg.trusted, prefix.Masked())
	}
	return cfg
}

// ExtractClientIP returns the client address used as a rate-limit identifier.
// X-Forwarded-For and X-Real-IP are honoured only when the direct peer is a
// trusted proxy, otherwise any client could pick its own identifier.
//
// X-Forwarded-For is read right to left: each proxy appends the peer it saw, so
// the first entry outside the trusted ranges is the client. Entries further left
// were supplied by the client and are ignored.
func ExtractClientIP(r *http.Request, config *IPConfig) string {
	remoteIP := remoteAddr(r)

	if !config.isTrusted(remoteIP) {
		return remoteIP
	}

	if values := r.Header.Values("X-Forwarded-For"); len(values) > 0 {
		return config.clientFromForwardedFor(strings.Split(strings.Join(values, ","), ","), remoteIP)
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		if addr, err := netip.ParseAddr(xri); err == nil {
			return addr.Unmap().String()
		}
	}

	return remoteIP
}

// clientFromForwardedFor returns the rightmost untrusted hop. An unparsable hop
// before one is found means the chain cannot be trusted, and fallback is returned.
// If every hop is trusted the leftmost one is the client.
func (c *IPConfig) clientFromForwardedFor(hops []string, fallback string) string {
	client := ""
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}

		addr, err := netip.ParseAddr(hop)
		if err != nil {
			return fallback
		}
		addr = addr.Unmap()

		if !c.containsAddr(addr) {
			return addr.String()
		}
		client = addr.String()
	}

	if client == "" {
		return fallback
	}
	return client
}

func (c *IPConfig) isTrusted(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	return c.containsAddr(addr.Unmap())
}

func (c *IPConfig) containsAddr(addr netip.Addr) bool {
	if c == nil {
		return false
	}
	for _, prefix := range c.trusted {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
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
