package security

import (
	"net"
	"net/http"
	"strings"
)

// ProxyPolicy decides which request headers are trusted for the client IP.
// The IP is the key for the login throttle and for ip-type lockouts, so a
// spoofable source would let an attacker rotate keys for free.
type ProxyPolicy struct {
	// TrustProxy enables X-Forwarded-For and X-Real-IP. Only enable it behind
	// a reverse proxy that overwrites those headers.
	TrustProxy bool

	// TrustedProxyCount is how many of our own proxies append to
	// X-Forwarded-For. The entry appended by the outermost one is the
	// client. 0 is treated as 1.
	TrustedProxyCount int
}

// ClientIP extracts the client address from r.
func (p ProxyPolicy) ClientIP(r *http.Request) string {
	if p.TrustProxy {
		if ip := p.fromForwardedFor(r.Header.Get("X-Forwarded-For")); ip != "" {
			return ip
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(ip) != nil {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// fromForwardedFor picks the entry the outermost trusted proxy appended.
// Anything left of it came from the client and is ignored:
//
//	X-Forwarded-For: spoofed, client          (TrustedProxyCount=1 -> client)
//	X-Forwarded-For: spoofed, client, proxy1  (TrustedProxyCount=2 -> client)
//
// A header with fewer entries than trusted proxies yields "".
func (p ProxyPolicy) fromForwardedFor(xff string) string {
	if xff == "" {
		return ""
	}
	hops := strings.Split(xff, ",")

	trusted := p.TrustedProxyCount
	if trusted <= 0 {
		trusted = 1
	}
	idx := len(hops) - trusted
	if idx < 0 {
		return ""
	}

	ip := strings.TrimSpace(hops[idx])
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}
