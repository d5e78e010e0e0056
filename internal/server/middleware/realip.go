package middleware

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

const (
	headerXForwardedFor = "X-Forwarded-For"
	headerXRealIP       = "X-Real-IP"
)

// ParseTrustedProxies parses CIDRs and bare addresses. A bare address is
// treated as a /32 or /128. Invalid entries are skipped.
func ParseTrustedProxies(entries []string) []netip.Prefix {
	prefixes := make([]netip.Prefix, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if p, err := netip.ParsePrefix(e); err == nil {
			prefixes = append(prefixes, p.Masked())
			continue
		}
		if a, err := netip.ParseAddr(e); err == nil {
			a = a.Unmap()
			prefixes = append(prefixes, netip.PrefixFrom(a, a.BitLen()))
		}
	}
	return prefixes
}

// RealIP rewrites r.RemoteAddr to the client address reported by a trusted
// proxy. Forwarded headers are honoured only when the direct peer falls in
// trustedProxies; X-Forwarded-For is walked right to left and the first
// untrusted hop wins, with X-Real-IP as the fallback. With no trusted
// proxies the middleware does nothing and the socket peer is the client.
func RealIP(trustedProxies []string) func(http.Handler) http.Handler {
	trusted := ParseTrustedProxies(trustedProxies)
	return func(next http.Handler) http.Handler {
		if len(trusted) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ip, ok := forwardedClient(r, trusted); ok {
				r.RemoteAddr = net.JoinHostPort(ip.String(), "0")
			}
			next.ServeHTTP(w, r)
		})
	}
}

func forwardedClient(r *http.Request, trusted []netip.Prefix) (netip.Addr, bool) {
	peer, err := netip.ParseAddr(ClientIP(r))
	if err != nil || !isTrusted(peer, trusted) {
		return netip.Addr{}, false
	}

	var hops []string
	for _, v := range r.Header.Values(headerXForwardedFor) {
		hops = append(hops, strings.Split(v, ",")...)
	}
	if len(hops) > 0 {
		var last netip.Addr
		for i := len(hops) - 1; i >= 0; i-- {
			a, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
			if err != nil {
				// A garbled hop ends the chain we can vouch for.
				break
			}
			a = a.Unmap()
			if !isTrusted(a, trusted) {
				return a, true
			}
			last = a
		}
		return last, last.IsValid()
	}

	if a, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get(headerXRealIP))); err == nil {
		return a.Unmap(), true
	}
	return netip.Addr{}, false
}

func isTrusted(a netip.Addr, trusted []netip.Prefix) bool {
	a = a.Unmap()
	for _, p := range trusted {
		if p.Contains(a) {
			return true
		}
	}
	return false
}
