// Package policy holds the pure access checks applied to a resolved API key:
// scope coverage, origin allow-list and client address allow-list.
package policy

import (
	"net/netip"
	"strings"

	"github.com/keygate/keygate/internal/model"
)

// Reason is a machine-readable outcome of a check.
type Reason string

const (
	ReasonOK                 Reason = "OK"
	ReasonInsufficientScopes Reason = Reason(model.CodeInsufficientScopes)
	ReasonOriginNotAllowed   Reason = Reason(model.CodeOriginNotAllowed)
	ReasonIPNotAllowed       Reason = Reason(model.CodeIPNotAllowed)
)

// WildcardOrigin in an allow-list admits every origin.
const WildcardOrigin = "*"

// Decision is the result of a single check. Missing is only populated for
// scope failures.
type Decision struct {
	Allowed bool
	Reason  Reason
	Missing []string
}

var allow = Decision{Allowed: true, Reason: ReasonOK}

// Request carries the request attributes the checks need. Origin and
// ClientIP are empty when the request did not provide them.
type Request struct {
	RequiredScopes []string
	Origin         string
	ClientIP       string
}

// CheckScopes passes only if granted covers every required scope.
func CheckScopes(granted, required []string) Decision {
	if len(required) == 0 {
		return allow
	}
	have := make(map[string]struct{}, len(granted))
	for _, s := range granted {
		have[s] = struct{}{}
	}
	var missing []string
	for _, s := range required {
		if _, ok := have[s]; !ok {
			missing = append(missing, s)
		}
	}
	if len(missing) > 0 {
		return Decision{Reason: ReasonInsufficientScopes, Missing: missing}
	}
	return allow
}

// CheckOrigin passes when the allow-list is empty, or when origin matches an
// entry exactly or the list holds the wildcard. A missing origin fails a
// non-empty list.
func CheckOrigin(allowed []string, origin string) Decision {
	if len(allowed) == 0 {
		return allow
	}
	for _, a := range allowed {
		if a == WildcardOrigin {
			return allow
		}
		if origin != "" && a == origin {
			return allow
		}
	}
	return Decision{Reason: ReasonOriginNotAllowed}
}

// CheckIP passes when the allow-list is empty or clientIP matches a literal
// entry or falls inside a CIDR entry. Unparseable entries never match. A
// missing or unparseable client address fails a non-empty list.
func CheckIP(allowed []string, clientIP string) Decision {
	if len(allowed) == 0 {
		return allow
	}
	addr, err := netip.ParseAddr(clientIP)
	if err != nil {
		return Decision{Reason: ReasonIPNotAllowed}
	}
	addr = addr.Unmap()

	for _, entry := range allowed {
		if matchIP(entry, addr) {
			return allow
		}
	}
	return Decision{Reason: ReasonIPNotAllowed}
}

func matchIP(entry string, addr netip.Addr) bool {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "/") {
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			return false
		}
		if addr.Is4() && prefix.Addr().Is4() {
			return inIPv4Block(addr, prefix)
		}
		return prefix.Masked().Contains(addr)
	}
	lit, err := netip.ParseAddr(entry)
	if err != nil {
		return false
	}
	return lit.Unmap() == addr
}

// inIPv4Block compares the masked 32-bit representations of addr and the
// block's network address.
func inIPv4Block(addr netip.Addr, block netip.Prefix) bool {
	bits := block.Bits()
	if bits < 0 || bits > 32 {
		return false
	}
	var mask uint32
	if bits > 0 {
		mask = ^uint32(0) << (32 - bits)
	}
	return ipv4ToUint32(addr)&mask == ipv4ToUint32(block.Addr())&mask
}

func ipv4ToUint32(a netip.Addr) uint32 {
	b := a.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// ValidIPEntry reports whether s is a literal address or a CIDR block.
func ValidIPEntry(s string) bool {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		_, err := netip.ParsePrefix(s)
		return err == nil
	}
	_, err := netip.ParseAddr(s)
	return err == nil
}

// Evaluate runs the scope, origin and IP checks in that order and returns
// the first failure, or an allow decision when all pass.
func Evaluate(key *model.APIKey, req Request) Decision {
	if d := CheckScopes(key.Scopes, req.RequiredScopes); !d.Allowed {
		return d
	}
	if d := CheckOrigin(key.AllowedOrigins, req.Origin); !d.Allowed {
		return d
	}
	if d := CheckIP(key.AllowedIPs, req.ClientIP); !d.Allowed {
		return d
	}
	return allow
}
