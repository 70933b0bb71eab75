// Package ssrf validates outbound call targets before any socket is opened.
// Every execution passes through the guard exactly once, on its first attempt.
package ssrf

import (
	"context"
	"net/netip"
	"net/url"
	"strings"

	connector "github.com/andersh/bifrost/internal"
)

// Resolver resolves a hostname to all of its addresses.
// *dnscache.Resolver satisfies this.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Guard rejects URLs whose destination lands in loopback, link-local, or
// private ranges. Hostnames are resolved through the injected resolver and
// every returned address must be publicly routable.
//
// The resolved address is not pinned for the subsequent socket connect, so a
// rebinding DNS server can still race the check. Known limitation: pinning
// one address would break vendors that rely on happy-eyeballs fallback.
type Guard struct {
	resolver Resolver
}

// NewGuard returns a Guard using the given resolver.
func NewGuard(r Resolver) *Guard {
	return &Guard{resolver: r}
}

// Blocked ranges. Any resolved address inside one of these rejects the call.
var (
	blockedV4 = []netip.Prefix{
		netip.MustParsePrefix("0.0.0.0/8"),
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("100.64.0.0/10"),
		netip.MustParsePrefix("127.0.0.0/8"),
		netip.MustParsePrefix("169.254.0.0/16"),
		netip.MustParsePrefix("172.16.0.0/12"),
		netip.MustParsePrefix("192.168.0.0/16"),
	}
	blockedV6 = []netip.Prefix{
		netip.MustParsePrefix("::/128"),
		netip.MustParsePrefix("::1/128"),
		netip.MustParsePrefix("fc00::/7"),
		netip.MustParsePrefix("fe80::/10"),
	}
)

// AssertSafe validates rawURL for outbound use. It fails with one of the
// policy codes target_not_allowed, invalid_url, protocol_not_allowed, or
// dns_resolution_failed. All failures are terminal; the transport never
// retries them.
func (g *Guard) AssertSafe(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return &connector.Error{
			Kind: connector.KindPolicy, Code: connector.CodeInvalidURL,
			Message: "invalid url: " + rawURL, Err: err,
		}
	}

	switch u.Scheme {
	case "http", "https":
	default:
		return connector.E(connector.KindPolicy, connector.CodeProtocolNotAllowed,
			"protocol %q not allowed", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return connector.E(connector.KindPolicy, connector.CodeInvalidURL,
			"invalid url: missing host in %q", rawURL)
	}
	if strings.EqualFold(host, "localhost") {
		return connector.E(connector.KindPolicy, connector.CodeTargetNotAllowed,
			"Target not allowed: %s", host)
	}

	// Literal IP: check it directly, no resolution.
	if addr, err := netip.ParseAddr(host); err == nil {
		if isBlocked(addr) {
			return connector.E(connector.KindPolicy, connector.CodeTargetNotAllowed,
				"Target not allowed: %s", host)
		}
		return nil
	}

	addrs, err := g.resolver.LookupHost(ctx, host)
	if err != nil {
		return &connector.Error{
			Kind: connector.KindPolicy, Code: connector.CodeDNSFailed,
			Message: "could not resolve " + host, Err: err,
		}
	}
	if len(addrs) == 0 {
		return connector.E(connector.KindPolicy, connector.CodeDNSFailed,
			"could not resolve %s", host)
	}

	// Every resolved address must be outside the blocked set.
	for _, raw := range addrs {
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return connector.E(connector.KindPolicy, connector.CodeDNSFailed,
				"unparseable address %q for %s", raw, host)
		}
		if isBlocked(addr) {
			return connector.E(connector.KindPolicy, connector.CodeTargetNotAllowed,
				"Target not allowed: %s resolves to %s", host, raw)
		}
	}
	return nil
}

// isBlocked reports whether addr falls inside a blocked range.
// IPv4-mapped IPv6 addresses are unmapped and checked as IPv4.
func isBlocked(addr netip.Addr) bool {
	addr = addr.Unmap()
	if addr.Is4() {
		for _, p := range blockedV4 {
			if p.Contains(addr) {
				return true
			}
		}
		return false
	}
	// Strip any zone so prefix matching works on link-local literals.
	addr = addr.WithZone("")
	for _, p := range blockedV6 {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
