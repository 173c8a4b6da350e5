package httputil

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// Client is the peer behind a request, as used for access logs and stream
// limits.
type Client struct {
	Addr netip.Addr // zero when no address could be parsed
	Raw  string     // RemoteAddr as received, kept for unparseable peers
}

// ClientFrom resolves the peer of r. With trustProxy set, the leftmost
// parseable X-Forwarded-For entry wins, then X-Real-IP, then RemoteAddr.
// Entries may carry a port. IPv4-mapped IPv6 addresses are unmapped and zones
// dropped, so one peer always yields one key.
func ClientFrom(r *http.Request, trustProxy bool) Client {
	if trustProxy {
		for _, hop := range strings.Split(r.Header.Get("X-Forwarded-For"), ",") {
			if addr, ok := parseAddr(hop); ok {
				return Client{Addr: addr, Raw: r.RemoteAddr}
			}
		}
		if addr, ok := parseAddr(r.Header.Get("X-Real-IP")); ok {
			return Client{Addr: addr, Raw: r.RemoteAddr}
		}
	}
	addr, _ := parseAddr(r.RemoteAddr)
	return Client{Addr: addr, Raw: r.RemoteAddr}
}

// ClientIP is ClientFrom(r, trustProxy).String().
func ClientIP(r *http.Request, trustProxy bool) string {
	return ClientFrom(r, trustProxy).String()
}

// String returns the canonical address, or the raw RemoteAddr host when it
// did not parse.
func (c Client) String() string {
	if c.Addr.IsValid() {
		return c.Addr.String()
	}
	if host, _, err := net.SplitHostPort(c.Raw); err == nil {
		return host
	}
	return c.Raw
}

// LimitKey is what concurrent stream limits count against: the address for
// IPv4 peers and the enclosing /64 for IPv6 peers.
func (c Client) LimitKey() string {
	if c.Addr.Is6() {
		if p, err := c.Addr.Prefix(64); err == nil {
			return p.String()
		}
	}
	return c.String()
}

func parseAddr(s string) (netip.Addr, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return netip.Addr{}, false
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		ap, perr := netip.ParseAddrPort(s)
		if perr != nil {
			return netip.Addr{}, false
		}
		addr = ap.Addr()
	}
	return addr.Unmap().WithZone(""), true
}
