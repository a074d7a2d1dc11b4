package ws

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// proxySet holds the peers whose forwarding headers are honoured. Entries
// are single addresses or CIDR ranges.
type proxySet struct {
	nets []*net.IPNet
}

func newProxySet(entries []string) (*proxySet, error) {
	ps := &proxySet{}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if !strings.Contains(e, "/") {
			ip := net.ParseIP(e)
			if ip == nil {
				return nil, fmt.Errorf("ws: invalid trusted proxy %q", e)
			}
			bits := 8 * net.IPv4len
			if ip.To4() == nil {
				bits = 8 * net.IPv6len
			}
			ps.nets = append(ps.nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, n, err := net.ParseCIDR(e)
		if err != nil {
			return nil, fmt.Errorf("ws: invalid trusted proxy %q: %w", e, err)
		}
		ps.nets = append(ps.nets, n)
	}
	return ps, nil
}

func (ps *proxySet) contains(ip net.IP) bool {
	if ps == nil || ip == nil {
		return false
	}
	for _, n := range ps.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// clientIP returns the peer address. X-Forwarded-For (first hop) and then
// X-Real-IP are used only when the peer is a trusted proxy and the header
// holds a valid address; otherwise a client could pick its own IP and walk
// past bans and rate limits.
func (ps *proxySet) clientIP(r *http.Request) string {
	remote := r.RemoteAddr
	if host, _, err := net.SplitHostPort(remote); err == nil {
		remote = host
	}
	if !ps.contains(net.ParseIP(remote)) {
		return remote
	}

	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}
	if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
		return ip.String()
	}
	return remote
}
