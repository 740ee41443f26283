package netutil

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// Allowlist matches remote addresses against IPs and CIDR prefixes. The
// zero value (and an empty list) allows everything.
type Allowlist struct {
	prefixes []netip.Prefix
}

// ParseAllowlist accepts entries such as "10.0.0.7" or "192.168.0.0/16"
func ParseAllowlist(entries []string) (Allowlist, error) {
	var al Allowlist
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				return Allowlist{}, fmt.Errorf("allowlist entry %q: %w", raw, err)
			}
			al.prefixes = append(al.prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return Allowlist{}, fmt.Errorf("allowlist entry %q: %w", raw, err)
		}
		addr = addr.Unmap()
		al.prefixes = append(al.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return al, nil
}

// Empty reports whether every address is allowed
func (a Allowlist) Empty() bool { return len(a.prefixes) == 0 }

// Allows reports whether the remote address may connect
func (a Allowlist) Allows(remote net.Addr) bool {
	if a.Empty() {
		return true
	}
	var addr netip.Addr
	switch r := remote.(type) {
	case *net.TCPAddr:
		addr = r.AddrPort().Addr()
	default:
		ap, err := netip.ParseAddrPort(remote.String())
		if err != nil {
			return false
		}
		addr = ap.Addr()
	}
	addr = addr.Unmap()
	for _, p := range a.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func (a Allowlist) String() string {
	if a.Empty() {
		return "any"
	}
	parts := make([]string, len(a.prefixes))
	for i, p := range a.prefixes {
		if p.IsSingleIP() {
			parts[i] = p.Addr().String()
		} else {
			parts[i] = p.String()
		}
	}
	return strings.Join(parts, ", ")
}
