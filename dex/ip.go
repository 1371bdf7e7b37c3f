// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package dex

import (
	"net/netip"
	"strings"
)

// ipv6ClientBits is the prefix length that identifies one IPv6 client. Hosts
// are usually handed a whole /64.
const ipv6ClientBits = 64

// IPKey identifies a client network address for rate limiting. IPv4 addresses
// and the IPv6 loopback are keyed by the full address, other IPv6 addresses by
// their /64 prefix. The zero IPKey is shared by all unparseable addresses.
type IPKey struct {
	prefix netip.Prefix
}

// NewIPKey parses an address in host or host:port form.
func NewIPKey(addr string) IPKey {
	var ip netip.Addr
	if ap, err := netip.ParseAddrPort(addr); err == nil {
		ip = ap.Addr()
	} else if ip, err = netip.ParseAddr(strings.Trim(addr, "[]")); err != nil {
		return IPKey{}
	}
	ip = ip.Unmap().WithZone("")
	bits := ip.BitLen()
	if ip.Is6() && !ip.IsLoopback() {
		bits = ipv6ClientBits
	}
	prefix, err := ip.Prefix(bits)
	if err != nil {
		return IPKey{}
	}
	return IPKey{prefix}
}

// String is the address, or the /64 prefix of a keyed IPv6 network.
func (k IPKey) String() string {
	if !k.prefix.IsValid() {
		return "invalid"
	}
	if k.prefix.IsSingleIP() {
		return k.prefix.Addr().String()
	}
	return k.prefix.String()
}
