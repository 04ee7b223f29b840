// Package netgroup maps network addresses to coarse topology groups.
// A group approximates a common owner or ISP: /16 for IPv4, /32 for IPv6.
package netgroup

import (
	"net"
)

const (
	ipv4PrefixBits = 16
	ipv6PrefixBits = 32
)

// Key returns the netgroup identifier for an IP address. Addresses that
// cannot be parsed map to their own singleton group so they can never
// crowd out well-formed peers.
func Key(ip net.IP) string {
	if v4 := ip.To4(); v4 != nil {
		masked := v4.Mask(net.CIDRMask(ipv4PrefixBits, 32))
		return masked.String() + "/16"
	}
	if v6 := ip.To16(); v6 != nil {
		masked := v6.Mask(net.CIDRMask(ipv6PrefixBits, 128))
		return masked.String() + "/32"
	}
	return ip.String()
}

// KeyString parses a host string and returns its netgroup. Unparseable
// hosts group by their literal value.
func KeyString(host string) string {
	if ip := net.ParseIP(host); ip != nil {
		return Key(ip)
	}
	return host
}
