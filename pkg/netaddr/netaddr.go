// Package netaddr converts between the fixed-layout IPv4 address
// representation used on the kernel/userspace event boundary (a big-endian
// uint32, see agent/events.PacketSample) and the dotted-decimal strings used
// everywhere else in the pipeline (flows, identities, filters).
package netaddr

import (
	"encoding/binary"
	"fmt"
	"net"
)

// IPv4ToString renders a big-endian uint32 IPv4 address as dotted-decimal.
func IPv4ToString(ip uint32) string {
	b := make([]byte, net.IPv4len)
	binary.BigEndian.PutUint32(b, ip)
	return net.IP(b).String()
}

// StringToIPv4 parses a dotted-decimal IPv4 address into a big-endian
// uint32, the exact inverse of IPv4ToString. Returns an error for anything
// that isn't a valid IPv4 literal. Exercised by this package's own
// round-trip test; production code only ever goes uint32 -> string (the
// kernel/userspace event boundary never hands back a parsed string to
// re-encode).
func StringToIPv4(s string) (uint32, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return 0, fmt.Errorf("invalid IP address: %s", s)
	}
	v4 := ip.To4()
	if v4 == nil {
		return 0, fmt.Errorf("not an IPv4 address: %s", s)
	}
	return binary.BigEndian.Uint32(v4), nil
}
