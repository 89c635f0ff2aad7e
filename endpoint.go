package corosio

import (
	"fmt"
	"net/netip"
)

// Family is the address family of an Endpoint.
type Family uint8

const (
	FamilyV4 Family = iota
	FamilyV6
)

func (f Family) String() string {
	if f == FamilyV6 {
		return "v6"
	}
	return "v4"
}

// Endpoint is a (address, port) pair, backed by net/netip for canonical
// text parsing/formatting (spec §6 "Endpoint format"): dotted-quad for v4,
// RFC 5952 compression for v6, including an optional v6 zone/scope id.
type Endpoint struct {
	addr netip.Addr
	port uint16
}

// NewEndpoint builds an Endpoint from a netip.Addr and a host-byte-order
// port.
func NewEndpoint(addr netip.Addr, port uint16) Endpoint {
	return Endpoint{addr: addr.Unmap(), port: port}
}

// ParseEndpoint parses "host:port" (or "[v6host%zone]:port") using
// net/netip's canonical parser.
func ParseEndpoint(s string) (Endpoint, error) {
	addrPort, err := netip.ParseAddrPort(s)
	if err != nil {
		return Endpoint{}, &IOError{Cond: ConditionInvalidArgument, Op: "parse_endpoint", Addr: s}
	}
	return Endpoint{addr: addrPort.Addr().Unmap(), port: addrPort.Port()}, nil
}

// Family reports whether the endpoint is an IPv4 or IPv6 address.
func (e Endpoint) Family() Family {
	if e.addr.Is4() || e.addr.Is4In6() {
		return FamilyV4
	}
	return FamilyV6
}

// Addr returns the underlying netip.Addr.
func (e Endpoint) Addr() netip.Addr { return e.addr }

// Port returns the host-byte-order port.
func (e Endpoint) Port() uint16 { return e.port }

// IsValid reports whether the endpoint holds a usable address.
func (e Endpoint) IsValid() bool { return e.addr.IsValid() }

// String renders the canonical "host:port" text form (round-tripping
// through ParseEndpoint, per spec §8).
func (e Endpoint) String() string {
	return netip.AddrPortFrom(e.addr, e.port).String()
}

// AddrPort adapts the endpoint to the standard library's netip.AddrPort,
// for interop with net.Dialer/net.Listener-shaped code.
func (e Endpoint) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(e.addr, e.port)
}

func endpointFromAddrPort(ap netip.AddrPort) Endpoint {
	return Endpoint{addr: ap.Addr().Unmap(), port: ap.Port()}
}

func addrFrom4(b [4]byte) netip.Addr  { return netip.AddrFrom4(b) }
func addrFrom16(b [16]byte) netip.Addr { return netip.AddrFrom16(b).Unmap() }

// sockaddr renders the low-level (family, 4/16-byte address, port) fields a
// raw socket syscall needs; scope id is only meaningful for v6 link-local
// addresses.
func (e Endpoint) sockaddrV4() (addr [4]byte, port uint16) {
	return e.addr.As4(), e.port
}

func (e Endpoint) sockaddrV6() (addr [16]byte, port uint16, scopeID uint32) {
	var zoneID uint32
	if zone := e.addr.Zone(); zone != "" {
		if idx, err := fmt.Sscanf(zone, "%d", &zoneID); err != nil || idx != 1 {
			zoneID = 0
		}
	}
	return e.addr.As16(), e.port, zoneID
}
