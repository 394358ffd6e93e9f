// Package addr resolves and compares network endpoints and expresses the
// declarative bind/accept policy ("filter") a socket is opened with.
//
// Grounded on original_source/Lacewing/src/windows/udp.c's lw_filter /
// lw_addr pair: a filter names an optional local bind address/port, an
// optional remote-endpoint restriction, an address-family pin, and a
// reuse-address flag; an address is a resolved, comparable endpoint with a
// "matches filter" predicate used on every datagram receive to decide
// whether to deliver or silently drop (spoofing check, §4.2).
package addr

import (
	"fmt"
	"net"
)

// Family pins a filter or address to IPv4 or IPv6; FamilyAny means either.
type Family int

const (
	FamilyAny Family = iota
	FamilyV4
	FamilyV6
)

// Addr is a resolved network endpoint.
type Addr struct {
	Family Family
	IP     net.IP
	Port   int
}

// FromUDPAddr resolves a *net.UDPAddr into an Addr.
func FromUDPAddr(a *net.UDPAddr) Addr {
	return Addr{Family: familyOf(a.IP), IP: a.IP, Port: a.Port}
}

// FromTCPAddr resolves a *net.TCPAddr into an Addr.
func FromTCPAddr(a *net.TCPAddr) Addr {
	return Addr{Family: familyOf(a.IP), IP: a.IP, Port: a.Port}
}

func familyOf(ip net.IP) Family {
	if ip.To4() != nil {
		return FamilyV4
	}
	return FamilyV6
}

// String renders the canonical textual form, e.g. "203.0.113.7:6121".
func (a Addr) String() string {
	if a.IP == nil {
		return fmt.Sprintf(":%d", a.Port)
	}
	return net.JoinHostPort(a.IP.String(), fmt.Sprintf("%d", a.Port))
}

// Equal compares two addresses by IP and port; families must also agree
// unless either side is FamilyAny.
func (a Addr) Equal(b Addr) bool {
	if !a.IP.Equal(b.IP) {
		return false
	}
	if a.Port != b.Port {
		return false
	}
	if a.Family != FamilyAny && b.Family != FamilyAny && a.Family != b.Family {
		return false
	}
	return true
}

// IPEqual compares only the IP portion, ignoring port — used for the
// stream-vs-datagram source check in §4.6 ("blasted" spoof detection),
// where the datagram's source port is never the same as the client's TCP
// source port.
func (a Addr) IPEqual(b Addr) bool {
	return a.IP.Equal(b.IP)
}

// Filter is a declarative bind/accept policy.
type Filter struct {
	// LocalPort is the port to bind; 0 means ephemeral.
	LocalPort int
	// LocalAddr, if set, restricts the bind address.
	LocalAddr net.IP
	// Remote, if set, restricts accepted traffic to this endpoint's IP; the
	// port is not compared (used by the datagram engine's spoof check).
	Remote *Addr
	// Family pins the socket to v4 or v6; FamilyAny means the platform
	// default (typically dual-stack).
	Family Family
	// ReuseAddr requests SO_REUSEADDR-equivalent behaviour on bind.
	ReuseAddr bool
}

// Matches reports whether a received datagram's source address satisfies
// the filter's remote restriction. A filter with no Remote restriction
// matches everything — this is the common case; most relay servers accept
// datagrams from anyone and rely on the relay protocol's own sender-id
// field plus the stream-registered IP check for authentication.
func (f Filter) Matches(source Addr) bool {
	if f.Remote == nil {
		return true
	}
	return f.Remote.IPEqual(source)
}

// NetworkFor returns the "tcp"/"udp" network string go's net package
// expects, honoring the family pin.
func (f Filter) NetworkFor(base string) string {
	switch f.Family {
	case FamilyV4:
		return base + "4"
	case FamilyV6:
		return base + "6"
	default:
		return base
	}
}
