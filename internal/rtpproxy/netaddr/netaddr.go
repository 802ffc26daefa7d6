// Package netaddr resolves and compares the host:port endpoints that
// flow through the control protocol and the forwarding path. It is
// the Go stand-in for the original's resolve()/ishostseq()/
// ishostnull() family of helpers over struct sockaddr.
package netaddr

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Family tags whether an Addr was parsed as IPv4 or IPv6, since the
// control protocol's "6" modifier and reply format both need to know
// which family a literal was parsed under independent of what the
// stdlib net package infers from the string itself.
type Family int

const (
	FamilyIPv4 Family = iota
	FamilyIPv6
)

// Addr is a resolved, family-tagged endpoint. It is comparable with
// ==, which this package relies on in place of the original's
// memcmp(sockaddr).
type Addr struct {
	IP     string // canonical textual form, e.g. "10.0.0.2" or "::1"
	Port   int
	Family Family
}

// Resolve parses a literal host and port the way the control
// dispatcher does for U/L/... command arguments: addr must already be
// numeric (the original passes AI_NUMERICHOST — rtpproxy never does
// DNS lookups on the hot path).
func Resolve(host, port string, family Family) (Addr, error) {
	ip := net.ParseIP(host)
	if ip == nil {
		return Addr{}, fmt.Errorf("netaddr: not a numeric host: %q", host)
	}
	p, err := parsePort(port)
	if err != nil {
		return Addr{}, err
	}
	fam := family
	if ip.To4() == nil {
		fam = FamilyIPv6
	}
	return Addr{IP: ip.String(), Port: p, Family: fam}, nil
}

func parsePort(s string) (int, error) {
	var p int
	if _, err := fmt.Sscanf(s, "%d", &p); err != nil {
		return 0, fmt.Errorf("netaddr: bad port %q: %w", s, err)
	}
	if p < 0 || p > 65535 {
		return 0, fmt.Errorf("netaddr: port out of range: %d", p)
	}
	return p, nil
}

// WithPort returns a copy of a with a different port number, used to
// derive the RTCP twin's guessed address (host kept, port+1).
func (a Addr) WithPort(port int) Addr {
	a.Port = port
	return a
}

// SameHost reports whether two addresses share the same host,
// ignoring port — the comparison used for asymmetric peers (§4.2
// step 1), where the source port is allowed to vary.
func (a Addr) SameHost(b Addr) bool {
	return a.IP == b.IP
}

// IsUnspecified reports whether addr is the "null host"
// (INADDR_ANY / :: ), mirroring ishostnull(): such an address is
// never pre-filled into a session's remote endpoint because it
// carries no useful routing information.
func (a Addr) IsUnspecified() bool {
	ip := net.ParseIP(a.IP)
	return ip == nil || ip.IsUnspecified()
}

// String renders "ip:port" for logging.
func (a Addr) String() string {
	return net.JoinHostPort(a.IP, fmt.Sprint(a.Port))
}

// UDPAddr converts to a *net.UDPAddr for socket I/O.
func (a Addr) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(a.IP), Port: a.Port}
}

// FromUDPAddr converts a socket-reported source address back into an
// Addr, preserving family.
func FromUDPAddr(u *net.UDPAddr) Addr {
	fam := FamilyIPv4
	if u.IP.To4() == nil {
		fam = FamilyIPv6
	}
	return Addr{IP: u.IP.String(), Port: u.Port, Family: fam}
}

// FromSockaddr converts the unix.Sockaddr reported by recvfrom(2)
// into an Addr, the raw-syscall equivalent of FromUDPAddr used by the
// poll-driven I/O path (internal/rtpproxy/forward).
func FromSockaddr(sa unix.Sockaddr) (Addr, error) {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		ip := net.IP(a.Addr[:])
		return Addr{IP: ip.String(), Port: a.Port, Family: FamilyIPv4}, nil
	case *unix.SockaddrInet6:
		ip := net.IP(a.Addr[:])
		return Addr{IP: ip.String(), Port: a.Port, Family: FamilyIPv6}, nil
	default:
		return Addr{}, fmt.Errorf("netaddr: unsupported sockaddr type %T", sa)
	}
}

// Sockaddr converts an Addr into the unix.Sockaddr form sendto(2)
// expects.
func (a Addr) Sockaddr() (unix.Sockaddr, error) {
	ip := net.ParseIP(a.IP)
	if ip == nil {
		return nil, fmt.Errorf("netaddr: invalid address %q", a.IP)
	}
	if a.Family == FamilyIPv6 || ip.To4() == nil {
		var sa unix.SockaddrInet6
		copy(sa.Addr[:], ip.To16())
		sa.Port = a.Port
		return &sa, nil
	}
	var sa unix.SockaddrInet4
	copy(sa.Addr[:], ip.To4())
	sa.Port = a.Port
	return &sa, nil
}
