// Package portpool allocates the even/odd RTP/RTCP socket pairs a
// session needs on its local bridging address. It is the Go stand-in
// for the original's create_listener()/create_twinlistener(): every
// allocation is two adjacent UDP ports (RTP on the even one, RTCP on
// the odd one right after it), bound non-blocking and IP_TOS-tagged,
// scanned with wraparound starting from wherever the last allocation
// left off so successive sessions fan out across the range instead of
// piling up at port_min.
package portpool

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/rtpproxy/rtpproxy/internal/rtpproxy/netaddr"
)

// Pool tracks the port range and per-family allocation cursor. It is
// only ever touched from the single poll loop goroutine, so it needs
// no locking — matching the session table and every other piece of
// state in this repo (§5).
type Pool struct {
	min, max int
	tos      int
	next     map[netaddr.Family]int
}

// New creates a pool over [portMin, portMax]. Both ends are forced to
// even values exactly as the original's argument parser does, since a
// session's RTP/RTCP pair must start on an even port.
func New(portMin, portMax, tos int) *Pool {
	if portMin%2 != 0 {
		portMin++
	}
	if portMax%2 != 0 {
		portMax--
	}
	return &Pool{
		min: portMin,
		max: portMax,
		tos: tos,
		next: map[netaddr.Family]int{
			netaddr.FamilyIPv4: portMin,
			netaddr.FamilyIPv6: portMin,
		},
	}
}

// Pair is one allocated RTP/RTCP socket pair bound to consecutive
// ports on ip, starting at Port (even) for RTP and Port+1 for RTCP.
type Pair struct {
	Port int
	FDs  [2]int
}

// Close releases both sockets in the pair.
func (p Pair) Close() {
	for _, fd := range p.FDs {
		if fd >= 0 {
			unix.Close(fd)
		}
	}
}

// Allocate scans for the next free even/odd port pair on ip, starting
// at startPort (or the pool's rolling cursor if startPort is outside
// the configured range), wrapping around to min once max is passed.
// It mirrors create_listener(): a bind failure with EADDRINUSE/EACCES
// just advances the scan, while any other bind error is permanent.
func (p *Pool) Allocate(ip net.IP, family netaddr.Family, startPort int) (Pair, error) {
	if startPort < p.min || startPort > p.max {
		startPort = p.next[family]
		if startPort < p.min || startPort > p.max {
			startPort = p.min
		}
	}

	port := startPort
	tried := false
	for port != startPort || !tried {
		tried = true
		fds, retryable, err := p.bindTwin(ip, family, port)
		if err == nil {
			p.next[family] = port + 2
			if p.next[family] > p.max {
				p.next[family] = p.min
			}
			return Pair{Port: port, FDs: fds}, nil
		}
		if !retryable {
			return Pair{}, err
		}
		if port >= p.max {
			port = p.min - 2
		}
		port += 2
	}
	return Pair{}, fmt.Errorf("portpool: no free ports in range [%d, %d]", p.min, p.max)
}

// bindTwin binds two adjacent UDP ports (port, port+1) on ip. The
// retryable flag distinguishes "this port is taken, try the next one"
// (EADDRINUSE/EACCES) from any other failure, which create_listener()
// treats as fatal for the whole scan.
func (p *Pool) bindTwin(ip net.IP, family netaddr.Family, port int) (fds [2]int, retryable bool, err error) {
	fds[0], fds[1] = -1, -1
	domain := unix.AF_INET
	if family == netaddr.FamilyIPv6 {
		domain = unix.AF_INET6
	}

	cleanup := func() {
		for i := range fds {
			if fds[i] >= 0 {
				unix.Close(fds[i])
				fds[i] = -1
			}
		}
	}

	for i := 0; i < 2; i++ {
		fd, serr := unix.Socket(domain, unix.SOCK_DGRAM, 0)
		if serr != nil {
			cleanup()
			return fds, false, fmt.Errorf("portpool: socket: %w", serr)
		}
		fds[i] = fd

		sa, aerr := (netaddr.Addr{IP: ip.String(), Port: port + i, Family: family}).Sockaddr()
		if aerr != nil {
			cleanup()
			return fds, false, aerr
		}
		if berr := unix.Bind(fd, sa); berr != nil {
			cleanup()
			if berr == unix.EADDRINUSE || berr == unix.EACCES {
				return fds, true, berr
			}
			return fds, false, fmt.Errorf("portpool: bind %s:%d: %w", ip, port+i, berr)
		}

		if domain == unix.AF_INET {
			if serr := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TOS, p.tos); serr != nil {
				// Non-fatal, mirrors the original logging and continuing.
				_ = serr
			}
		}
		if serr := unix.SetNonblock(fd, true); serr != nil {
			cleanup()
			return fds, false, fmt.Errorf("portpool: set nonblocking: %w", serr)
		}
	}
	return fds, false, nil
}
