// Package rtppacket is the out-of-scope "rtp_packet" collaborator:
// it reads and writes raw RTP/RTCP datagrams over non-blocking UDP
// sockets and, where a caller needs to look inside a packet (the
// forwarder's per-leg sequence tracking), parses just the RTP header
// via github.com/pion/rtp. The relay decision itself never depends on
// that parse — like the original, it relays opaque bytes and only
// inspects the UDP source address.
//
// Sockets are raw file descriptors managed with golang.org/x/sys/unix
// rather than net.UDPConn: the spec's event loop is a single-threaded
// poll(2) multiplexer that expects EAGAIN on an empty non-blocking
// socket, not Go's net package, which parks the calling goroutine in
// the runtime netpoller instead of returning control. Driving our own
// poll loop means driving our own recvfrom/sendto too.
package rtppacket

import (
	"time"

	"github.com/pion/rtp"
	"golang.org/x/sys/unix"
)

// MaxSize is the receive buffer size, matching the MTU-sized buffers
// used throughout the reference corpus for RTP datagrams.
const MaxSize = 1500

// Packet is a single received datagram together with the metadata the
// forwarder and learner need: who it came from and when it arrived.
// It mirrors struct rtp_packet in the original (buf/size/raddr/rtime).
type Packet struct {
	Data  []byte
	Size  int
	Src   unix.Sockaddr
	RTime time.Time
}

// Recv reads one datagram from a non-blocking socket. A nil packet
// with a nil error means "no data available right now" (EAGAIN),
// which callers treat exactly like the original's rtp_recv()
// returning NULL.
func Recv(fd int) (*Packet, error) {
	buf := make([]byte, MaxSize)
	n, from, err := unix.Recvfrom(fd, buf, 0)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	return &Packet{Data: buf[:n], Size: n, Src: from, RTime: time.Now()}, nil
}

// Send writes a datagram to dst. Errors, including partial sends and
// EWOULDBLOCK, are deliberately not surfaced beyond a best-effort
// bool: UDP media is lossy by design (§9 Open Questions), and the
// original ignores sendto()'s return value on the media path too.
func Send(fd int, dst unix.Sockaddr, data []byte) bool {
	err := unix.Sendto(fd, data, 0, dst)
	return err == nil
}

// ParseHeader extracts the RTP header (sequence number, timestamp,
// marker, and payload offset). The forwarder calls it only for its
// diagnostic per-leg sequence tracking; the bytes it relays are still
// the opaque datagram, exactly as the original rxmit_packets()/
// send_packet() pair does.
func ParseHeader(data []byte) (seq uint16, timestamp uint32, marker bool, payloadOffset int, ok bool) {
	var h rtp.Header
	n, err := h.Unmarshal(data)
	if err != nil {
		return 0, 0, false, 0, false
	}
	return h.SequenceNumber, h.Timestamp, h.Marker, n, true
}
