package forward

import (
	"io"
	"log/slog"
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/rtpproxy/rtpproxy/internal/rtpproxy/netaddr"
	"github.com/rtpproxy/rtpproxy/internal/rtpproxy/resizer"
	"github.com/rtpproxy/rtpproxy/internal/rtpproxy/rtppacket"
	"github.com/rtpproxy/rtpproxy/internal/rtpproxy/session"
)

func rtpFrame(t *testing.T, seq uint16) []byte {
	t.Helper()
	pkt := &rtp.Packet{Header: rtp.Header{Version: 2, SequenceNumber: seq}, Payload: []byte{0xff}}
	data, err := pkt.Marshal()
	require.NoError(t, err)
	return data
}

func TestAuthenticateAcceptsFirstPacketUnconditionally(t *testing.T) {
	leg := &session.Leg{}
	src := netaddr.Addr{IP: "10.0.0.1", Port: 5004}

	authentic, enterUpdate := authenticate(leg, src)
	require.True(t, authentic)
	require.True(t, enterUpdate)
}

func TestAuthenticateSymmetricRequiresExactMatch(t *testing.T) {
	known := netaddr.Addr{IP: "10.0.0.1", Port: 5004}
	leg := &session.Leg{HasRemote: true, RemoteAddr: known}

	authentic, enterUpdate := authenticate(leg, netaddr.Addr{IP: "10.0.0.1", Port: 5005})
	require.False(t, authentic)
	require.False(t, enterUpdate)

	authentic, enterUpdate = authenticate(leg, known)
	require.True(t, authentic)
	require.False(t, enterUpdate)
}

func TestAuthenticateAsymmetricIgnoresPort(t *testing.T) {
	known := netaddr.Addr{IP: "10.0.0.1", Port: 5004}
	leg := &session.Leg{HasRemote: true, Asymmetric: true, RemoteAddr: known}

	authentic, enterUpdate := authenticate(leg, netaddr.Addr{IP: "10.0.0.1", Port: 6000})
	require.True(t, authentic)
	require.False(t, enterUpdate)

	authentic, enterUpdate = authenticate(leg, netaddr.Addr{IP: "10.0.0.2", Port: 5004})
	require.False(t, authentic)
	require.False(t, enterUpdate)
}

func TestAuthenticateCanUpdateAllowsMismatch(t *testing.T) {
	known := netaddr.Addr{IP: "10.0.0.1", Port: 5004}
	leg := &session.Leg{HasRemote: true, CanUpdate: true, RemoteAddr: known}

	authentic, enterUpdate := authenticate(leg, netaddr.Addr{IP: "10.0.0.9", Port: 9999})
	require.True(t, authentic)
	require.True(t, enterUpdate)
}

func TestAddressUpdateGuessesTwinPortPlusOne(t *testing.T) {
	f := New(false, 60)
	s := &session.Session{Twin: &session.Session{}}
	src := netaddr.Addr{IP: "10.0.0.1", Port: 5004}

	ok := f.addressUpdate(s, session.DirCallee, src, nil)
	require.True(t, ok)

	require.Equal(t, src, s.Legs[session.DirCallee].RemoteAddr)
	require.False(t, s.Legs[session.DirCallee].CanUpdate)

	twinLeg := s.Twin.Legs[session.DirCallee]
	require.True(t, twinLeg.HasRemote)
	require.Equal(t, 5005, twinLeg.RemoteAddr.Port)
	require.True(t, twinLeg.CanUpdate)
}

func TestAddressUpdateRespectsTwinAsymmetric(t *testing.T) {
	f := New(false, 60)
	s := &session.Session{Twin: &session.Session{}}
	s.Twin.Legs[session.DirCallee].Asymmetric = true
	src := netaddr.Addr{IP: "10.0.0.1", Port: 5004}

	f.addressUpdate(s, session.DirCallee, src, nil)

	require.False(t, s.Twin.Legs[session.DirCallee].CanUpdate)
}

func TestTrackSequenceDetectsGap(t *testing.T) {
	f := New(false, 60)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	leg := &session.Leg{}

	f.trackSequence(leg, rtpFrame(t, 100), log)
	require.NotNil(t, leg.Seq)
	f.trackSequence(leg, rtpFrame(t, 103), log)

	received, lost := leg.Seq.Stats()
	require.Equal(t, uint64(2), received)
	require.Equal(t, uint64(2), lost)
}

func TestHandleWithResizerNeverRelaysRawPacket(t *testing.T) {
	f := New(false, 60)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	s := &session.Session{}
	s.Legs[session.DirCallee].FD = -1
	s.Legs[session.DirCaller].FD = -1
	s.Legs[session.DirCaller].HasRemote = true
	s.Legs[session.DirCaller].RemoteAddr = netaddr.Addr{IP: "10.0.0.9", Port: 6000}
	s.Resizers[session.DirCallee] = &resizer.Resizer{OutputSamples: 1}

	pkt := &rtppacket.Packet{
		Data: rtpFrame(t, 1),
		Src:  &unix.SockaddrInet4{Port: 5004, Addr: [4]byte{10, 0, 0, 1}},
	}

	ok := f.handle(s, session.DirCallee, pkt, log)
	require.True(t, ok)

	// One inbound RTP payload byte at OutputSamples==1 yields exactly
	// one reframed packet, so the resizer path alone should account
	// for it: the raw passthrough relay must never also fire.
	require.Equal(t, uint64(1), s.Counters.Relayed)
	require.Equal(t, uint64(0), s.Counters.Dropped)
}

func TestHandleWithoutResizerRelaysRawPacketOnce(t *testing.T) {
	f := New(false, 60)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	s := &session.Session{}
	s.Legs[session.DirCallee].FD = -1
	s.Legs[session.DirCaller].FD = -1
	s.Legs[session.DirCaller].HasRemote = true
	s.Legs[session.DirCaller].RemoteAddr = netaddr.Addr{IP: "10.0.0.9", Port: 6000}

	pkt := &rtppacket.Packet{
		Data: rtpFrame(t, 1),
		Src:  &unix.SockaddrInet4{Port: 5004, Addr: [4]byte{10, 0, 0, 1}},
	}

	ok := f.handle(s, session.DirCallee, pkt, log)
	require.True(t, ok)
	require.Equal(t, uint64(1), s.Counters.Relayed)
	require.Equal(t, uint64(0), s.Counters.Dropped)
}
