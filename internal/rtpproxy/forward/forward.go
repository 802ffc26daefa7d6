// Package forward implements the NAT learner and forwarder (§4.2):
// for every packet read off a session's socket it decides whether the
// source is authentic, learns or latches the remote endpoint, relays
// to the peer leg, feeds the optional recorder and resizer, and keeps
// the session's TTL alive. It is the Go analogue of rxmit_packets()/
// send_packet() in the original, restructured around the Session/Leg
// types in internal/rtpproxy/session instead of raw struct fields.
package forward

import (
	"log/slog"

	"github.com/rtpproxy/rtpproxy/internal/rtpproxy/netaddr"
	"github.com/rtpproxy/rtpproxy/internal/rtpproxy/player"
	"github.com/rtpproxy/rtpproxy/internal/rtpproxy/rtppacket"
	"github.com/rtpproxy/rtpproxy/internal/rtpproxy/session"
)

// LowByteRateThreshold is LBR_THRS from the original: packets at or
// below this size get double-sent when dmode is enabled, to help
// them survive a lossy first hop to a low-bitrate codec's decoder.
const LowByteRateThreshold = 128

// maxDrain bounds how many packets are drained from one descriptor
// per poll tick (§4.2 "drain up to 5 packets"), so one busy session
// can't starve the rest of the table within a single event-loop pass.
const maxDrain = 5

// Forwarder holds the process-wide options that affect every relay
// decision: double-send mode and the session TTL to restore on every
// authentic packet.
type Forwarder struct {
	DoubleSend bool
	MaxTTL     int
}

// New builds a Forwarder from daemon-wide config.
func New(doubleSend bool, maxTTL int) *Forwarder {
	return &Forwarder{DoubleSend: doubleSend, MaxTTL: maxTTL}
}

// Drain reads and relays up to maxDrain packets from one session leg.
// ok is false only when an unrecoverable allocation failure occurred
// while learning the remote address (§4.2 "fatal session error");
// callers must remove the session and stop draining its descriptor.
func (f *Forwarder) Drain(s *session.Session, d session.Direction, log *slog.Logger) bool {
	for i := 0; i < maxDrain; i++ {
		pkt, err := rtppacket.Recv(s.Legs[d].FD)
		if err != nil {
			log.Warn("recv failed", "err", err)
			return true
		}
		if pkt == nil {
			return true // EAGAIN: nothing more to read this tick
		}
		if !f.handle(s, d, pkt, log) {
			return false
		}
	}
	return true
}

func (f *Forwarder) handle(s *session.Session, d session.Direction, pkt *rtppacket.Packet, log *slog.Logger) bool {
	leg := &s.Legs[d]

	srcAddr, err := netaddr.FromSockaddr(pkt.Src)
	if err != nil {
		return true // unparseable source address: drop silently
	}

	authentic, enterUpdate := authenticate(leg, srcAddr)
	if !authentic {
		return true
	}
	if enterUpdate {
		if !f.addressUpdate(s, d, srcAddr, log) {
			return false
		}
	}

	s.Counters.In[d]++
	s.TTL = f.MaxTTL
	f.trackSequence(leg, pkt.Data, log)

	outDir := d.Other()
	outLeg := &s.Legs[outDir]
	outSuppressed := s.Players[outDir] != nil

	if rz := s.Resizers[d]; rz != nil && rz.OutputSamples > 0 {
		// A resizer owns this packet outright (rtp_resizer_enqueue's
		// ownership-transfer semantics, original_source/main.c:1407-
		// 1410): the raw packet is never relayed, only whatever
		// reframed output the resizer emits.
		if err := rz.Enqueue(pkt.Data); err == nil {
			for _, frame := range rz.Get() {
				if !outLeg.HasRemote || outSuppressed {
					s.Counters.Dropped++
					continue
				}
				f.relay(outLeg, frame)
				s.Counters.Relayed++
			}
		}
	} else if !outLeg.HasRemote || outSuppressed {
		s.Counters.Dropped++
	} else {
		f.relay(outLeg, pkt.Data)
		s.Counters.Relayed++
	}

	if s.Recorder[d] != nil && !outSuppressed {
		_ = s.Recorder[d].Write(pkt.Data, pkt.RTime)
	}

	return true
}

// trackSequence feeds one leg's running loss tracker, logging a
// warning when a gap is detected. It has no bearing on the relay
// decision: a dropped or out-of-order packet is still forwarded.
func (f *Forwarder) trackSequence(leg *session.Leg, data []byte, log *slog.Logger) {
	seq, _, _, _, ok := rtppacket.ParseHeader(data)
	if !ok {
		return
	}
	if leg.Seq == nil {
		leg.Seq = player.NewSequenceTracker()
	}
	if _, lost := leg.Seq.Update(seq); lost > 0 {
		log.Warn("sequence gap detected", "lost", lost, "loss_rate", leg.Seq.LossRate())
	}
}

// authenticate implements §4.2 step 1. enterUpdate is true when the
// caller should now treat srcAddr as the new learned remote (either
// because none was known yet, or because can_update allowed the
// mismatch through).
func authenticate(leg *session.Leg, src netaddr.Addr) (authentic bool, enterUpdate bool) {
	if !leg.HasRemote {
		return true, true
	}
	match := false
	if leg.Asymmetric {
		match = leg.RemoteAddr.SameHost(src)
	} else {
		match = leg.RemoteAddr == src
	}
	if match {
		return true, false
	}
	if leg.CanUpdate {
		return true, true
	}
	return false, false
}

// addressUpdate implements §4.2 step 2: latch the new remote address
// and, for the RTP leg, guess its RTCP twin's remote too.
func (f *Forwarder) addressUpdate(s *session.Session, d session.Direction, src netaddr.Addr, log *slog.Logger) bool {
	leg := &s.Legs[d]
	leg.RemoteAddr = src
	leg.HasRemote = true
	leg.CanUpdate = false

	if s.Twin == nil {
		return true
	}
	twinLeg := &s.Twin.Legs[d]
	guessed := src.WithPort(src.Port + 1)
	if !twinLeg.HasRemote || twinLeg.RemoteAddr != guessed {
		twinLeg.RemoteAddr = guessed
		twinLeg.HasRemote = true
		twinLeg.CanUpdate = !twinLeg.Asymmetric
	}
	return true
}

// relay sends data to leg's remote address, double-sending small
// packets when dmode is enabled (§4.2 step 3).
func (f *Forwarder) relay(leg *session.Leg, data []byte) {
	dst, err := leg.RemoteAddr.Sockaddr()
	if err != nil {
		return
	}
	rtppacket.Send(leg.FD, dst, data)
	if f.DoubleSend && len(data) <= LowByteRateThreshold {
		rtppacket.Send(leg.FD, dst, data)
	}
}
