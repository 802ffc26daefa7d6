// Package resizer implements the repacketizer the forwarder consults
// before relaying a packet (§4.2 step 5): it reframes incoming RTP
// payloads to a fixed output duration, expressed in samples via
// OutputSamples, buffering a partial frame across calls and emitting
// zero or more reframed packets synchronously. It is one of the
// spec's named "out of scope" external collaborators (§1); this is a
// narrow, self-contained implementation of that contract rather than
// a port of any one file, since the original's rtp_resizer.c isn't in
// the reference corpus — only main.c's call sites are.
package resizer

import (
	"github.com/pion/rtp"
)

// Resizer buffers one direction's payload stream and re-emits it in
// OutputSamples-sized frames. OutputSamples == 0 disables resizing;
// the forwarder checks that before ever touching a Resizer (§4.2
// step 5, §8 testable property 10).
type Resizer struct {
	OutputSamples int

	ssrc      uint32
	pt        uint8
	seq       uint16
	timestamp uint32
	started   bool

	buf []byte // pending linear payload bytes not yet framed
}

// Enqueue parses one inbound RTP packet and appends its payload to
// the pending buffer, seeding the output stream's SSRC/payload type
// from the first packet seen and carrying its own independent
// sequence/timestamp counters forward (reframing necessarily breaks
// the 1:1 mapping between input and output packets).
func (r *Resizer) Enqueue(data []byte) error {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(data); err != nil {
		return err
	}
	if !r.started {
		r.ssrc = pkt.SSRC
		r.pt = pkt.PayloadType
		r.seq = pkt.SequenceNumber
		r.timestamp = pkt.Timestamp
		r.started = true
	}
	r.buf = append(r.buf, pkt.Payload...)
	return nil
}

// Get drains zero or more OutputSamples-sized frames from the
// buffered payload. Samples are assumed to be one byte each
// (G.711-class codecs, the only ones this daemon's player and
// forwarder ever deal with), so OutputSamples equals the output
// frame's byte length.
func (r *Resizer) Get() [][]byte {
	if r.OutputSamples <= 0 {
		return nil
	}
	var out [][]byte
	for len(r.buf) >= r.OutputSamples {
		frame := r.buf[:r.OutputSamples]
		r.buf = r.buf[r.OutputSamples:]

		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    r.pt,
				SequenceNumber: r.seq,
				Timestamp:      r.timestamp,
				SSRC:           r.ssrc,
			},
			Payload: frame,
		}
		data, err := pkt.Marshal()
		if err != nil {
			continue
		}
		out = append(out, data)

		r.seq++
		r.timestamp += uint32(r.OutputSamples)
	}
	return out
}
