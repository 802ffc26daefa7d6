package player

import (
	"time"

	"github.com/pion/rtp"
)

// Status reports what a Source has to offer right now. It is the Go
// stand-in for the original's RTPS_* return codes from
// rtp_server_get(): the scheduler that drives Source is a single poll
// loop tick and must never block waiting on playback timing.
type Status int

const (
	// StatusLater means the next frame isn't due yet; the caller
	// should come back on a later tick (RTPS_LATER).
	StatusLater Status = iota
	// StatusReady means Next returned a frame to send.
	StatusReady
	// StatusEOF means the prompt is exhausted and the Source should
	// be torn down (RTPS_EOF).
	StatusEOF
)

// Source is a synthetic RTP generator for a loaded prompt: one file,
// repeated a fixed number of times, paced to wall-clock time instead
// of a blocking ticker. It corresponds to struct rtp_server in the
// original, and Next is rtp_server_get(ctime).
type Source struct {
	codec   Codec
	frames  [][]byte // pre-encoded, codec-sized chunks of the prompt
	repeats int      // remaining passes over frames, as given by P<n>

	pos     int // index of the next frame within the current pass
	nextDue time.Time

	ssrc      uint32
	seq       uint16
	timestamp uint32
}

// NewSource builds a Source from linear PCM already resampled to
// 8kHz mono, splitting it into codec-sized frames and encoding each
// one up front — the original does the equivalent conversion once at
// rtp_server_new() time rather than per tick.
func NewSource(pcm []byte, codec Codec, repeats int) (*Source, error) {
	frameSamples := codec.SamplesPerFrame()
	frameBytes := frameSamples * 2 // 16-bit linear PCM
	var frames [][]byte
	for off := 0; off < len(pcm); off += frameBytes {
		end := off + frameBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		chunk := pcm[off:end]
		if len(chunk) < frameBytes {
			// Pad the final partial frame with silence rather than
			// drop it, so playback never ends on a truncated frame.
			padded := make([]byte, frameBytes)
			copy(padded, chunk)
			chunk = padded
		}
		enc, err := codec.Encode(chunk)
		if err != nil {
			return nil, err
		}
		frames = append(frames, enc)
	}
	if repeats <= 0 {
		repeats = 1
	}
	return &Source{
		codec:     codec,
		frames:    frames,
		repeats:   repeats,
		ssrc:      GenerateSSRC(),
		seq:       GenerateSequenceStart(),
		timestamp: GenerateTimestampStart(),
	}, nil
}

// Next is called on each poll loop tick, repeatedly until it stops
// returning StatusReady. It never blocks: if the
// pacing clock hasn't reached the next frame's due time it reports
// StatusLater immediately, matching rtp_server_get()'s non-blocking
// contract under the single-threaded event loop (§4.3, §5).
func (s *Source) Next(now time.Time) ([]byte, Status) {
	if s.pos >= len(s.frames) {
		s.repeats--
		if s.repeats <= 0 || len(s.frames) == 0 {
			return nil, StatusEOF
		}
		s.pos = 0
	}
	if s.nextDue.IsZero() {
		s.nextDue = now
	}
	if now.Before(s.nextDue) {
		return nil, StatusLater
	}

	payload := s.frames[s.pos]
	marker := s.pos == 0
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    s.codec.PayloadType,
			SequenceNumber: s.seq,
			Timestamp:      s.timestamp,
			SSRC:           s.ssrc,
		},
		Payload: payload,
	}
	data, err := pkt.Marshal()
	if err != nil {
		return nil, StatusEOF
	}

	s.pos++
	s.seq++
	s.timestamp += s.codec.TimestampIncrement()
	s.nextDue = s.nextDue.Add(s.codec.SampleDur)

	return data, StatusReady
}

// SSRC returns the randomly chosen SSRC stamped on every packet this
// Source generates.
func (s *Source) SSRC() uint32 {
	return s.ssrc
}
