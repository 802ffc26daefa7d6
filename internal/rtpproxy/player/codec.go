package player

import (
	"fmt"
	"time"
)

// Codec is an immutable audio codec specification for the prompt
// player. Only the two G.711 variants are supported, matching the
// teacher's CodecManager (which only ever registered PCMU) extended
// to cover PCMA since the P command's codec list is payload-type
// numbers and rtpproxy tries each one in turn (§4.1 "P").
type Codec struct {
	Name        string
	PayloadType uint8
	SampleRate  uint32
	SampleDur   time.Duration
}

var (
	CodecPCMU = Codec{"PCMU", 0, 8000, 20 * time.Millisecond}
	CodecPCMA = Codec{"PCMA", 8, 8000, 20 * time.Millisecond}
)

// ByPayloadType resolves a numeric RTP payload type, as carried in a
// P command's comma-separated codec list, to a Codec. It returns
// false for anything this player can't build, mirroring
// rtp_server_new() returning NULL for an unsupported codec so the
// dispatcher moves on to the next one in the list.
func ByPayloadType(pt int) (Codec, bool) {
	switch pt {
	case 0:
		return CodecPCMU, true
	case 8:
		return CodecPCMA, true
	default:
		return Codec{}, false
	}
}

// SamplesPerFrame returns the number of samples in one 20ms frame.
func (c Codec) SamplesPerFrame() int {
	return int(c.SampleRate) * int(c.SampleDur) / int(time.Second)
}

// TimestampIncrement returns the RTP timestamp increment per frame.
func (c Codec) TimestampIncrement() uint32 {
	return uint32(c.SamplesPerFrame())
}

// Encode converts linear 16-bit PCM to this codec's wire encoding.
func (c Codec) Encode(pcm []byte) ([]byte, error) {
	switch c.PayloadType {
	case CodecPCMU.PayloadType:
		return PCMToPCMU(pcm), nil
	case CodecPCMA.PayloadType:
		return PCMToPCMA(pcm), nil
	default:
		return nil, fmt.Errorf("player: no encoder for payload type %d", c.PayloadType)
	}
}
