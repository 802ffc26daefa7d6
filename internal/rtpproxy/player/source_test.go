package player

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func silence(nFrames int, codec Codec) []byte {
	return make([]byte, nFrames*codec.SamplesPerFrame()*2)
}

func TestSourceNextPacesToSampleDuration(t *testing.T) {
	src, err := NewSource(silence(3, CodecPCMU), CodecPCMU, 1)
	require.NoError(t, err)

	now := time.Now()
	data, status := src.Next(now)
	require.Equal(t, StatusReady, status, "first Next() should return a frame immediately")
	require.NotEmpty(t, data)

	_, status = src.Next(now)
	require.Equal(t, StatusLater, status, "second Next() before pacing interval elapsed")

	_, status = src.Next(now.Add(CodecPCMU.SampleDur))
	require.Equal(t, StatusReady, status, "Next() after one sample duration has elapsed")
}

func TestSourceEOFAfterRepeats(t *testing.T) {
	src, err := NewSource(silence(1, CodecPCMU), CodecPCMU, 2)
	require.NoError(t, err)

	now := time.Now()
	seen := 0
	for i := 0; i < 10; i++ {
		_, status := src.Next(now)
		if status == StatusEOF {
			break
		}
		if status == StatusReady {
			seen++
		}
		now = now.Add(CodecPCMU.SampleDur)
	}

	require.Equal(t, 2, seen, "frames seen across 2 repeats")

	_, status := src.Next(now)
	require.Equal(t, StatusEOF, status)
}

func TestSourceSequenceAdvances(t *testing.T) {
	src, err := NewSource(silence(2, CodecPCMA), CodecPCMA, 1)
	require.NoError(t, err)

	startSeq := src.seq
	src.Next(time.Now())
	require.Equal(t, startSeq+1, src.seq)
}

func TestByPayloadTypeUnknown(t *testing.T) {
	_, ok := ByPayloadType(99)
	require.False(t, ok, "payload type 99 is not a supported codec")
}
