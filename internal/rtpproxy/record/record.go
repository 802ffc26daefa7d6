// Package record implements the recording sink the spec names as an
// out-of-scope external collaborator with a narrow contract (§1): a
// session leg can have a recorder attached (the "R" command, §4.1)
// that appends every packet it would otherwise have played out to a
// peer (§4.2 step 4, "if no outbound player is active"). Files are
// opaque to the rest of the system (§6 "no other on-disk state beyond
// recordings"); this implementation writes each whole received
// datagram (RTP header included) framed with a timestamp and length
// prefix, one file per leg.
package record

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Sink is one recording file. It satisfies session.Recorder.
type Sink struct {
	f *os.File
}

// Open creates (or truncates) the recording file for one session leg
// and direction under dir, optionally nested under a per-session
// subdirectory (the -S sdir flag, which requires -r per §6).
func Open(dir, sessionSubdir, callID string, port int, direction int) (*Sink, error) {
	base := dir
	if sessionSubdir != "" {
		base = filepath.Join(dir, sessionSubdir)
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("record: mkdir %s: %w", base, err)
	}
	name := fmt.Sprintf("%s_%d_%d.rtp", sanitize(callID), port, direction)
	f, err := os.OpenFile(filepath.Join(base, name), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("record: open: %w", err)
	}
	return &Sink{f: f}, nil
}

// Write appends one packet, length-prefixed with its arrival time in
// microseconds since the Unix epoch — enough to reconstruct pacing
// during offline analysis without parsing RTP timestamps.
func (s *Sink) Write(data []byte, rtime time.Time) error {
	var hdr [12]byte
	binary.BigEndian.PutUint64(hdr[0:8], uint64(rtime.UnixMicro()))
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(data)))
	if _, err := s.f.Write(hdr[:]); err != nil {
		return err
	}
	_, err := s.f.Write(data)
	return err
}

// Close closes the underlying file.
func (s *Sink) Close() error {
	return s.f.Close()
}

func sanitize(callID string) string {
	out := make([]rune, 0, len(callID))
	for _, r := range callID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
