// Package session implements rtpproxy's core data model (§3): the
// two-directional media Session, its RTCP twin, and the dense Table
// that the poll loop iterates every tick. The original keeps parallel
// C arrays (sessions[], pfds[]) indexed by slot; this package keeps
// the same "dense array + back-index" shape (Table.entries, Leg.slot)
// instead of a map, because the poll loop needs the exact fd-to-slot
// correspondence pfds[] gives it (invariant 1, §3) and compaction on
// every sweep (§4.5), not map iteration order.
package session

import (
	"time"

	"github.com/rtpproxy/rtpproxy/internal/rtpproxy/netaddr"
	"github.com/rtpproxy/rtpproxy/internal/rtpproxy/player"
	"github.com/rtpproxy/rtpproxy/internal/rtpproxy/resizer"
)

// Direction indexes a session's two call legs. 0 is conventionally
// the callee, 1 the caller, matching the original's sp->fds[0]/[1].
type Direction int

const (
	DirCallee Direction = 0
	DirCaller Direction = 1
)

func (d Direction) Other() Direction {
	return 1 - d
}

// Counters tracks the four packet counts §3 requires, monotonic for
// a session's lifetime (invariant 6).
type Counters struct {
	In      [2]uint64 // packets received per direction
	Relayed uint64
	Dropped uint64
}

// Leg is one direction's socket, address, and learner state.
type Leg struct {
	FD         int // -1 until bound
	LocalAddr  netaddr.Addr
	Port       int
	RemoteAddr netaddr.Addr
	HasRemote  bool
	Asymmetric bool
	CanUpdate  bool

	// Seq tracks sequence-number continuity on this leg's inbound
	// stream, built lazily on the first packet. It's diagnostic only:
	// nothing on the relay path depends on its output.
	Seq *player.SequenceTracker

	slot int // index into the owning Table.entries, or -1 if unbound
}

// Session is one media stream: a primary (RTP) Session plus its RTCP
// Twin. Only the primary carries a TTL; the twin is reaped along with
// it (§3 "twins inherit reaping through the primary").
type Session struct {
	CallID string
	Tag    string
	// MediaNum is the optional ";<digits>" suffix used by the
	// prefix-with-medianum tag match mode (§3).
	MediaNum int

	Legs [2]Leg
	Twin *Session // nil on a twin itself

	Strong bool
	Weak   [2]bool

	Counters Counters

	Resizers [2]*resizer.Resizer
	Players  [2]*player.Source
	Recorder [2]Recorder

	TTL int // seconds remaining; primary only

	playerSlot int // index into Table.rtpServers while the session is listed there
}

// Recorder is the out-of-scope recording sink a session may attach
// per direction (§3 "recorder"). The forwarder calls Write for every
// authentic packet received on that direction while the opposite
// direction has no active player, whether or not the packet could be
// relayed; closing is the
// session's responsibility at teardown.
type Recorder interface {
	Write(data []byte, rtime time.Time) error
	Close() error
}

// HasPlayer reports whether either direction has an active
// synthetic RTP source, matching invariant 4's membership test for
// rtp_servers[].
func (s *Session) HasPlayer() bool {
	return s.Players[0] != nil || s.Players[1] != nil
}

// Alive reports whether the session should still exist: it is only
// torn down once strong and both weak flags are clear (§3 "A delete
// request clears one flag; the session is only torn down when all
// three are false.").
func (s *Session) Alive() bool {
	return s.Strong || s.Weak[0] || s.Weak[1]
}

// ClearFlag clears one liveness flag as named by a D command's weak
// argument, returning whether the session is now eligible for
// teardown.
func (s *Session) ClearFlag(weak bool, dir Direction) bool {
	if weak {
		s.Weak[dir] = false
	} else {
		s.Strong = false
	}
	return !s.Alive()
}

// PrefillRemote seeds a leg's remote address directly from a U/L
// command's address/port tokens, ahead of any packet arriving to
// learn it from (writeport()'s ia[] fill in the original). A null
// host (INADDR_ANY) is never pre-filled, matching ishostnull(): an
// unspecified address carries no routing information worth latching.
// can_update is set to NOT(asymmetric), exactly as when the
// controller sets the remote address (§3).
func (s *Session) PrefillRemote(d Direction, addr netaddr.Addr) {
	if addr.IsUnspecified() {
		return
	}
	leg := &s.Legs[d]
	leg.RemoteAddr = addr
	leg.HasRemote = true
	leg.CanUpdate = !leg.Asymmetric

	if s.Twin == nil {
		return
	}
	twinLeg := &s.Twin.Legs[d]
	twinLeg.RemoteAddr = addr.WithPort(addr.Port + 1)
	twinLeg.HasRemote = true
	twinLeg.CanUpdate = !twinLeg.Asymmetric
}
