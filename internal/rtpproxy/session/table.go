package session

import (
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// slotEntry is one entry in the dense sessions[]/pfds[] pair (§3
// Global state). A nil Session marks a hole left by teardown, swept
// away on the next Compact call.
type slotEntry struct {
	sess *Session
	dir  Direction
	fd   int
}

// Table is the process-wide session table: a dense slot array plus
// lookup indexes, touched only from the single poll-loop goroutine
// (§5 — no locking anywhere in this package).
type Table struct {
	entries    []slotEntry // index 0 reserved for the control channel
	rtpServers []*Session  // dense array of sessions with an active player (invariant 4)
	byCallID   map[string][]*Session
}

// NewTable returns an empty table with slot 0 reserved for the
// control channel pseudo-entry, matching the original's
// cf->sessions[0] convention.
func NewTable() *Table {
	return &Table{
		entries:  []slotEntry{{fd: -1}},
		byCallID: make(map[string][]*Session),
	}
}

// Insert adds a freshly built Session and its RTCP twin to the table,
// appending one slot per bound fd across both legs of both the
// primary and the twin — the Go equivalent of append_session() called
// four times in the original's handle_command().
func (t *Table) Insert(s *Session) {
	t.appendLeg(s, DirCallee)
	t.appendLeg(s, DirCaller)
	t.appendLeg(s.Twin, DirCallee)
	t.appendLeg(s.Twin, DirCaller)
	t.byCallID[s.CallID] = append(t.byCallID[s.CallID], s)
}

func (t *Table) appendLeg(s *Session, d Direction) {
	leg := &s.Legs[d]
	if leg.FD == -1 {
		leg.slot = -1
		return
	}
	leg.slot = len(t.entries)
	t.entries = append(t.entries, slotEntry{sess: s, dir: d, fd: leg.FD})
}

// AddPlayer registers s in rtpServers if it isn't already there,
// mirroring append_server()'s "only add once" guard.
func (t *Table) AddPlayer(s *Session) {
	for _, existing := range t.rtpServers {
		if existing == s {
			return
		}
	}
	s.playerSlot = len(t.rtpServers)
	t.rtpServers = append(t.rtpServers, s)
}

// RemovePlayer drops s from rtpServers once neither direction has an
// active player left, keeping invariant 4.
func (t *Table) RemovePlayer(s *Session) {
	if s.HasPlayer() {
		return
	}
	for i, existing := range t.rtpServers {
		if existing == s {
			t.rtpServers = append(t.rtpServers[:i], t.rtpServers[i+1:]...)
			for j := i; j < len(t.rtpServers); j++ {
				t.rtpServers[j].playerSlot = j
			}
			return
		}
	}
}

// RTPServers returns the dense array of sessions with an active
// player, for the player scheduler to iterate each tick (§4.3).
func (t *Table) RTPServers() []*Session {
	return t.rtpServers
}

// Entries returns the slot array for the poll loop to build its
// pollfd set from (pfds[], §3).
func (t *Table) Entries() []struct {
	Session *Session
	Dir     Direction
	FD      int
} {
	out := make([]struct {
		Session *Session
		Dir     Direction
		FD      int
	}, len(t.entries))
	for i, e := range t.entries {
		out[i] = struct {
			Session *Session
			Dir     Direction
			FD      int
		}{e.sess, e.dir, e.fd}
	}
	return out
}

// Remove tears down a session and its twin: closes every bound leg
// socket that is entered in the table, clears their slots, and drops
// the call_id index entry — the Go equivalent of remove_session().
func (t *Table) Remove(s *Session) {
	t.clearLeg(s, DirCallee)
	t.clearLeg(s, DirCaller)
	t.clearLeg(s.Twin, DirCallee)
	t.clearLeg(s.Twin, DirCaller)
	t.RemovePlayerForce(s)

	list := t.byCallID[s.CallID]
	for i, cand := range list {
		if cand == s {
			t.byCallID[s.CallID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(t.byCallID[s.CallID]) == 0 {
		delete(t.byCallID, s.CallID)
	}
}

// RemovePlayerForce drops s from rtpServers unconditionally, used at
// teardown regardless of HasPlayer().
func (t *Table) RemovePlayerForce(s *Session) {
	for i, existing := range t.rtpServers {
		if existing == s {
			t.rtpServers = append(t.rtpServers[:i], t.rtpServers[i+1:]...)
			for j := i; j < len(t.rtpServers); j++ {
				t.rtpServers[j].playerSlot = j
			}
			return
		}
	}
}

func (t *Table) clearLeg(s *Session, d Direction) {
	leg := &s.Legs[d]
	if leg.slot <= 0 || leg.slot >= len(t.entries) {
		return
	}
	t.entries[leg.slot] = slotEntry{fd: -1}
	leg.slot = -1
	if leg.FD >= 0 {
		_ = unix.Close(leg.FD)
		leg.FD = -1
	}
}

// Compact sweeps holes left by Remove out of the slot array, the Go
// equivalent of process_rtp()'s end-of-sweep array compaction, and
// fixes up every surviving Leg.slot to match its new index.
func (t *Table) Compact() {
	out := t.entries[:1] // slot 0 always survives
	for i := 1; i < len(t.entries); i++ {
		e := t.entries[i]
		if e.sess == nil {
			continue
		}
		e.sess.Legs[e.dir].slot = len(out)
		out = append(out, e)
	}
	t.entries = out
}

// tagMatch implements compare_session_tags(): have (the session's own
// tag, tag1 in the original) must start with want (the needle, tag0),
// either exactly or followed by a ";medianum" suffix. The comparison
// never runs the other way around — a session tagged "callA" does not
// match a needle of "callA;5" — so there is no reverse-prefix branch.
func tagMatch(want, have string) (ok bool, medianum int, hasMedianum bool) {
	if want == have {
		return true, 0, false
	}
	if strings.HasPrefix(have, want+";") {
		suffix := have[len(want)+1:]
		if n, err := strconv.Atoi(suffix); err == nil {
			return true, n, true
		}
	}
	return false, 0, false
}

// Lookup finds a session by call_id and from_tag, falling back to
// to_tag, per §3's identity rule. viaToTag reports which of the two
// needles matched, since §4.1's acting direction depends on it: a
// verb's direction flips when the match came through to_tag instead
// of from_tag (original_source/main.c:667-677).
func (t *Table) Lookup(callID, fromTag, toTag string) (sess *Session, viaToTag bool) {
	for _, s := range t.byCallID[callID] {
		if ok, _, _ := tagMatch(fromTag, s.Tag); ok {
			return s, false
		}
		if toTag != "" {
			if ok, _, _ := tagMatch(toTag, s.Tag); ok {
				return s, true
			}
		}
	}
	return nil, false
}
