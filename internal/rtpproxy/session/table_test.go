package session

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rtpproxy/rtpproxy/internal/rtpproxy/player"
)

func newTestSession(callID, tag string, fd0, fd1 int) *Session {
	s := &Session{
		CallID: callID,
		Tag:    tag,
		Strong: true,
		Twin: &Session{
			CallID: callID,
			Tag:    tag,
		},
	}
	s.Legs[0].FD = fd0
	s.Legs[1].FD = fd1
	s.Twin.Legs[0].FD = -1
	s.Twin.Legs[1].FD = -1
	return s
}

func TestTableInsertAndLookup(t *testing.T) {
	tbl := NewTable()
	s := newTestSession("call-1", "tagA", 10, 11)
	tbl.Insert(s)

	got, viaToTag := tbl.Lookup("call-1", "tagA", "")
	require.Same(t, s, got)
	require.False(t, viaToTag)
	got, _ = tbl.Lookup("call-1", "tagB", "")
	require.Nil(t, got)
}

func TestTableLookupPrefixWithMedianum(t *testing.T) {
	tbl := NewTable()
	s := newTestSession("call-2", "tagA;5", 20, 21)
	tbl.Insert(s)

	got, _ := tbl.Lookup("call-2", "tagA", "")
	require.Same(t, s, got)
}

func TestTableLookupViaToTagReportsMatch(t *testing.T) {
	tbl := NewTable()
	s := newTestSession("call-2b", "tagB", 22, 23)
	tbl.Insert(s)

	got, viaToTag := tbl.Lookup("call-2b", "tagA", "tagB")
	require.Same(t, s, got)
	require.True(t, viaToTag)
}

func TestTableRemoveClearsSlotsAndIndex(t *testing.T) {
	tbl := NewTable()
	s := newTestSession("call-3", "tagA", 30, 31)
	tbl.Insert(s)
	got, _ := tbl.Lookup("call-3", "tagA", "")
	require.NotNil(t, got)

	tbl.Remove(s)
	got, _ = tbl.Lookup("call-3", "tagA", "")
	require.Nil(t, got)

	tbl.Compact()
	for _, e := range tbl.Entries() {
		require.NotEqual(t, 30, e.FD)
		require.NotEqual(t, 31, e.FD)
	}
}

func TestSessionAliveTracksLivenessFlags(t *testing.T) {
	s := &Session{Strong: true}
	require.True(t, s.Alive())

	done := s.ClearFlag(false, DirCallee)
	require.True(t, done)
	require.False(t, s.Alive())
}

func TestSessionAliveWithWeakHolders(t *testing.T) {
	s := &Session{Weak: [2]bool{true, true}}
	require.True(t, s.Alive())

	require.False(t, s.ClearFlag(true, DirCallee))
	require.True(t, s.Alive())
	require.True(t, s.ClearFlag(true, DirCaller))
	require.False(t, s.Alive())
}

func TestTableAddRemovePlayerInvariant(t *testing.T) {
	tbl := NewTable()
	s := newTestSession("call-4", "tagA", 40, 41)
	tbl.Insert(s)
	require.Empty(t, tbl.RTPServers())

	src, err := player.NewSource(make([]byte, 320), player.CodecPCMU, 1)
	require.NoError(t, err)
	s.Players[0] = src
	tbl.AddPlayer(s)
	require.Len(t, tbl.RTPServers(), 1)

	s.Players[0] = nil
	tbl.RemovePlayer(s)
	require.Empty(t, tbl.RTPServers())
}
