package control

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/rtpproxy/rtpproxy/internal/rtpproxy/netaddr"
	"github.com/rtpproxy/rtpproxy/internal/rtpproxy/portpool"
	"github.com/rtpproxy/rtpproxy/internal/rtpproxy/session"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	tbl := session.NewTable()
	pool := portpool.New(35000, 35010, 0)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := NewDispatcher(tbl, pool, 60, false, "", "", false, log, func(string) ([]byte, error) {
		return make([]byte, 320), nil
	})
	d.Bind4 = BindSet{Primary: netaddr.Addr{IP: "127.0.0.1", Family: netaddr.FamilyIPv4}}
	t.Cleanup(func() {
		for _, e := range tbl.Entries() {
			if e.FD >= 0 {
				unix.Close(e.FD)
			}
		}
	})
	return d
}

func TestTokenizeSplitsOnTerminatorSet(t *testing.T) {
	got := tokenize("U call-1 \t10.0.0.1 5004  tagA\r\n")
	require.Equal(t, []string{"U", "call-1", "10.0.0.1", "5004", "tagA"}, got)
}

func TestHandleUnknownVerbReturnsE3(t *testing.T) {
	d := newTestDispatcher(t)
	require.Equal(t, "E3", d.Handle("Z foo"))
}

func TestHandleUCreatesSessionAndReturnsPort(t *testing.T) {
	d := newTestDispatcher(t)
	reply := d.Handle("U call-1 10.0.0.1 5004 tagA")
	require.NotEqual(t, "E1", reply)
	require.Regexp(t, `^\d+`, reply)
}

func TestHandleLWithNoMatchReturnsPortZero(t *testing.T) {
	d := newTestDispatcher(t)
	reply := d.Handle("L call-missing 10.0.0.1 5004 tagA tagB")
	require.Equal(t, "0", reply)
}

func TestHandleUThenLReusesSession(t *testing.T) {
	d := newTestDispatcher(t)
	d.Handle("U call-2 10.0.0.1 5004 tagA")
	reply := d.Handle("L call-2 10.0.0.2 6000 tagA tagB")
	require.NotEqual(t, "E8", reply)
}

func TestHandleDUnknownSessionReturnsE8(t *testing.T) {
	d := newTestDispatcher(t)
	require.Equal(t, "E8", d.Handle("D call-missing tagA"))
}

func TestHandleDTearsDownSession(t *testing.T) {
	d := newTestDispatcher(t)
	d.Handle("U call-3 10.0.0.1 5004 tagA")
	reply := d.Handle("D call-3 tagA")
	require.Equal(t, "0", reply)
	require.Equal(t, "E8", d.Handle("D call-3 tagA"))
}

func TestHandleVReturnsBaseVersion(t *testing.T) {
	d := newTestDispatcher(t)
	require.Equal(t, protocolVersion, d.Handle("V"))
}

func TestHandleVFKnownCapability(t *testing.T) {
	d := newTestDispatcher(t)
	require.Equal(t, "1", d.Handle("VF 20040107"))
	require.Equal(t, "0", d.Handle("VF 19990101"))
}

func TestHandleIReportsActiveSessions(t *testing.T) {
	d := newTestDispatcher(t)
	d.Handle("U call-4 10.0.0.1 5004 tagA")
	reply := d.Handle("I")
	require.Contains(t, reply, "active sessions: 1")
}

func TestParseModifiersRejectsExcessEISelectors(t *testing.T) {
	_, err := parseModifiers("EIE")
	require.Error(t, err)
}

func TestModifiersNsamplesComputation(t *testing.T) {
	m, err := parseModifiers("Z20")
	require.NoError(t, err)
	n, err := m.nsamples()
	require.NoError(t, err)
	require.Equal(t, 160, n)
}

func TestSelectBindAddrPicksSecondaryOnE(t *testing.T) {
	bs := BindSet{
		Primary:   netaddr.Addr{IP: "10.0.0.1"},
		Secondary: netaddr.Addr{IP: "203.0.113.1"},
	}
	m, err := parseModifiers("E")
	require.NoError(t, err)
	require.Equal(t, "203.0.113.1", m.selectBindAddr(bs).IP)

	m, err = parseModifiers("")
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1", m.selectBindAddr(bs).IP)
}

func TestHandlePlayThenStopTogglesRTPServers(t *testing.T) {
	d := newTestDispatcher(t)
	d.Handle("U call-5 10.0.0.1 5004 tagA")

	reply := d.Handle("P1 call-5 prompt1 0 tagA")
	require.Equal(t, "0", reply)
	require.Len(t, d.Table.RTPServers(), 1)

	reply = d.Handle("S call-5 tagA")
	require.Equal(t, "0", reply)
	require.Empty(t, d.Table.RTPServers())
}

func TestHandlePlayUnknownSessionReturnsE8(t *testing.T) {
	d := newTestDispatcher(t)
	reply := d.Handle("P1 call-missing prompt1 0 tagA")
	require.Equal(t, "E8", reply)
}

func TestHandlePlayViaToTagUsesOppositeLeg(t *testing.T) {
	d := newTestDispatcher(t)
	d.Handle("U call-6 10.0.0.1 5004 tagA")
	d.Handle("L call-6 10.0.0.2 6000 tagA tagB")

	reply := d.Handle("P1 call-6 prompt1 0 missing tagA")
	require.Equal(t, "0", reply)

	sess, _ := d.Table.Lookup("call-6", "missing", "tagA")
	require.NotNil(t, sess)
	require.NotNil(t, sess.Players[session.DirCallee])
	require.Nil(t, sess.Players[session.DirCaller])
}

func TestHandleRecordNoOpWithoutRDir(t *testing.T) {
	d := newTestDispatcher(t)
	d.Handle("U call-7 10.0.0.1 5004 tagA")
	reply := d.Handle("R call-7 tagA")
	require.Equal(t, "0", reply)

	sess, _ := d.Table.Lookup("call-7", "tagA", "")
	require.Nil(t, sess.Recorder[0])
	require.Nil(t, sess.Recorder[1])
}

func TestHandleRecordUnknownSessionReturnsE8(t *testing.T) {
	d := newTestDispatcher(t)
	reply := d.Handle("R call-missing tagA")
	require.Equal(t, "E8", reply)
}

func TestModifiersNsamplesRejectsNonPositive(t *testing.T) {
	m, err := parseModifiers("Z5")
	require.NoError(t, err)
	_, err = m.nsamples()
	require.Error(t, err)
}
