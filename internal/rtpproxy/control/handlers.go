package control

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/rtpproxy/rtpproxy/internal/rtpproxy/netaddr"
	"github.com/rtpproxy/rtpproxy/internal/rtpproxy/player"
	"github.com/rtpproxy/rtpproxy/internal/rtpproxy/record"
	"github.com/rtpproxy/rtpproxy/internal/rtpproxy/resizer"
	"github.com/rtpproxy/rtpproxy/internal/rtpproxy/session"
)

// handleUpdate implements both U (request, isLookup=false) and L
// (lookup/response, isLookup=true): find-or-create a session, bind a
// listener for the acting direction if needed, latch liveness flags,
// and reply with the local port (§4.1 U/L rows).
func (d *Dispatcher) handleUpdate(mods string, args []string, isLookup bool) (string, error) {
	if len(args) < 4 {
		return "", errSyntax()
	}
	m, err := parseModifiers(mods)
	if err != nil {
		return "", err
	}

	callID, addrStr, portStr, fromTag := args[0], args[1], args[2], args[3]
	toTag := ""
	if len(args) > 4 {
		toTag = args[4]
	}

	fam := netaddr.FamilyIPv4
	if m.ipv6 {
		fam = netaddr.FamilyIPv6
	}
	remote, aerr := netaddr.Resolve(addrStr, portStr, fam)
	if aerr != nil {
		return "", errSyntax()
	}

	sess, viaToTag := d.Table.Lookup(callID, fromTag, toTag)
	if sess == nil {
		if isLookup {
			// §7: L finding nothing replies with port 0 rather
			// than an error, via the pidx=-1 "no binding" path.
			return formatPort(0, netaddr.Addr{}), nil
		}
		return d.createSession(m, callID, fromTag, session.DirCallee, remote)
	}
	dir := matchDirection(!isLookup, viaToTag)

	leg := &sess.Legs[dir]
	d.applyModifiers(leg, m)
	if leg.FD == -1 {
		if err := d.bindLeg(sess, dir, m); err != nil {
			return "", err
		}
	}
	if m.weak {
		sess.Weak[dir] = true
	} else if !isLookup {
		sess.Strong = true
	}
	sess.PrefillRemote(dir, remote)
	sess.TTL = d.MaxTTL

	if n, err := m.nsamples(); err != nil {
		return "", err
	} else if n > 0 {
		sess.Resizers[dir] = &resizer.Resizer{OutputSamples: n}
	}

	d.Log.Info("lookup on existing session", "call_id", callID, "tag", fromTag)
	return formatPort(leg.Port, leg.LocalAddr), nil
}

// matchDirection derives the acting leg from which tag matched a
// session (§4.1, original_source/main.c:667-677): isRequest is true
// only for U, every other verb treats itself as a response. A from_tag
// match and a to_tag match always resolve to opposite legs.
func matchDirection(isRequest, viaToTag bool) session.Direction {
	if viaToTag == isRequest {
		return session.DirCaller
	}
	return session.DirCallee
}

func (d *Dispatcher) applyModifiers(leg *session.Leg, m modifiers) {
	switch {
	case m.asymmetric:
		leg.Asymmetric = true
	case m.symmetric:
		leg.Asymmetric = false
	default:
		leg.Asymmetric = d.Bmode
	}
}

func (d *Dispatcher) createSession(m modifiers, callID, fromTag string, dir session.Direction, remote netaddr.Addr) (string, error) {
	sess := &session.Session{
		CallID: callID,
		Tag:    fromTag,
		Twin:   &session.Session{CallID: callID, Tag: fromTag},
	}
	sess.Legs[0].FD, sess.Legs[1].FD = -1, -1
	sess.Twin.Legs[0].FD, sess.Twin.Legs[1].FD = -1, -1
	sess.TTL = d.MaxTTL

	d.applyModifiers(&sess.Legs[dir], m)
	d.applyModifiers(&sess.Twin.Legs[dir], m)

	if err := d.bindLeg(sess, dir, m); err != nil {
		return "", err
	}
	if m.weak {
		sess.Weak[dir] = true
	} else {
		sess.Strong = true
	}
	sess.PrefillRemote(dir, remote)

	if n, err := m.nsamples(); err != nil {
		return "", err
	} else if n > 0 {
		sess.Resizers[dir] = &resizer.Resizer{OutputSamples: n}
	}

	d.Table.Insert(sess)
	d.created++
	d.Log.Info("new session requested", "call_id", callID, "tag", fromTag)

	leg := &sess.Legs[dir]
	return formatPort(leg.Port, leg.LocalAddr), nil
}

// bindLeg allocates a fresh RTP/RTCP port pair for one direction of
// sess and its twin, choosing the bridging address via the E/I
// modifier cursor (§4.1's "Bind allocation", SUPPLEMENTED FEATURES
// item 6).
func (d *Dispatcher) bindLeg(sess *session.Session, dir session.Direction, m modifiers) error {
	bs := d.Bind4
	if m.ipv6 {
		bs = d.Bind6
	}
	local := m.selectBindAddr(bs)
	ip := parseIPOrZero(local.IP)

	fam := netaddr.FamilyIPv4
	if m.ipv6 {
		fam = netaddr.FamilyIPv6
	}
	pair, err := d.Pool.Allocate(ip, fam, 0)
	if err != nil {
		return errListenerFailedNew()
	}

	sess.Legs[dir].FD = pair.FDs[0]
	sess.Legs[dir].Port = pair.Port
	sess.Legs[dir].LocalAddr = local.WithPort(pair.Port)
	sess.Twin.Legs[dir].FD = pair.FDs[1]
	sess.Twin.Legs[dir].Port = pair.Port + 1
	sess.Twin.Legs[dir].LocalAddr = local.WithPort(pair.Port + 1)
	return nil
}

func parseIPOrZero(s string) net.IP {
	if s == "" {
		return net.IPv4zero
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return net.IPv4zero
	}
	return ip
}

func formatPort(port int, addr netaddr.Addr) string {
	if addr.IP == "" {
		return fmt.Sprintf("%d", port)
	}
	suffix := ""
	if addr.Family == netaddr.FamilyIPv6 {
		suffix = " 6"
	}
	return fmt.Sprintf("%d %s%s", port, addr.IP, suffix)
}

// handleDelete implements D: clear one liveness flag per matching
// session, deleting it once all three are clear. Matching with a
// per-medianum tag continues across every session sharing the
// prefix, per §4.1's "ndeleted tracks success" note.
func (d *Dispatcher) handleDelete(mods string, args []string) (string, error) {
	if len(args) < 2 {
		return "", errSyntax()
	}
	weak := strings.ContainsAny(mods, "wW")
	callID, fromTag := args[0], args[1]
	toTag := ""
	if len(args) > 2 {
		toTag = args[2]
	}

	deleted := 0
	for {
		sess, viaToTag := d.Table.Lookup(callID, fromTag, toTag)
		if sess == nil {
			break
		}
		dir := matchDirection(false, viaToTag)
		removed := sess.ClearFlag(weak, dir)
		if removed {
			d.teardown(sess)
		}
		deleted++
		if !removed {
			// Exact match on a session that's still alive (other
			// holders remain): a single D only clears one flag.
			break
		}
		// A session was torn down: keep scanning in case more
		// sessions share this tag as a medianum prefix (§4.1,
		// "ndeleted tracks success even if later iterations find
		// nothing").
	}
	if deleted == 0 {
		return "", errNotFound()
	}
	return "0", nil
}

func (d *Dispatcher) teardown(sess *session.Session) {
	d.Log.Info("session on ports cleaned up",
		"call_id", sess.CallID,
		"in0", sess.Counters.In[0], "in1", sess.Counters.In[1],
		"relayed", sess.Counters.Relayed, "dropped", sess.Counters.Dropped)
	for i := range sess.Recorder {
		if sess.Recorder[i] != nil {
			_ = sess.Recorder[i].Close()
		}
		if sess.Twin != nil && sess.Twin.Recorder[i] != nil {
			_ = sess.Twin.Recorder[i].Close()
		}
	}
	d.Table.Remove(sess)
	d.Table.Compact()
}

// handlePlay implements P: attach a synthetic RTP source that
// repeats n times, trying each comma-separated codec payload type in
// turn until one builds (§4.1, §7 "player construction").
func (d *Dispatcher) handlePlay(mods string, args []string) (string, error) {
	if len(args) < 4 {
		return "", errSyntax()
	}
	n, err := strconv.Atoi(mods)
	if err != nil || n <= 0 {
		n = 1
	}
	callID, pname, codecsArg, fromTag := args[0], args[1], args[2], args[3]
	toTag := ""
	if len(args) > 4 {
		toTag = args[4]
	}

	sess, viaToTag := d.Table.Lookup(callID, fromTag, toTag)
	if sess == nil {
		return "", errNotFound()
	}
	dir := matchDirection(false, viaToTag)

	pcm, err := d.audioFn(pname)
	if err != nil {
		return "", errPlayerFailed()
	}

	var src *player.Source
	for _, tok := range strings.Split(codecsArg, ",") {
		pt, perr := strconv.Atoi(strings.TrimSpace(tok))
		if perr != nil {
			continue
		}
		codec, ok := player.ByPayloadType(pt)
		if !ok {
			continue
		}
		s, serr := player.NewSource(pcm, codec, n)
		if serr != nil {
			continue
		}
		src = s
		break
	}
	if src == nil {
		return "", errPlayerFailed()
	}

	sess.Players[dir] = src
	d.Table.AddPlayer(sess)
	return "0", nil
}

// handleStop implements S: detach the player for the matched leg only
// (original_source/main.c:710-724, "spa->rtps[i] = NULL" singular).
func (d *Dispatcher) handleStop(args []string) (string, error) {
	if len(args) < 2 {
		return "", errSyntax()
	}
	callID, fromTag := args[0], args[1]
	toTag := ""
	if len(args) > 2 {
		toTag = args[2]
	}
	sess, viaToTag := d.Table.Lookup(callID, fromTag, toTag)
	if sess == nil {
		return "", errNotFound()
	}
	dir := matchDirection(false, viaToTag)
	sess.Players[dir] = nil
	d.Table.RemovePlayer(sess)
	return "0", nil
}

// handleRecord implements R: attach recorders to both directions of a
// session leg, and — unless -R disabled it (d.RRTCP) — to the same
// two directions of its RTCP twin (original_source/main.c:747-752).
func (d *Dispatcher) handleRecord(args []string) (string, error) {
	if len(args) < 2 {
		return "", errSyntax()
	}
	callID, fromTag := args[0], args[1]
	toTag := ""
	if len(args) > 2 {
		toTag = args[2]
	}
	sess, _ := d.Table.Lookup(callID, fromTag, toTag)
	if sess == nil {
		return "", errNotFound()
	}
	if d.RDir == "" {
		return "0", nil
	}
	for i := 0; i < 2; i++ {
		if sess.Recorder[i] == nil {
			if sink, err := record.Open(d.RDir, d.SDir, sess.CallID, sess.Legs[i].Port, i); err == nil {
				sess.Recorder[i] = sink
			}
		}
		if d.RRTCP && sess.Twin != nil && sess.Twin.Recorder[i] == nil {
			if sink, err := record.Open(d.RDir, d.SDir, sess.Twin.CallID, sess.Twin.Legs[i].Port, i); err == nil {
				sess.Twin.Recorder[i] = sink
			}
		}
	}
	return "0", nil
}

// handleVersion implements V / VF (§6): the base protocol version, or
// a capability date-stamp probe.
func (d *Dispatcher) handleVersion(args []string) (string, error) {
	if len(args) == 0 {
		return protocolVersion, nil
	}
	if knownCapabilities[args[0]] {
		return "1", nil
	}
	return "0", nil
}

// handleInfo implements I: a multi-line dump of every primary
// session's identity, endpoints, and counters (supplemented feature,
// SPEC_FULL.md item 1).
func (d *Dispatcher) handleInfo() (string, error) {
	var b strings.Builder
	active := 0
	fmt.Fprintf(&b, "sessions created: %d\n", d.created)
	for _, sess := range d.sessions() {
		active++
		fmt.Fprintf(&b, "%s/%s: caller = %s/%s, callee = %s/%s, stats = %d/%d/%d/%d, ttl = %d\n",
			sess.CallID, sess.Tag,
			sess.Legs[session.DirCaller].LocalAddr.String(), sess.Legs[session.DirCaller].RemoteAddr.String(),
			sess.Legs[session.DirCallee].LocalAddr.String(), sess.Legs[session.DirCallee].RemoteAddr.String(),
			sess.Counters.In[0], sess.Counters.In[1], sess.Counters.Relayed, sess.Counters.Dropped,
			sess.TTL)
	}
	fmt.Fprintf(&b, "active sessions: %d\n", active)
	return b.String(), nil
}

// sessions returns every primary Session currently in the table, read
// back out of the slot array (Table.Entries) and de-duplicated, since
// the Table doesn't otherwise expose a list of sessions directly.
func (d *Dispatcher) sessions() []*session.Session {
	seen := map[*session.Session]bool{}
	var out []*session.Session
	for _, e := range d.Table.Entries() {
		if e.Session == nil || e.Session.Twin == nil || seen[e.Session] {
			continue
		}
		seen[e.Session] = true
		out = append(out, e.Session)
	}
	return out
}
