// Package ioloop drives rtpproxy's single-threaded event loop (§4.5,
// §5): one poll(2) call per tick across every session socket plus the
// control channel, followed by the player scheduler, the forwarder
// sweep, command dispatch, and the once-a-second TTL reaper. There
// are no goroutines or mutexes here by design — the whole daemon
// state (session.Table) is only ever touched from this one loop,
// matching the original's single-process, single-thread model.
package ioloop

import (
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/rtpproxy/rtpproxy/internal/rtpproxy/control"
	"github.com/rtpproxy/rtpproxy/internal/rtpproxy/forward"
	"github.com/rtpproxy/rtpproxy/internal/rtpproxy/player"
	"github.com/rtpproxy/rtpproxy/internal/rtpproxy/session"
)

// pollLimit caps how many iterations per second the loop will spin
// through when there's nothing to wait on, mirroring POLL_LIMIT: a
// busy-free loop would otherwise peg a CPU core even with no traffic.
const pollLimit = 200

// timeTick is TIMETICK from the original: the TTL reaper's cadence.
const timeTick = time.Second

// Loop owns the poll(2)-driven event loop. ControlFD is the bound
// control-socket descriptor, always at pfds[0] as in the original.
type Loop struct {
	Table      *session.Table
	Forwarder  *forward.Forwarder
	Dispatcher *control.Dispatcher
	ControlFD  int
	Log        *slog.Logger

	// ReadCommand drains one command (line or datagram) from the
	// control descriptor, sends the reply itself, and reports whether
	// a command was handled; the transport (UNIX stream vs UDP
	// datagram with cookie echo) lives in the control socket layer,
	// not here.
	ReadCommand func(fd int) bool

	lastTick time.Time
	stop     atomic.Bool
	readable []unix.PollFd
}

// Stop requests the loop exit after its current iteration. It is the
// only method safe to call from outside the loop goroutine — signal
// handling is necessarily asynchronous even though the loop itself
// touches no other shared state from anywhere but Run (§5).
func (l *Loop) Stop() { l.stop.Store(true) }

// Run is the event loop itself. It never returns until Stop is called
// or a fatal poll(2) error occurs.
func (l *Loop) Run() error {
	l.lastTick = time.Now()
	lastSpin := time.Now()

	for !l.stop.Load() {
		timeout := timeTick
		if len(l.Table.RTPServers()) > 0 || len(l.Table.Entries()) > 1 {
			timeout = 20 * time.Millisecond
		}

		now := time.Now()
		elapsed := now.Sub(lastSpin)
		minInterval := time.Second / pollLimit
		if elapsed < minInterval {
			time.Sleep(minInterval - elapsed)
		}
		lastSpin = time.Now()

		n, err := l.poll(timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}

		tick := time.Now()
		if len(l.Table.RTPServers()) > 0 {
			l.runPlayers(tick)
		}
		l.runForwarder(tick)
		if n > 0 {
			if l.ReadCommand != nil {
				l.ReadCommand(l.ControlFD)
			}
		}
		if tick.Sub(l.lastTick) >= timeTick {
			l.reapExpired()
			l.lastTick = tick
		}
	}
	return nil
}

// poll builds a pollfd set from the control descriptor plus every
// live session slot and blocks up to timeout, returning how many
// descriptors are readable.
func (l *Loop) poll(timeout time.Duration) (int, error) {
	entries := l.Table.Entries()
	fds := make([]unix.PollFd, 0, len(entries)+1)
	fds = append(fds, unix.PollFd{Fd: int32(l.ControlFD), Events: unix.POLLIN})
	for _, e := range entries[1:] {
		if e.FD < 0 {
			fds = append(fds, unix.PollFd{Fd: -1})
			continue
		}
		fds = append(fds, unix.PollFd{Fd: int32(e.FD), Events: unix.POLLIN})
	}

	n, err := unix.Poll(fds, int(timeout.Milliseconds()))
	if err != nil {
		return 0, err
	}

	l.readable = fds
	return n, nil
}

// runForwarder drains every readable session descriptor through the
// forwarder, the Go equivalent of process_rtp()'s sweep, and compacts
// the table afterward to reclaim slots left by any teardown.
func (l *Loop) runForwarder(now time.Time) {
	entries := l.Table.Entries()
	compactNeeded := false
	for i := 1; i < len(entries) && i < len(l.readable); i++ {
		pfd := l.readable[i]
		if pfd.Fd < 0 || pfd.Revents&unix.POLLIN == 0 {
			continue
		}
		e := entries[i]
		if e.Session == nil {
			continue
		}
		if !l.Forwarder.Drain(e.Session, e.Dir, l.Log) {
			l.Table.Remove(e.Session)
			compactNeeded = true
		}
	}
	if compactNeeded {
		l.Table.Compact()
	}
}

// runPlayers drives the prompt-player scheduler (§4.3): every session
// with an active player is asked for its next datagram until it
// reports StatusLater, detaching players that report StatusEOF.
func (l *Loop) runPlayers(now time.Time) {
	for _, s := range l.Table.RTPServers() {
		for d := session.DirCallee; d <= session.DirCaller; d++ {
			src := s.Players[d]
			leg := &s.Legs[d]
			if src == nil || !leg.HasRemote {
				continue
			}
			for {
				data, status := src.Next(now)
				switch status {
				case player.StatusLater:
					goto nextDir
				case player.StatusEOF:
					s.Players[d] = nil
					goto nextDir
				default:
					l.sendPlayerFrame(leg, data)
				}
			}
		nextDir:
		}
		l.Table.RemovePlayer(s)
	}
}

// sendPlayerFrame sends one player-originated datagram, applying the
// same dmode/LBR_THRS double-send rule the forwarder uses for relayed
// media (§4.3, original_source/main.c:1260-1288's process_rtp_servers).
func (l *Loop) sendPlayerFrame(leg *session.Leg, data []byte) {
	dst, err := leg.RemoteAddr.Sockaddr()
	if err != nil {
		return
	}
	unix.Sendto(leg.FD, data, 0, dst)
	if l.Forwarder.DoubleSend && len(data) <= forward.LowByteRateThreshold {
		unix.Sendto(leg.FD, data, 0, dst)
	}
}

// reapExpired implements the TTL reaper (§4.4): every primary session
// either has its TTL decremented or, at zero, is torn down.
func (l *Loop) reapExpired() {
	var expired []*session.Session
	seen := map[*session.Session]bool{}
	for _, e := range l.Table.Entries() {
		if e.Session == nil || e.Session.Twin == nil || seen[e.Session] {
			continue
		}
		seen[e.Session] = true
		if e.Session.TTL <= 0 {
			expired = append(expired, e.Session)
			continue
		}
		e.Session.TTL--
	}
	for _, s := range expired {
		l.Log.Info("session timeout", "call_id", s.CallID, "tag", s.Tag)
		l.Table.Remove(s)
	}
	if len(expired) > 0 {
		l.Table.Compact()
	}
}
