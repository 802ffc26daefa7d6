// Package control implements the ASCII command dispatcher (§4.1, §6):
// it tokenizes a line or datagram, resolves the verb and its
// modifiers, mutates the session table, and formats a reply. It is
// the Go analogue of handle_command() in the original, split by verb
// into one method per command instead of one 700-line function.
package control

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/rtpproxy/rtpproxy/internal/rtpproxy/netaddr"
	"github.com/rtpproxy/rtpproxy/internal/rtpproxy/portpool"
	"github.com/rtpproxy/rtpproxy/internal/rtpproxy/session"
)

// Known capability date-stamps for the VF query, preserved verbatim
// from the original's proto_caps[] table.
var knownCapabilities = map[string]bool{
	"20040107": true,
	"20050322": true,
	"20060704": true,
	"20071116": true,
}

const protocolVersion = "20071116"

// BindSet holds the two local bridging addresses available per
// address family (bindaddr[0..1] in the original), used to resolve
// the E/I selector modifiers in bridging mode.
type BindSet struct {
	Primary   netaddr.Addr
	Secondary netaddr.Addr // equal to Primary when bridging is off
}

// Dispatcher holds everything §4.1 needs to act on a command: the
// session table, the port allocator, and the daemon-wide options that
// affect new-session defaults.
type Dispatcher struct {
	Table   *session.Table
	Pool    *portpool.Pool
	Bind4   BindSet
	Bind6   BindSet
	MaxTTL  int
	Bmode   bool // default-asymmetric when true
	RDir    string
	SDir    string
	RRTCP   bool
	Log     *slog.Logger
	audioFn func(pname string) ([]byte, error) // prompt loader, injected for testability

	created uint64 // sessions_created: monotonic, never decremented by teardown
}

// NewDispatcher builds a Dispatcher. audioLoader resolves a prompt
// name from a P command into linear PCM ready for player.NewSource;
// it is a narrow seam so tests don't need real WAV files on disk.
func NewDispatcher(tbl *session.Table, pool *portpool.Pool, maxTTL int, bmode bool, rdir, sdir string, rrtcp bool, log *slog.Logger, audioLoader func(string) ([]byte, error)) *Dispatcher {
	return &Dispatcher{
		Table:   tbl,
		Pool:    pool,
		MaxTTL:  maxTTL,
		Bmode:   bmode,
		RDir:    rdir,
		SDir:    sdir,
		RRTCP:   rrtcp,
		Log:     log,
		audioFn: audioLoader,
	}
}

// Handle tokenizes and dispatches one command, returning the reply
// body without any cookie — callers in UDP mode prepend the cookie
// they stripped before calling this (§4.1's "cookie echoed in reply").
func (d *Dispatcher) Handle(line string) string {
	argv := tokenize(line)
	if len(argv) < 1 {
		return replyError(errSyntax())
	}

	verb := argv[0][0]
	mods := argv[0][1:]

	var reply string
	var err error
	switch toUpper(verb) {
	case 'U':
		reply, err = d.handleUpdate(mods, argv[1:], false)
	case 'L':
		reply, err = d.handleUpdate(mods, argv[1:], true)
	case 'D':
		reply, err = d.handleDelete(mods, argv[1:])
	case 'P':
		reply, err = d.handlePlay(mods, argv[1:])
	case 'S':
		reply, err = d.handleStop(argv[1:])
	case 'R':
		reply, err = d.handleRecord(argv[1:])
	case 'V':
		reply, err = d.handleVersion(argv[1:])
	case 'I':
		reply, err = d.handleInfo()
	default:
		err = errUnknownVerb()
	}
	if err != nil {
		return replyError(err)
	}
	return reply
}

func toUpper(b byte) byte {
	if b >= 'a' && b <= 'z' {
		return b - 'a' + 'A'
	}
	return b
}

// tokenize splits on the wire protocol's terminator set (\r\n\t and
// space), dropping empty tokens, matching strsep()'s loop in the
// original.
func tokenize(line string) []string {
	return strings.FieldsFunc(line, func(r rune) bool {
		switch r {
		case '\r', '\n', '\t', ' ':
			return true
		}
		return false
	})
}

func replyError(err error) string {
	if ce, ok := err.(*Error); ok {
		return fmt.Sprintf("E%d", ce.Code)
	}
	return "E1"
}

// modifiers splits a verb's modifier suffix into a set for order-
// independent checks (A/S/W/6) plus the ordered run for E/I cursor
// popping and any Z<ms> value.
type modifiers struct {
	asymmetric  bool
	symmetric   bool
	weak        bool
	ipv6        bool
	eiSelectors []byte // each is 'E' or 'I', in the order they appeared
	zMillis     int
	hasZ        bool
}

func parseModifiers(mods string) (modifiers, error) {
	var m modifiers
	i := 0
	for i < len(mods) {
		c := toUpper(mods[i])
		switch c {
		case 'A':
			m.asymmetric = true
		case 'S':
			m.symmetric = true
		case 'W':
			m.weak = true
		case '6':
			m.ipv6 = true
		case 'E', 'I':
			m.eiSelectors = append(m.eiSelectors, c)
		case 'Z':
			j := i + 1
			for j < len(mods) && mods[j] >= '0' && mods[j] <= '9' {
				j++
			}
			if j == i+1 {
				return m, errSyntaxModifier()
			}
			n, _ := strconv.Atoi(mods[i+1 : j])
			m.zMillis = n
			m.hasZ = true
			i = j
			continue
		default:
			return m, errSyntaxModifier()
		}
		i++
	}
	if len(m.eiSelectors) > 2 {
		return m, errSyntaxModifier()
	}
	return m, nil
}

// selectBindAddr implements the E/I modifier's interface cursor (§4.1,
// SUPPLEMENTED FEATURES item 6): E picks the bridging/secondary
// address, I (or no selector at all) keeps the primary one. Only the
// first selector in the pair matters for a single bind decision; a
// second selector in "EI"/"IE" is accepted by parseModifiers but has
// no further effect here since one U/L call only binds one leg.
func (m modifiers) selectBindAddr(bs BindSet) netaddr.Addr {
	if len(m.eiSelectors) > 0 && m.eiSelectors[0] == 'E' {
		return bs.Secondary
	}
	return bs.Primary
}

// nsamples computes Z<ms>'s repacketization target per §4.1:
// nsamples = (ms/10)*80, and nsamples <= 0 is a syntax error.
func (m modifiers) nsamples() (int, error) {
	if !m.hasZ {
		return 0, nil
	}
	n := (m.zMillis / 10) * 80
	if n <= 0 {
		return 0, errSyntaxBadSamples()
	}
	return n, nil
}
