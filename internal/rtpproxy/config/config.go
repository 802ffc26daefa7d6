// Package config loads the daemon's startup configuration from CLI
// flags, following the teacher's flag.*Var-plus-environment-override
// idiom adapted to rtpproxy's flag set (§6). Go's flag package can't
// bundle short options the way BSD getopt does (the original parses
// "-2fv" as three flags in one token) so each must be given as its own
// flag here; the letters match the original one-for-one.
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
)

// BindAddr is one side of a -l/-6 bind address argument, which can
// carry a second, "/"-separated address enabling bridging mode (the
// relay rewrites the remote-facing leg onto addr2 instead of addr).
type BindAddr struct {
	Addr  string
	Addr2 string // empty unless bridging is enabled
}

// Bridging reports whether this bind address enables bridging mode.
func (b BindAddr) Bridging() bool {
	return b.Addr2 != ""
}

// Config holds every value in §6's CLI flag table plus the values
// derived from them after validation.
type Config struct {
	Foreground    bool   // -f
	DoubleSend    bool   // -2
	NoRTCPRecord  bool   // -R
	Bind4         *BindAddr
	Bind6         *BindAddr
	ControlSocket string // -s {unix:|udp:|udp6:}path
	TOS           int    // -t
	RecordDir     string // -r
	SessionDir    string // -S, requires -r
	TTLSeconds    int    // -T
	NFiles        int    // -L, rlimit bump
	PortMin       int    // -m
	PortMax       int    // -M
	PidFile       string // -p
	ShowVersion   bool   // -v
	LogLevel      string // ambient, not in the original getopt string
}

const (
	defaultTOS     = 184 // 0xb8 (DSCP EF), matching the original's TOS default
	defaultTTL     = 60
	defaultPortMin = 35000
	defaultPortMax = 65000
)

// Load parses os.Args, validates the result, and either returns a
// ready Config or terminates the process with a usage/error message
// on stderr and exit code 1 — matching §6's "invalid flags -> usage,
// exit 1" and §7's "fatal: invalid configuration: write stderr and
// exit 1".
func Load() *Config {
	cfg := &Config{
		TOS:        defaultTOS,
		TTLSeconds: defaultTTL,
		PortMin:    defaultPortMin,
		PortMax:    defaultPortMax,
	}

	fs := flag.NewFlagSet("rtpproxy", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: rtpproxy [-f] [-2] [-R] [-l addr1[/addr2]] [-6 addr1[/addr2]] [-s path]\n"+
			"                [-t tos] [-r rdir [-S sdir]] [-T ttl] [-L nfiles]\n"+
			"                [-m port_min] [-M port_max] [-p pidfile] [-v]\n")
	}

	var bind4, bind6 string
	fs.BoolVar(&cfg.Foreground, "f", false, "run in foreground instead of daemonizing")
	fs.BoolVar(&cfg.DoubleSend, "2", false, "double-send packets smaller than the low-byte-rate threshold")
	fs.BoolVar(&cfg.NoRTCPRecord, "R", false, "disable RTCP recording")
	fs.StringVar(&bind4, "l", "", "IPv4 bind address, addr[/addr2] enables bridging")
	fs.StringVar(&bind6, "6", "", "IPv6 bind address, addr[/addr2] enables bridging")
	fs.StringVar(&cfg.ControlSocket, "s", "udp:127.0.0.1:22222", "control socket: unix:path, udp:host:port, or udp6:host:port")
	fs.IntVar(&cfg.TOS, "t", defaultTOS, "IP_TOS value for relayed media sockets")
	fs.StringVar(&cfg.RecordDir, "r", "", "recording directory")
	fs.StringVar(&cfg.SessionDir, "S", "", "per-session recording subdirectory (requires -r)")
	fs.IntVar(&cfg.TTLSeconds, "T", defaultTTL, "session idle TTL in seconds")
	fs.IntVar(&cfg.NFiles, "L", 0, "rlimit bump on open file descriptors (0: leave unchanged)")
	fs.IntVar(&cfg.PortMin, "m", defaultPortMin, "lowest RTP port to allocate")
	fs.IntVar(&cfg.PortMax, "M", defaultPortMax, "highest RTP port to allocate")
	fs.StringVar(&cfg.PidFile, "p", "/var/run/rtpproxy.pid", "pidfile path")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "print the base protocol version, then exit (capabilities are not listed)")
	fs.StringVar(&cfg.LogLevel, "loglevel", "info", "log level: debug, info, warn, error")

	if err := fs.Parse(os.Args[1:]); err != nil {
		// flag already printed the error and usage; just exit.
		os.Exit(1)
	}

	if v := os.Getenv("RTPPROXY_LOGLEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if bind4 != "" {
		cfg.Bind4 = parseBindAddr(bind4)
	}
	if bind6 != "" {
		cfg.Bind6 = parseBindAddr(bind6)
	}

	if err := cfg.validate(); err != nil {
		fmt.Fprintf(os.Stderr, "rtpproxy: %v\n", err)
		os.Exit(1)
	}

	return cfg
}

func parseBindAddr(s string) *BindAddr {
	parts := strings.SplitN(s, "/", 2)
	b := &BindAddr{Addr: parts[0]}
	if len(parts) == 2 {
		b.Addr2 = parts[1]
	}
	return b
}

// validate enforces the fatal-configuration rules: -S without -r,
// out-of-range or inverted port bounds, and neither -l nor -6 given.
// Bridging addresses are not cross-checked: any -l/-6 pair is
// accepted as given.
func (c *Config) validate() error {
	if c.SessionDir != "" && c.RecordDir == "" {
		return fmt.Errorf("-S requires -r")
	}
	if c.PortMin <= 0 || c.PortMin > 65535 {
		return fmt.Errorf("invalid value of the port_min argument, not in the range of 1-65535")
	}
	if c.PortMax <= 0 || c.PortMax > 65535 {
		return fmt.Errorf("invalid value of the port_max argument, not in the range of 1-65535")
	}
	if c.PortMin > c.PortMax {
		return fmt.Errorf("port_min should be less than port_max")
	}
	if c.Bind4 == nil && c.Bind6 == nil {
		return fmt.Errorf("at least one of -l or -6 must be given")
	}
	return nil
}
