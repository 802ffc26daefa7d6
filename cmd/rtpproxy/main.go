// Command rtpproxy is the media relay daemon's entry point: it loads
// configuration, binds the control and media sockets, and hands
// everything to the event loop (§4.5, §6, §7). It is the Go analogue
// of main() in the original, split into config.Load()/bootstrap
// instead of one function mixing getopt and setup.
package main

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/rtpproxy/rtpproxy/internal/rtpproxy/banner"
	"github.com/rtpproxy/rtpproxy/internal/rtpproxy/config"
	"github.com/rtpproxy/rtpproxy/internal/rtpproxy/control"
	"github.com/rtpproxy/rtpproxy/internal/rtpproxy/forward"
	"github.com/rtpproxy/rtpproxy/internal/rtpproxy/ioloop"
	"github.com/rtpproxy/rtpproxy/internal/rtpproxy/netaddr"
	"github.com/rtpproxy/rtpproxy/internal/rtpproxy/player"
	"github.com/rtpproxy/rtpproxy/internal/rtpproxy/portpool"
	"github.com/rtpproxy/rtpproxy/internal/rtpproxy/rtplog"
	"github.com/rtpproxy/rtpproxy/internal/rtpproxy/session"
)

const baseVersion = "20071116"

func main() {
	cfg := config.Load()

	if cfg.ShowVersion {
		fmt.Printf("rtpproxy version %s\n", baseVersion)
		os.Exit(0)
	}

	rtplog.Init(os.Stdout)
	rtplog.SetLevel(cfg.LogLevel)

	if cfg.NFiles > 0 {
		bumpRlimit(cfg.NFiles)
	}

	if !cfg.Foreground {
		daemonize()
	}

	if cfg.PidFile != "" {
		writePidFile(cfg.PidFile)
		defer os.Remove(cfg.PidFile)
	}

	banner.Print("rtpproxy", []banner.ConfigLine{
		{Label: "control", Value: cfg.ControlSocket},
		{Label: "ttl", Value: fmt.Sprintf("%ds", cfg.TTLSeconds)},
		{Label: "ports", Value: fmt.Sprintf("%d-%d", cfg.PortMin, cfg.PortMax)},
		{Label: "double-send", Value: fmt.Sprintf("%v", cfg.DoubleSend)},
	})

	controlFD, cleanup, err := bindControlSocket(cfg.ControlSocket)
	if err != nil {
		slog.Error("failed to bind control socket", "err", err)
		os.Exit(1)
	}
	defer cleanup()

	tbl := session.NewTable()
	pool := portpool.New(cfg.PortMin, cfg.PortMax, cfg.TOS)
	log := rtplog.Component("rtpproxy")

	bmode := (cfg.Bind4 != nil && cfg.Bind4.Bridging()) || (cfg.Bind6 != nil && cfg.Bind6.Bridging())
	dispatcher := control.NewDispatcher(tbl, pool, cfg.TTLSeconds, bmode, cfg.RecordDir, cfg.SessionDir, !cfg.NoRTCPRecord, log, loadPrompt)
	if cfg.Bind4 != nil {
		dispatcher.Bind4 = bindSetFromConfig(cfg.Bind4, netaddr.FamilyIPv4)
	}
	if cfg.Bind6 != nil {
		dispatcher.Bind6 = bindSetFromConfig(cfg.Bind6, netaddr.FamilyIPv6)
	}

	loop := &ioloop.Loop{
		Table:      tbl,
		Forwarder:  forward.New(cfg.DoubleSend, cfg.TTLSeconds),
		Dispatcher: dispatcher,
		ControlFD:  controlFD,
		Log:        log,
	}
	loop.ReadCommand = commandReader(cfg.ControlSocket, controlFD, dispatcher, log)

	installSignalHandlers(loop, log)

	if err := loop.Run(); err != nil {
		log.Error("event loop exited", "err", err)
		os.Exit(1)
	}
}

func bindSetFromConfig(b *config.BindAddr, fam netaddr.Family) control.BindSet {
	primary := netaddr.Addr{IP: b.Addr, Family: fam}
	secondary := primary
	if b.Bridging() {
		secondary = netaddr.Addr{IP: b.Addr2, Family: fam}
	}
	return control.BindSet{Primary: primary, Secondary: secondary}
}

// loadPrompt resolves a P command's prompt name to linear 8kHz mono
// PCM, the seam control.Dispatcher calls into for playback (§4.3). It
// treats pname as a WAV file path, resampling and down-mixing it the
// way the original's audio pipeline expects before encoding.
func loadPrompt(pname string) ([]byte, error) {
	wav, err := player.ReadWAVFile(pname)
	if err != nil {
		return nil, err
	}
	return player.ResampleAudio(wav)
}

// bindControlSocket opens the command channel per §6's -s syntax:
// unix:path for a UNIX stream socket, udp:host:port or udp6:host:port
// for a UDP control channel. cleanup removes the unix socket path on
// shutdown the way the original unlinks it at exit.
func bindControlSocket(spec string) (fd int, cleanup func(), err error) {
	switch {
	case strings.HasPrefix(spec, "unix:"):
		path := strings.TrimPrefix(spec, "unix:")
		_ = os.Remove(path)
		fd, serr := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
		if serr != nil {
			return -1, nil, serr
		}
		if berr := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); berr != nil {
			unix.Close(fd)
			return -1, nil, berr
		}
		if lerr := unix.Listen(fd, 32); lerr != nil {
			unix.Close(fd)
			return -1, nil, lerr
		}
		if nerr := unix.SetNonblock(fd, true); nerr != nil {
			unix.Close(fd)
			return -1, nil, nerr
		}
		return fd, func() { unix.Close(fd); os.Remove(path) }, nil
	case strings.HasPrefix(spec, "udp6:"):
		return bindControlUDP(strings.TrimPrefix(spec, "udp6:"), netaddr.FamilyIPv6)
	case strings.HasPrefix(spec, "udp:"):
		return bindControlUDP(strings.TrimPrefix(spec, "udp:"), netaddr.FamilyIPv4)
	default:
		return -1, nil, fmt.Errorf("unsupported control socket scheme: %q", spec)
	}
}

func bindControlUDP(hostport string, fam netaddr.Family) (int, func(), error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return -1, nil, err
	}
	addr, err := netaddr.Resolve(host, portStr, fam)
	if err != nil {
		return -1, nil, err
	}
	domain := unix.AF_INET
	if fam == netaddr.FamilyIPv6 {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_DGRAM, 0)
	if err != nil {
		return -1, nil, err
	}
	sa, err := addr.Sockaddr()
	if err != nil {
		unix.Close(fd)
		return -1, nil, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, nil, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, nil, err
	}
	return fd, func() { unix.Close(fd) }, nil
}

// commandReader builds the ReadCommand hook the loop calls whenever
// the control descriptor is readable. The UNIX-socket control channel
// is a listening stream socket: each readable event means one pending
// connection to accept, read one command line from, and reply on
// before closing, matching handle_command()'s accept-per-command loop
// in the original. The UDP channel is connectionless: one readable
// datagram is one command, and its leading cookie token is echoed
// back ahead of the reply per §4.1.
func commandReader(spec string, fd int, d *control.Dispatcher, log *slog.Logger) func(int) bool {
	if strings.HasPrefix(spec, "unix:") {
		return unixCommandReader(d, log)
	}
	return udpCommandReader(fd, d, log)
}

func unixCommandReader(d *control.Dispatcher, log *slog.Logger) func(int) bool {
	buf := make([]byte, 4096)
	return func(listenFD int) bool {
		connFD, _, err := unix.Accept(listenFD)
		if err != nil {
			return false
		}
		defer unix.Close(connFD)

		n, err := unix.Read(connFD, buf)
		if err != nil || n == 0 {
			return false
		}
		reply := d.Handle(string(buf[:n]))
		_, _ = unix.Write(connFD, []byte(reply))
		return true
	}
}

func udpCommandReader(fd int, d *control.Dispatcher, log *slog.Logger) func(int) bool {
	buf := make([]byte, 4096)
	return func(_ int) bool {
		n, from, err := unix.Recvfrom(fd, buf, 0)
		if err != nil {
			return false
		}
		line := string(buf[:n])
		cookie := ""
		if idx := strings.IndexByte(line, ' '); idx > 0 {
			cookie, line = line[:idx], line[idx+1:]
		}
		reply := d.Handle(line)
		if cookie != "" {
			reply = cookie + " " + reply
		}
		if from != nil {
			_ = unix.Sendto(fd, []byte(reply), 0, from)
		}
		return true
	}
}

func bumpRlimit(nfiles int) {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		return
	}
	rl.Cur = uint64(nfiles)
	if rl.Max < rl.Cur {
		rl.Max = rl.Cur
	}
	_ = unix.Setrlimit(unix.RLIMIT_NOFILE, &rl)
}

func writePidFile(path string) {
	f, err := os.Create(path)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "%d\n", os.Getpid())
}

// daemonize detaches the process from its controlling terminal by
// re-executing itself with -f once under a new session, matching the
// original's fork()+setsid() double-detach without relying on a
// platform-specific fork facility Go doesn't expose.
func daemonize() {
	if os.Getenv("RTPPROXY_DAEMONIZED") == "1" {
		return
	}
	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return
	}
	defer devnull.Close()

	attr := &os.ProcAttr{
		Env:   append(os.Environ(), "RTPPROXY_DAEMONIZED=1"),
		Files: []*os.File{devnull, devnull, devnull},
		Sys:   &syscall.SysProcAttr{Setsid: true},
	}
	args := append([]string{os.Args[0], "-f"}, os.Args[1:]...)
	proc, err := os.StartProcess(os.Args[0], args, attr)
	if err != nil {
		return
	}
	_ = proc.Release()
	os.Exit(0)
}

// installSignalHandlers mirrors the original's signal set: SIGHUP,
// SIGINT, SIGTERM, SIGXCPU, SIGXFSZ, SIGVTALRM, SIGPROF, SIGUSR1 and
// SIGUSR2 stop the event loop cleanly; SIGPIPE is ignored so a peer
// closing its end of the control socket never kills the daemon
// outright.
func installSignalHandlers(loop *ioloop.Loop, log *slog.Logger) {
	signal.Ignore(syscall.SIGPIPE)

	ch := make(chan os.Signal, 4)
	signal.Notify(ch,
		syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM,
		syscall.SIGXCPU, syscall.SIGXFSZ, syscall.SIGVTALRM, syscall.SIGPROF,
		syscall.SIGUSR1, syscall.SIGUSR2)

	go func() {
		sig := <-ch
		log.Info("received signal", "signal", sig.String())
		loop.Stop()
	}()
}
