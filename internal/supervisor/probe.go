package supervisor

import (
	"context"
	"net"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/oriys/vela/internal/domain"
)

// tcpListen is the TCP_LISTEN state in /proc/net/tcp.
const tcpListen = 0x0a

// IsPortFreeOS attempts a non-blocking bind on localhost with SO_REUSEADDR.
// A successful bind means nothing is listening on the port.
func (s *Supervisor) IsPortFreeOS(port int) bool {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var opErr error
			err := c.Control(func(fd uintptr) {
				opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return opErr
		},
	}
	ln, err := lc.Listen(context.Background(), "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

// pidListeningOn resolves the process bound to a local TCP port by matching
// listening-socket inodes from /proc/net/tcp against /proc/<pid>/fd. This is
// the authoritative PID evidence: the cmdline scan is only a fallback.
func (s *Supervisor) pidListeningOn(port int) (int, bool) {
	inodes := make(map[uint64]struct{})
	if tcp, err := s.fs.NetTCP(); err == nil {
		for _, line := range tcp {
			if line.St == tcpListen && int(line.LocalPort) == port {
				inodes[line.Inode] = struct{}{}
			}
		}
	}
	if tcp6, err := s.fs.NetTCP6(); err == nil {
		for _, line := range tcp6 {
			if line.St == tcpListen && int(line.LocalPort) == port {
				inodes[line.Inode] = struct{}{}
			}
		}
	}
	if len(inodes) == 0 {
		return 0, false
	}

	procs, err := s.fs.AllProcs()
	if err != nil {
		return 0, false
	}
	for _, proc := range procs {
		targets, err := proc.FileDescriptorTargets()
		if err != nil {
			// Processes we cannot inspect are skipped, not fatal.
			continue
		}
		for _, target := range targets {
			rest, ok := strings.CutPrefix(target, "socket:[")
			if !ok {
				continue
			}
			inode, err := strconv.ParseUint(strings.TrimSuffix(rest, "]"), 10, 64)
			if err != nil {
				continue
			}
			if _, match := inodes[inode]; match {
				return proc.PID, true
			}
		}
	}
	return 0, false
}

// pidByCmdline finds a websockify whose arguments mention the port. Last
// resort when the socket-inode match fails (e.g. the bridge has not bound
// yet, or fd inspection was denied).
func (s *Supervisor) pidByCmdline(port int) (int, bool) {
	procs, err := s.fs.AllProcs()
	if err != nil {
		return 0, false
	}
	for _, proc := range procs {
		argv, err := proc.CmdLine()
		if err != nil || len(argv) == 0 {
			continue
		}
		if !strings.Contains(strings.ToLower(strings.Join(argv, " ")), "websockify") {
			continue
		}
		if portFromArgs(argv, port, port) == port {
			return proc.PID, true
		}
	}
	return 0, false
}

// EnumerateWebsockify walks the process table and returns every process
// whose cmdline carries both the websockify and novnc markers and a port
// argument inside the managed range. Per-process errors are skipped; the
// result is a best-effort snapshot.
func (s *Supervisor) EnumerateWebsockify() []domain.BridgeProcess {
	procs, err := s.fs.AllProcs()
	if err != nil {
		s.log.Warn("process table walk failed", "error", err)
		return nil
	}

	var out []domain.BridgeProcess
	for _, proc := range procs {
		argv, err := proc.CmdLine()
		if err != nil || len(argv) == 0 {
			continue
		}
		joined := strings.ToLower(strings.Join(argv, " "))
		if !strings.Contains(joined, "websockify") || !strings.Contains(joined, "novnc") {
			continue
		}
		port := portFromArgs(argv, s.cfg.PortMin, s.cfg.PortMax)
		if port == 0 {
			continue
		}
		out = append(out, domain.BridgeProcess{PID: proc.PID, WSPort: port})
	}
	return out
}

// portFromArgs returns the first numeric argument within [min, max]. A
// host:port argument counts by its port part, so both "6150" and
// "0.0.0.0:6150" spellings are recognized.
func portFromArgs(argv []string, min, max int) int {
	for _, arg := range argv[1:] {
		cand := arg
		if i := strings.LastIndex(cand, ":"); i >= 0 {
			cand = cand[i+1:]
		}
		n, err := strconv.Atoi(cand)
		if err == nil && n >= min && n <= max {
			return n
		}
	}
	return 0
}
