// Package supervisor owns the websockify child processes: it spawns one
// bridge per console session, resolves the PID of the daemonized child,
// probes process and port liveness, and tears bridges down with an
// escalating signal ladder. It is also the pool's window into OS reality
// (the portpool.Prober implementation).
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"

	"github.com/oriys/vela/internal/logging"
	"github.com/oriys/vela/internal/metrics"
)

var (
	ErrSpawnFailed     = errors.New("supervisor: websockify spawn failed")
	ErrTerminateFailed = errors.New("supervisor: process would not die")
)

// Config holds supervisor settings.
type Config struct {
	WebsockifyBin string
	NoVNCWebRoot  string
	LogDir        string

	// RunOnce makes each bridge exit after its first client disconnects.
	// Daemonize detaches websockify from the spawning process; PID
	// resolution then relies on port-binding evidence.
	RunOnce   bool
	Daemonize bool

	GracePeriod  time.Duration
	KillWait     time.Duration
	SpawnTimeout time.Duration

	// Managed WebSocket port range, used to recognize bridge processes
	// during enumeration.
	PortMin int
	PortMax int
}

// DefaultConfig returns supervisor settings for a stock noVNC install.
func DefaultConfig() *Config {
	return &Config{
		WebsockifyBin: "websockify",
		NoVNCWebRoot:  "/usr/share/novnc",
		LogDir:        "/var/log/vela",
		RunOnce:       true,
		Daemonize:     true,
		GracePeriod:   2 * time.Second,
		KillWait:      1 * time.Second,
		SpawnTimeout:  5 * time.Second,
		PortMin:       6100,
		PortMax:       6999,
	}
}

// Supervisor spawns and terminates websockify bridges.
type Supervisor struct {
	cfg *Config
	fs  procfs.FS
	log *slog.Logger
}

// New validates the configuration, creates the log directory, and opens
// the proc filesystem used for process enumeration.
func New(cfg *Config) (*Supervisor, error) {
	if cfg.WebsockifyBin == "" {
		return nil, fmt.Errorf("supervisor: websockify binary path is required")
	}
	if cfg.PortMin <= 0 || cfg.PortMax < cfg.PortMin {
		return nil, fmt.Errorf("supervisor: invalid port range [%d, %d]", cfg.PortMin, cfg.PortMax)
	}
	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("supervisor: create log dir %s: %w", cfg.LogDir, err)
		}
	}
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("supervisor: open procfs: %w", err)
	}
	return &Supervisor{
		cfg: cfg,
		fs:  fs,
		log: logging.Component("supervisor"),
	}, nil
}

// Spawn starts a websockify bridging wsPort to vncHost:vncPort and returns
// the PID of the long-running process. Because a daemonized websockify
// detaches from the direct child, the PID is resolved in order from:
// the direct child when it did not detach, the process actually listening
// on wsPort, and finally a cmdline scan of the process table.
func (s *Supervisor) Spawn(ctx context.Context, vmName, vncHost string, vncPort, wsPort int) (int, error) {
	args := make([]string, 0, 8)
	if s.cfg.Daemonize {
		args = append(args, "-D")
	}
	if s.cfg.RunOnce {
		args = append(args, "--run-once")
	}
	if s.cfg.NoVNCWebRoot != "" {
		args = append(args, "--web", s.cfg.NoVNCWebRoot)
	}
	args = append(args, strconv.Itoa(wsPort), net.JoinHostPort(vncHost, strconv.Itoa(vncPort)))

	cmd := exec.Command(s.cfg.WebsockifyBin, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if s.cfg.LogDir != "" {
		logPath := filepath.Join(s.cfg.LogDir, fmt.Sprintf("%s-%d.log", vmName, wsPort))
		logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return 0, fmt.Errorf("%w: open log %s: %v", ErrSpawnFailed, logPath, err)
		}
		cmd.Stdout = logFile
		cmd.Stderr = logFile
		defer logFile.Close()
	}

	if err := cmd.Start(); err != nil {
		metrics.Global().RecordSpawnFailure()
		return 0, fmt.Errorf("%w: start %s: %v", ErrSpawnFailed, s.cfg.WebsockifyBin, err)
	}
	directPID := cmd.Process.Pid
	// Reap the direct child; in daemon mode it exits as soon as the bridge
	// has forked.
	go cmd.Wait()

	s.log.Info("websockify spawned",
		"vm_name", vmName, "ws_port", wsPort,
		"vnc_target", net.JoinHostPort(vncHost, strconv.Itoa(vncPort)),
		"direct_pid", directPID)

	deadline := time.Now().Add(s.cfg.SpawnTimeout)
	for {
		if !s.cfg.Daemonize && s.IsAlive(directPID) && !s.IsPortFreeOS(wsPort) {
			return directPID, nil
		}
		if pid, ok := s.pidListeningOn(wsPort); ok {
			return pid, nil
		}
		if pid, ok := s.pidByCmdline(wsPort); ok {
			return pid, nil
		}
		if time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			metrics.Global().RecordSpawnFailure()
			return 0, fmt.Errorf("%w: %v", ErrSpawnFailed, ctx.Err())
		case <-time.After(50 * time.Millisecond):
		}
	}

	metrics.Global().RecordSpawnFailure()
	return 0, fmt.Errorf("%w: no pid resolved for %s on port %d within %s",
		ErrSpawnFailed, vmName, wsPort, s.cfg.SpawnTimeout)
}

// Terminate sends SIGTERM, waits up to GracePeriod, escalates to SIGKILL,
// and waits up to KillWait. An already-gone pid is a success.
func (s *Supervisor) Terminate(ctx context.Context, pid int) error {
	if pid <= 0 || !s.IsAlive(pid) {
		return nil
	}

	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return fmt.Errorf("%w: sigterm pid %d: %v", ErrTerminateFailed, pid, err)
	}
	if s.waitGone(ctx, pid, s.cfg.GracePeriod) {
		s.log.Info("websockify exited on sigterm", "pid", pid)
		return nil
	}

	s.log.Warn("websockify ignored sigterm, escalating", "pid", pid)
	if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("%w: sigkill pid %d: %v", ErrTerminateFailed, pid, err)
	}
	if s.waitGone(ctx, pid, s.cfg.KillWait) {
		return nil
	}
	return fmt.Errorf("%w: pid %d survived sigkill", ErrTerminateFailed, pid)
}

func (s *Supervisor) waitGone(ctx context.Context, pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !s.IsAlive(pid) {
			return true
		}
		select {
		case <-ctx.Done():
			return !s.IsAlive(pid)
		case <-time.After(25 * time.Millisecond):
		}
	}
	return !s.IsAlive(pid)
}

// IsAlive reports whether the pid exists, via signal 0. EPERM counts as
// alive: the process is there, just not ours to signal.
func (s *Supervisor) IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, unix.EPERM)
}
