package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

func newTestSupervisor(t *testing.T, bin string) *Supervisor {
	t.Helper()
	s, err := New(&Config{
		WebsockifyBin: bin,
		NoVNCWebRoot:  "/usr/share/novnc",
		LogDir:        t.TempDir(),
		RunOnce:       true,
		Daemonize:     true,
		GracePeriod:   2 * time.Second,
		KillWait:      time.Second,
		SpawnTimeout:  3 * time.Second,
		PortMin:       6100,
		PortMax:       6999,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

// TestSpawnListenerHelper is not a test: Spawn tests re-exec the test
// binary through a stand-in websockify script that lands here. It binds
// the port it was handed and blocks like a real bridge would.
func TestSpawnListenerHelper(t *testing.T) {
	if os.Getenv("VELA_SPAWN_HELPER") != "1" {
		t.Skip("helper process only")
	}
	port := os.Args[len(os.Args)-1]
	ln, err := net.Listen("tcp", "127.0.0.1:"+port)
	if err != nil {
		fmt.Fprintln(os.Stderr, "helper listen:", err)
		os.Exit(1)
	}
	defer ln.Close()
	time.Sleep(30 * time.Second)
}

// writeStandin writes an executable script that plays websockify: it picks
// the port out of the real websockify argv and execs the test binary's
// listener helper on it.
func writeStandin(t *testing.T) string {
	t.Helper()
	testBin, err := os.Executable()
	if err != nil {
		t.Fatalf("executable: %v", err)
	}
	path := filepath.Join(t.TempDir(), "websockify")
	script := "#!/bin/sh\n" +
		"for a in \"$@\"; do\n" +
		"  case \"$a\" in\n" +
		"    [0-9]*) VELA_SPAWN_HELPER=1 exec \"" + testBin + "\" -test.run='^TestSpawnListenerHelper$' -- \"$a\" ;;\n" +
		"  esac\n" +
		"done\n" +
		"exit 1\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write standin: %v", err)
	}
	return path
}

// pickPort grabs an ephemeral port that is free right now.
func pickPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestSpawnResolvesPIDByPort(t *testing.T) {
	s := newTestSupervisor(t, writeStandin(t))
	port := pickPort(t)

	pid, err := s.Spawn(context.Background(), "vmA", "127.0.0.1", 5900, port)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer s.Terminate(context.Background(), pid)

	if pid <= 0 {
		t.Fatalf("Spawn pid = %d", pid)
	}
	if !s.IsAlive(pid) {
		t.Fatalf("spawned pid %d not alive", pid)
	}
	if s.IsPortFreeOS(port) {
		t.Fatalf("port %d free after successful spawn", port)
	}

	if err := s.Terminate(context.Background(), pid); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if s.IsAlive(pid) {
		t.Fatalf("pid %d alive after Terminate", pid)
	}
}

func TestSpawnMissingBinary(t *testing.T) {
	s := newTestSupervisor(t, filepath.Join(t.TempDir(), "does-not-exist"))

	_, err := s.Spawn(context.Background(), "vmA", "127.0.0.1", 5900, pickPort(t))
	if !errors.Is(err, ErrSpawnFailed) {
		t.Fatalf("Spawn = %v, want ErrSpawnFailed", err)
	}
}

func TestSpawnTimesOutWhenNothingBinds(t *testing.T) {
	// A stand-in that neither binds the port nor looks like websockify:
	// all three PID resolution steps must come up empty.
	path := filepath.Join(t.TempDir(), "broken-bridge")
	if err := os.WriteFile(path, []byte("#!/bin/sh\nsleep 2\n"), 0o755); err != nil {
		t.Fatalf("write stand-in: %v", err)
	}
	s := newTestSupervisor(t, path)
	s.cfg.SpawnTimeout = 300 * time.Millisecond

	_, err := s.Spawn(context.Background(), "vmA", "127.0.0.1", 5900, pickPort(t))
	if !errors.Is(err, ErrSpawnFailed) {
		t.Fatalf("Spawn = %v, want ErrSpawnFailed", err)
	}
}

func TestTerminate(t *testing.T) {
	cmd := exec.Command("sleep", "60")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start sleep: %v", err)
	}
	go cmd.Wait()
	pid := cmd.Process.Pid

	s := newTestSupervisor(t, "websockify")
	if !s.IsAlive(pid) {
		t.Fatalf("sleep pid %d not alive", pid)
	}
	if err := s.Terminate(context.Background(), pid); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if s.IsAlive(pid) {
		t.Fatalf("pid %d alive after Terminate", pid)
	}

	// Already-gone pids are not an error.
	if err := s.Terminate(context.Background(), pid); err != nil {
		t.Fatalf("Terminate on gone pid: %v", err)
	}
	if err := s.Terminate(context.Background(), 0); err != nil {
		t.Fatalf("Terminate(0): %v", err)
	}
}

func TestIsAlive(t *testing.T) {
	s := newTestSupervisor(t, "websockify")

	if !s.IsAlive(os.Getpid()) {
		t.Fatal("IsAlive(self) = false")
	}
	if s.IsAlive(0) || s.IsAlive(-1) {
		t.Fatal("IsAlive on non-positive pid = true")
	}

	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Fatalf("run true: %v", err)
	}
	if s.IsAlive(cmd.Process.Pid) {
		t.Fatalf("IsAlive(%d) = true for reaped process", cmd.Process.Pid)
	}
}

func TestIsPortFreeOS(t *testing.T) {
	s := newTestSupervisor(t, "websockify")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	if s.IsPortFreeOS(port) {
		t.Fatalf("IsPortFreeOS(%d) = true while bound", port)
	}
	ln.Close()
	if !s.IsPortFreeOS(port) {
		t.Fatalf("IsPortFreeOS(%d) = false after close", port)
	}
}

func TestPidListeningOn(t *testing.T) {
	s := newTestSupervisor(t, "websockify")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	pid, ok := s.pidListeningOn(port)
	if !ok {
		t.Fatalf("pidListeningOn(%d) found nothing", port)
	}
	if pid != os.Getpid() {
		t.Fatalf("pidListeningOn(%d) = %d, want %d", port, pid, os.Getpid())
	}
}

func TestEnumerateWebsockify(t *testing.T) {
	s := newTestSupervisor(t, "websockify")

	// A stand-in whose cmdline carries the websockify and novnc markers
	// plus a port in the managed range, the way the reconciler would see
	// an externally spawned bridge.
	// The trailing ":" keeps the shell from exec-replacing itself with sleep,
	// which would lose the marker cmdline.
	cmd := exec.Command("sh", "-c", "sleep 30; :", "websockify-novnc-standin", "6543")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start stand-in: %v", err)
	}
	defer func() {
		cmd.Process.Kill()
		cmd.Wait()
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		found := false
		for _, bridge := range s.EnumerateWebsockify() {
			if bridge.PID == cmd.Process.Pid && bridge.WSPort == 6543 {
				found = true
			}
		}
		if found {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("stand-in pid %d port 6543 not enumerated", cmd.Process.Pid)
		}
		time.Sleep(25 * time.Millisecond)
	}
}

func TestPortFromArgs(t *testing.T) {
	tests := []struct {
		argv []string
		want int
	}{
		{[]string{"websockify", "-D", "--web", "/usr/share/novnc", "6150", "localhost:5900"}, 6150},
		{[]string{"websockify", "--run-once", "0.0.0.0:6200", "127.0.0.1:5901"}, 6200},
		{[]string{"websockify", "--web", "/usr/share/novnc", "8080", "localhost:5900"}, 0},
		{[]string{"websockify"}, 0},
		{[]string{"sh", "-c", "sleep 30", "websockify-novnc", "6543"}, 6543},
	}
	for _, tt := range tests {
		if got := portFromArgs(tt.argv, 6100, 6999); got != tt.want {
			t.Fatalf("portFromArgs(%v) = %d, want %d", tt.argv, got, tt.want)
		}
	}
}
