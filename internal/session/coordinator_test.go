package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/oriys/vela/internal/domain"
	"github.com/oriys/vela/internal/portpool"
	"github.com/oriys/vela/internal/supervisor"
)

// fakeBridge plays both sides of the OS for coordinator tests: it is the
// supervisor the coordinator drives and the prober the pool consults.
type fakeBridge struct {
	mu        sync.Mutex
	nextPID   int
	alive     map[int]bool
	portByPID map[int]int
	failSpawn bool
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{nextPID: 1000, alive: make(map[int]bool), portByPID: make(map[int]int)}
}

func (f *fakeBridge) Spawn(ctx context.Context, vmName, vncHost string, vncPort, wsPort int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSpawn {
		return 0, fmt.Errorf("%w: forced by test", supervisor.ErrSpawnFailed)
	}
	f.nextPID++
	pid := f.nextPID
	f.alive[pid] = true
	f.portByPID[pid] = wsPort
	return pid, nil
}

func (f *fakeBridge) Terminate(ctx context.Context, pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.alive, pid)
	delete(f.portByPID, pid)
	return nil
}

func (f *fakeBridge) IsAlive(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[pid]
}

func (f *fakeBridge) IsPortFreeOS(port int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for pid, p := range f.portByPID {
		if p == port && f.alive[pid] {
			return false
		}
	}
	return true
}

func (f *fakeBridge) EnumerateWebsockify() []domain.BridgeProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.BridgeProcess
	for pid, port := range f.portByPID {
		if f.alive[pid] {
			out = append(out, domain.BridgeProcess{PID: pid, WSPort: port})
		}
	}
	return out
}

func newTestCoordinator(t *testing.T, min, max int) (*Coordinator, *portpool.Pool, *fakeBridge) {
	t.Helper()
	dir := t.TempDir()
	bridge := newFakeBridge()
	pool, err := portpool.New(&portpool.Config{
		PortMin:       min,
		PortMax:       max,
		StatePath:     filepath.Join(dir, "ports.json"),
		LockPath:      filepath.Join(dir, "ports.lock"),
		AdoptionGrace: 30 * time.Second,
	}, bridge)
	if err != nil {
		t.Fatalf("portpool.New: %v", err)
	}
	coord, err := New(Config{ServerIP: "10.0.0.5"}, pool, bridge)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return coord, pool, bridge
}

func TestStartHappyPath(t *testing.T) {
	coord, _, bridge := newTestCoordinator(t, 6100, 6101)
	ctx := context.Background()

	sess, err := coord.Start(ctx, "vmA", "127.0.0.1", 5900)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sess.WSPort != 6100 {
		t.Fatalf("WSPort = %d, want 6100", sess.WSPort)
	}
	if sess.PID <= 0 {
		t.Fatalf("PID = %d", sess.PID)
	}
	want := "http://10.0.0.5:6100/vnc.html?host=10.0.0.5&port=6100"
	if sess.URL != want {
		t.Fatalf("URL = %q, want %q", sess.URL, want)
	}
	if !bridge.IsAlive(sess.PID) || bridge.IsPortFreeOS(sess.WSPort) {
		t.Fatal("bridge not running after successful Start")
	}

	list := coord.List(ctx)
	if len(list) != 1 || list[0].VMName != "vmA" {
		t.Fatalf("List = %+v, want one vmA entry", list)
	}

	ok, err := coord.Stop(ctx, "vmA")
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !ok {
		t.Fatal("Stop = false for live session")
	}
	stats, err := coord.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Allocated != 0 {
		t.Fatalf("allocated = %d after Stop, want 0", stats.Allocated)
	}
}

func TestStopUnknownVM(t *testing.T) {
	coord, _, _ := newTestCoordinator(t, 6100, 6101)

	ok, err := coord.Stop(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if ok {
		t.Fatal("Stop = true for unknown vm")
	}
}

func TestSpawnFailureRollsBack(t *testing.T) {
	coord, _, bridge := newTestCoordinator(t, 6100, 6103)
	ctx := context.Background()

	bridge.failSpawn = true
	_, err := coord.Start(ctx, "vmZ", "127.0.0.1", 5900)
	if !errors.Is(err, supervisor.ErrSpawnFailed) {
		t.Fatalf("Start = %v, want ErrSpawnFailed", err)
	}

	stats, _ := coord.Stats(ctx)
	if stats.Allocated != 0 {
		t.Fatalf("allocated = %d after rollback, want 0", stats.Allocated)
	}
	if stats.Free != 4 {
		t.Fatalf("free = %d after rollback, want 4", stats.Free)
	}
	if len(coord.List(ctx)) != 0 {
		t.Fatal("registry not empty after rollback")
	}

	// The pool is intact: a later Start succeeds from the same range.
	bridge.failSpawn = false
	sess, err := coord.Start(ctx, "vmZ", "127.0.0.1", 5900)
	if err != nil {
		t.Fatalf("Start after rollback: %v", err)
	}
	if sess.WSPort != 6100 {
		t.Fatalf("WSPort = %d, want 6100", sess.WSPort)
	}
}

func TestStartPreemptsDuplicateVM(t *testing.T) {
	coord, _, bridge := newTestCoordinator(t, 6100, 6109)
	ctx := context.Background()

	first, err := coord.Start(ctx, "vmA", "127.0.0.1", 5900)
	if err != nil {
		t.Fatalf("first Start: %v", err)
	}
	second, err := coord.Start(ctx, "vmA", "127.0.0.1", 5900)
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}

	if bridge.IsAlive(first.PID) {
		t.Fatalf("old pid %d still alive after preemption", first.PID)
	}
	if !bridge.IsAlive(second.PID) {
		t.Fatalf("new pid %d not alive", second.PID)
	}

	list := coord.List(ctx)
	if len(list) != 1 || list[0].PID != second.PID {
		t.Fatalf("List = %+v, want exactly the new session", list)
	}
	stats, _ := coord.Stats(ctx)
	if stats.Allocated != 1 {
		t.Fatalf("allocated = %d, want 1", stats.Allocated)
	}
}

func TestConcurrentStartsUniquePorts(t *testing.T) {
	coord, _, _ := newTestCoordinator(t, 6100, 6109)
	ctx := context.Background()

	var wg sync.WaitGroup
	sessions := make([]*domain.Session, 10)
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sessions[i], errs[i] = coord.Start(ctx, "vm"+strconv.Itoa(i), "127.0.0.1", 5900+i)
		}(i)
	}
	wg.Wait()

	seen := make(map[int]bool)
	for i := 0; i < 10; i++ {
		if errs[i] != nil {
			t.Fatalf("Start #%d: %v", i, errs[i])
		}
		if seen[sessions[i].WSPort] {
			t.Fatalf("duplicate ws port %d", sessions[i].WSPort)
		}
		seen[sessions[i].WSPort] = true
	}
	for port := 6100; port <= 6109; port++ {
		if !seen[port] {
			t.Fatalf("port %d never handed out", port)
		}
	}

	_, err := coord.Start(ctx, "vm10", "127.0.0.1", 5910)
	if !errors.Is(err, portpool.ErrPoolExhausted) {
		t.Fatalf("11th Start = %v, want ErrPoolExhausted", err)
	}
}

func TestPoolSizeOneAlternating(t *testing.T) {
	coord, _, _ := newTestCoordinator(t, 6100, 6100)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		sess, err := coord.Start(ctx, "vmA", "127.0.0.1", 5900)
		if err != nil {
			t.Fatalf("Start round %d: %v", i, err)
		}
		if sess.WSPort != 6100 {
			t.Fatalf("WSPort = %d, want 6100", sess.WSPort)
		}
		if ok, err := coord.Stop(ctx, "vmA"); err != nil || !ok {
			t.Fatalf("Stop round %d: ok=%v err=%v", i, ok, err)
		}
	}

	if _, err := coord.Start(ctx, "vmA", "127.0.0.1", 5900); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := coord.Start(ctx, "vmB", "127.0.0.1", 5901); !errors.Is(err, portpool.ErrPoolExhausted) {
		t.Fatalf("Start on full single-port pool = %v, want ErrPoolExhausted", err)
	}
}

func TestRebuildAfterRestart(t *testing.T) {
	coord, pool, bridge := newTestCoordinator(t, 6100, 6103)
	ctx := context.Background()

	sess, err := coord.Start(ctx, "vmA", "127.0.0.1", 5900)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// A fresh coordinator over the same pool state, as after a restart.
	restarted, err := New(Config{ServerIP: "10.0.0.5"}, pool, bridge)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := restarted.Rebuild(ctx); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	list := restarted.List(ctx)
	if len(list) != 1 {
		t.Fatalf("List after Rebuild = %+v, want one entry", list)
	}
	got := list[0]
	if got.VMName != "vmA" || got.WSPort != sess.WSPort || got.PID != sess.PID {
		t.Fatalf("rebuilt session = %+v, want vmA on %d pid %d", got, sess.WSPort, sess.PID)
	}
	if got.VNCHost != "127.0.0.1" || got.VNCPort != 5900 {
		t.Fatalf("rebuilt session lost backend: %+v", got)
	}
	if got.URL != sess.URL {
		t.Fatalf("rebuilt URL = %q, want %q", got.URL, sess.URL)
	}
}

func TestRebuildSkipsDeadAndAdopted(t *testing.T) {
	coord, pool, bridge := newTestCoordinator(t, 6100, 6103)
	ctx := context.Background()

	sess, err := coord.Start(ctx, "vmA", "127.0.0.1", 5900)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Kill the process behind the registry's back.
	bridge.mu.Lock()
	delete(bridge.alive, sess.PID)
	bridge.mu.Unlock()

	restarted, err := New(Config{ServerIP: "10.0.0.5"}, pool, bridge)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := restarted.Rebuild(ctx); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if list := restarted.List(ctx); len(list) != 0 {
		t.Fatalf("List = %+v, want empty after dead-pid rebuild", list)
	}
}

func TestReconcileOnceAdoptsExternalBridge(t *testing.T) {
	coord, _, bridge := newTestCoordinator(t, 6100, 6199)
	ctx := context.Background()

	// An external websockify the coordinator never started.
	bridge.mu.Lock()
	bridge.alive[4242] = true
	bridge.portByPID[4242] = 6150
	bridge.mu.Unlock()

	rep, err := coord.ReconcileOnce(ctx)
	if err != nil {
		t.Fatalf("ReconcileOnce: %v", err)
	}
	if rep.Adopted != 1 {
		t.Fatalf("Adopted = %d, want 1", rep.Adopted)
	}
	stats, _ := coord.Stats(ctx)
	if stats.Allocated != 1 {
		t.Fatalf("allocated = %d, want 1", stats.Allocated)
	}
}

func TestInvalidVMName(t *testing.T) {
	coord, _, _ := newTestCoordinator(t, 6100, 6103)

	_, err := coord.Start(context.Background(), "bad name!", "127.0.0.1", 5900)
	if !errors.Is(err, ErrCoordination) {
		t.Fatalf("Start = %v, want ErrCoordination", err)
	}
	stats, _ := coord.Stats(context.Background())
	if stats.Allocated != 0 {
		t.Fatalf("allocated = %d, want 0", stats.Allocated)
	}
}
