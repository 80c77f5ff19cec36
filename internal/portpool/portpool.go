// Package portpool is the sole authority on which WebSocket ports are in
// use. Every mutation runs inside an exclusive cross-process advisory file
// lock and commits by writing a sibling temp file and renaming it over the
// state document, so API workers, the cleanup daemon, and ad-hoc CLI calls
// can all mutate the pool from different OS processes without torn state.
package portpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/oriys/vela/internal/domain"
	"github.com/oriys/vela/internal/logging"
	"github.com/oriys/vela/internal/metrics"
)

var (
	ErrPoolExhausted  = errors.New("portpool: no free port available")
	ErrNotAllocated   = errors.New("portpool: port not allocated")
	ErrStateCorrupt   = errors.New("portpool: state file unreadable")
	ErrCommitFailed   = errors.New("portpool: state commit failed")
	ErrPortAllocation = errors.New("portpool: state lock or I/O failed")
)

// Prober answers the OS-reality questions the pool needs: whether a pid is
// alive, whether a port is actually bindable, and which websockify bridges
// exist. The supervisor is the production implementation.
type Prober interface {
	IsAlive(pid int) bool
	IsPortFreeOS(port int) bool
	EnumerateWebsockify() []domain.BridgeProcess
}

// Config holds pool settings.
type Config struct {
	PortMin       int
	PortMax       int
	StatePath     string
	LockPath      string
	AdoptionGrace time.Duration
}

// VelaDir is the base state directory for vela.
const VelaDir = "/var/lib/vela"

// DefaultConfig returns pool settings with the stock port range.
func DefaultConfig() *Config {
	return &Config{
		PortMin:       6100,
		PortMax:       6999,
		StatePath:     filepath.Join(VelaDir, "ports.json"),
		LockPath:      filepath.Join(VelaDir, "ports.lock"),
		AdoptionGrace: 30 * time.Second,
	}
}

// Pool hands out WebSocket ports from [PortMin, PortMax]. It keeps no
// in-memory copy of the document: each operation is a locked
// read-modify-write against the state file.
type Pool struct {
	cfg    *Config
	prober Prober
	log    *slog.Logger
}

// New validates the configuration, creates the state and lock directories,
// and returns a pool. The state document itself is created lazily on first
// access.
func New(cfg *Config, prober Prober) (*Pool, error) {
	if cfg.PortMin <= 0 || cfg.PortMax < cfg.PortMin {
		return nil, fmt.Errorf("portpool: invalid port range [%d, %d]", cfg.PortMin, cfg.PortMax)
	}
	if cfg.StatePath == "" || cfg.LockPath == "" {
		return nil, fmt.Errorf("portpool: state and lock paths are required")
	}
	if prober == nil {
		return nil, fmt.Errorf("portpool: prober is required")
	}
	for _, dir := range []string{filepath.Dir(cfg.StatePath), filepath.Dir(cfg.LockPath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("portpool: create dir %s: %w", dir, err)
		}
	}
	return &Pool{
		cfg:    cfg,
		prober: prober,
		log:    logging.Component("portpool"),
	}, nil
}

// update runs fn against the current document under the advisory lock and
// commits when fn reports a mutation. A dirty document is committed even
// when fn also returns an error: dropped drift ports and reconcile results
// must survive an exhausted allocation scan.
func (p *Pool) update(ctx context.Context, fn func(st *poolState) (bool, error)) error {
	lock, err := p.acquireLock(ctx)
	if err != nil {
		return err
	}
	defer lock.release()

	st, rebuilt, err := p.loadStateLocked()
	if err != nil {
		return err
	}

	dirty, fnErr := fn(st)
	if dirty || rebuilt {
		if err := p.saveStateLocked(st); err != nil {
			return err
		}
	}
	return fnErr
}

// view runs fn read-only under the lock. A document rebuilt during load is
// still persisted so the first access creates the file.
func (p *Pool) view(ctx context.Context, fn func(st *poolState) error) error {
	return p.update(ctx, func(st *poolState) (bool, error) {
		return false, fn(st)
	})
}

// Allocate reserves the lowest free port that also passes the OS bind
// probe, records it with a null pid, and returns it. When the scan empties
// the free list it reconciles once in-lock and rescans; a second exhaustion
// returns ErrPoolExhausted.
func (p *Pool) Allocate(ctx context.Context, vmName string) (int, error) {
	return p.allocate(ctx, vmName, "", 0)
}

// AllocateWithBackend is Allocate with the VNC target recorded in the
// allocation, so sessions can be rebuilt in full after a restart.
func (p *Pool) AllocateWithBackend(ctx context.Context, vmName, vncHost string, vncPort int) (int, error) {
	return p.allocate(ctx, vmName, vncHost, vncPort)
}

func (p *Pool) allocate(ctx context.Context, vmName, vncHost string, vncPort int) (int, error) {
	var port int
	err := p.update(ctx, func(st *poolState) (bool, error) {
		dirty := false
		for pass := 0; pass < 2; pass++ {
			got, changed := p.takeFirstFree(st, vmName, vncHost, vncPort)
			dirty = dirty || changed
			if got > 0 {
				port = got
				return dirty, nil
			}
			if pass == 0 {
				rep := p.reconcileLocked(st, time.Now().UTC())
				dirty = true
				p.log.Info("free list exhausted, reconciled in-line",
					"stale_released", rep.StaleReleased,
					"adopted", rep.Adopted)
			}
		}
		return dirty, fmt.Errorf("%w: range [%d, %d]", ErrPoolExhausted, p.cfg.PortMin, p.cfg.PortMax)
	})
	if err != nil {
		return 0, err
	}
	metrics.Global().RecordPortAllocated()
	p.log.Info("port allocated", "port", port, "vm_name", vmName)
	return port, nil
}

// takeFirstFree scans the free list in ascending order. Ports that probe
// busy are dropped from the list, not re-queued, so a dead-but-occupied
// port cannot make allocation spin forever.
func (p *Pool) takeFirstFree(st *poolState, vmName, vncHost string, vncPort int) (int, bool) {
	changed := false
	for len(st.Free) > 0 {
		candidate := st.Free[0]
		st.Free = st.Free[1:]
		changed = true
		if !p.prober.IsPortFreeOS(candidate) {
			p.log.Warn("free-listed port is bound on the host, dropping it",
				"port", candidate)
			continue
		}
		st.Allocated[strconv.Itoa(candidate)] = Allocation{
			VMName:      vmName,
			VNCHost:     vncHost,
			VNCPort:     vncPort,
			AllocatedAt: time.Now().UTC(),
		}
		return candidate, changed
	}
	return 0, changed
}

// Promote sets the pid on an existing allocation. Promoting to the pid
// already recorded is a no-op; anything else on a missing or differently
// promoted port fails with ErrNotAllocated.
func (p *Pool) Promote(ctx context.Context, port, pid int) error {
	return p.update(ctx, func(st *poolState) (bool, error) {
		key := strconv.Itoa(port)
		alloc, ok := st.Allocated[key]
		if !ok {
			return false, fmt.Errorf("%w: port %d", ErrNotAllocated, port)
		}
		if alloc.Live() {
			if *alloc.PID == pid {
				return false, nil
			}
			return false, fmt.Errorf("%w: port %d already promoted to pid %d", ErrNotAllocated, port, *alloc.PID)
		}
		alloc.PID = &pid
		st.Allocated[key] = alloc
		return true, nil
	})
}

// Release removes an allocation and returns the port to the free list in
// sorted position. A mismatched vmName logs a warning but still releases
// (operator override). Releasing an already-free port is a no-op.
func (p *Pool) Release(ctx context.Context, port int, vmName string) error {
	if port < p.cfg.PortMin || port > p.cfg.PortMax {
		return fmt.Errorf("portpool: port %d outside managed range [%d, %d]", port, p.cfg.PortMin, p.cfg.PortMax)
	}
	released := false
	err := p.update(ctx, func(st *poolState) (bool, error) {
		key := strconv.Itoa(port)
		alloc, ok := st.Allocated[key]
		if !ok {
			return false, nil
		}
		if vmName != "" && alloc.VMName != vmName {
			p.log.Warn("releasing port owned by another vm",
				"port", port, "owner", alloc.VMName, "requested_by", vmName)
		}
		delete(st.Allocated, key)
		st.Free = insertSorted(st.Free, port)
		released = true
		return true, nil
	})
	if err != nil {
		return err
	}
	if released {
		metrics.Global().RecordPortReleased()
		p.log.Info("port released", "port", port, "vm_name", vmName)
	}
	return nil
}

// Stats describes pool occupancy.
type Stats struct {
	Total       int       `json:"total"`
	Allocated   int       `json:"allocated"`
	Free        int       `json:"free"`
	Utilization float64   `json:"utilization"`
	LastCleanup time.Time `json:"last_cleanup"`
}

// Stats returns pool occupancy from the durable document.
func (p *Pool) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := p.view(ctx, func(st *poolState) error {
		s.Total = p.cfg.PortMax - p.cfg.PortMin + 1
		s.Allocated = len(st.Allocated)
		s.Free = len(st.Free)
		if s.Total > 0 {
			s.Utilization = float64(s.Allocated) / float64(s.Total)
		}
		s.LastCleanup = st.LastCleanup
		return nil
	})
	if err != nil {
		return Stats{}, err
	}
	metrics.SetPoolGauges(s.Allocated, s.Free, s.Utilization)
	return s, nil
}

// AllocationInfo is one allocated port with its record, for listings and
// registry rebuilds.
type AllocationInfo struct {
	Port int `json:"port"`
	Allocation
}

// Snapshot returns all current allocations sorted by port.
func (p *Pool) Snapshot(ctx context.Context) ([]AllocationInfo, error) {
	var out []AllocationInfo
	err := p.view(ctx, func(st *poolState) error {
		out = make([]AllocationInfo, 0, len(st.Allocated))
		for key, alloc := range st.Allocated {
			port, err := strconv.Atoi(key)
			if err != nil {
				continue
			}
			out = append(out, AllocationInfo{Port: port, Allocation: alloc})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Range returns the managed inclusive port range.
func (p *Pool) Range() (int, int) {
	return p.cfg.PortMin, p.cfg.PortMax
}
