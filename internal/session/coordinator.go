// Package session is the broker's caller-facing surface: it composes the
// port pool and the process supervisor into atomic Start/Stop operations
// with rollback, and keeps a per-process registry of live sessions. The
// registry is a cache; the durable truth lives in the pool's state file.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/oriys/vela/internal/domain"
	"github.com/oriys/vela/internal/logging"
	"github.com/oriys/vela/internal/metrics"
	"github.com/oriys/vela/internal/observability"
	"github.com/oriys/vela/internal/portpool"
)

// ErrCoordination wraps unexpected failures inside Start/Stop. It always
// accompanies a completed rollback: no partial session is ever returned or
// left registered.
var ErrCoordination = errors.New("session: coordination failed")

// Pool is the port authority the coordinator drives.
type Pool interface {
	AllocateWithBackend(ctx context.Context, vmName, vncHost string, vncPort int) (int, error)
	Promote(ctx context.Context, port, pid int) error
	Release(ctx context.Context, port int, vmName string) error
	Stats(ctx context.Context) (portpool.Stats, error)
	ReconcileStale(ctx context.Context) (portpool.Report, error)
	Snapshot(ctx context.Context) ([]portpool.AllocationInfo, error)
}

// Supervisor is the process side the coordinator drives.
type Supervisor interface {
	Spawn(ctx context.Context, vmName, vncHost string, vncPort, wsPort int) (int, error)
	Terminate(ctx context.Context, pid int) error
	IsAlive(pid int) bool
}

// Config holds coordinator settings.
type Config struct {
	// ServerIP is the host written into generated console URLs.
	ServerIP string
}

// Coordinator is a per-process singleton over pool and supervisor. Its
// uniqueness guarantee comes from the pool's cross-process file lock, not
// from being a singleton.
type Coordinator struct {
	cfg        Config
	pool       Pool
	supervisor Supervisor
	log        *slog.Logger

	mu       sync.Mutex
	registry map[string]*domain.Session
	vmLocks  map[string]*sync.Mutex

	reconcileGroup singleflight.Group
}

// New builds a coordinator. Callers that survive restarts should invoke
// Rebuild afterwards to repopulate the registry from the pool's state.
func New(cfg Config, pool Pool, supervisor Supervisor) (*Coordinator, error) {
	if cfg.ServerIP == "" {
		return nil, fmt.Errorf("session: server ip is required")
	}
	if pool == nil || supervisor == nil {
		return nil, fmt.Errorf("session: pool and supervisor are required")
	}
	return &Coordinator{
		cfg:        cfg,
		pool:       pool,
		supervisor: supervisor,
		log:        logging.Component("session"),
		registry:   make(map[string]*domain.Session),
		vmLocks:    make(map[string]*sync.Mutex),
	}, nil
}

// lockVM serializes Start/Stop for one vm name so concurrent starts observe
// preemption semantics. Different VMs proceed in parallel.
func (c *Coordinator) lockVM(vmName string) func() {
	c.mu.Lock()
	lock, ok := c.vmLocks[vmName]
	if !ok {
		lock = &sync.Mutex{}
		c.vmLocks[vmName] = lock
	}
	c.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

// Start brings up a console session for the VM: preempt any existing one,
// allocate a port, spawn the bridge, promote the allocation, register.
// Every failure past allocation rolls the earlier steps back.
func (c *Coordinator) Start(ctx context.Context, vmName, vncHost string, vncPort int) (*domain.Session, error) {
	if err := domain.ValidateVMName(vmName); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCoordination, err)
	}

	ctx, span := observability.StartSpan(ctx, "session.Start",
		observability.AttrVMName.String(vmName),
		observability.AttrVNCPort.Int(vncPort))
	defer span.End()

	unlock := c.lockVM(vmName)
	defer unlock()

	start := time.Now()

	// Preempt: a second Start for the same VM replaces the first session.
	// Proceed even if teardown was imperfect; the new spawn reuses or
	// replaces the resources correctly.
	c.mu.Lock()
	existing := c.registry[vmName]
	c.mu.Unlock()
	if existing != nil {
		c.log.Info("preempting existing session", "vm_name", vmName, "ws_port", existing.WSPort)
		if err := c.stopSession(ctx, existing); err != nil {
			c.log.Warn("preemption teardown incomplete", "vm_name", vmName, "error", err)
		}
	}

	wsPort, err := c.pool.AllocateWithBackend(ctx, vmName, vncHost, vncPort)
	if err != nil {
		observability.SetSpanError(span, err)
		return nil, fmt.Errorf("session: allocate port for %s: %w", vmName, err)
	}

	pid, err := c.supervisor.Spawn(ctx, vmName, vncHost, vncPort, wsPort)
	if err != nil {
		if relErr := c.pool.Release(ctx, wsPort, vmName); relErr != nil {
			c.log.Error("rollback release failed", "vm_name", vmName, "ws_port", wsPort, "error", relErr)
		}
		observability.SetSpanError(span, err)
		return nil, fmt.Errorf("session: spawn bridge for %s: %w", vmName, err)
	}

	if err := c.pool.Promote(ctx, wsPort, pid); err != nil {
		if termErr := c.supervisor.Terminate(ctx, pid); termErr != nil {
			c.log.Error("rollback terminate failed", "vm_name", vmName, "pid", pid, "error", termErr)
		}
		if relErr := c.pool.Release(ctx, wsPort, vmName); relErr != nil {
			c.log.Error("rollback release failed", "vm_name", vmName, "ws_port", wsPort, "error", relErr)
		}
		observability.SetSpanError(span, err)
		return nil, fmt.Errorf("%w: promote port %d for %s: %v", ErrCoordination, wsPort, vmName, err)
	}

	sess := &domain.Session{
		ID:      uuid.New().String(),
		VMName:  vmName,
		VNCHost: vncHost,
		VNCPort: vncPort,
		WSPort:  wsPort,
		PID:     pid,
		URL:     domain.ConsoleURL(c.cfg.ServerIP, wsPort),
		Started: time.Now().UTC(),
	}
	c.mu.Lock()
	c.registry[vmName] = sess
	count := len(c.registry)
	c.mu.Unlock()

	metrics.Global().RecordSessionStarted(time.Since(start).Milliseconds())
	metrics.SetLiveSessions(count)
	span.SetAttributes(
		observability.AttrWSPort.Int(wsPort),
		observability.AttrPID.Int(pid),
		observability.AttrSessionID.String(sess.ID))
	observability.SetSpanOK(span)

	c.log.Info("session started",
		"vm_name", vmName, "ws_port", wsPort, "pid", pid, "session_id", sess.ID)
	return sess, nil
}

// Stop tears down the VM's session. It returns false when no session is
// registered. A process that refuses to die still gets its port released
// and its registry entry removed; the error is surfaced for the operator.
func (c *Coordinator) Stop(ctx context.Context, vmName string) (bool, error) {
	ctx, span := observability.StartSpan(ctx, "session.Stop",
		observability.AttrVMName.String(vmName))
	defer span.End()

	unlock := c.lockVM(vmName)
	defer unlock()

	c.mu.Lock()
	sess := c.registry[vmName]
	c.mu.Unlock()
	if sess == nil {
		return false, nil
	}

	err := c.stopSession(ctx, sess)
	if err != nil {
		observability.SetSpanError(span, err)
		return true, err
	}
	observability.SetSpanOK(span)
	return true, nil
}

// stopSession terminates the bridge, releases the port, and deregisters.
// The port release and deregistration happen even when termination fails.
func (c *Coordinator) stopSession(ctx context.Context, sess *domain.Session) error {
	termErr := c.supervisor.Terminate(ctx, sess.PID)

	if err := c.pool.Release(ctx, sess.WSPort, sess.VMName); err != nil {
		return fmt.Errorf("%w: release port %d for %s: %v", ErrCoordination, sess.WSPort, sess.VMName, err)
	}

	c.mu.Lock()
	if c.registry[sess.VMName] == sess {
		delete(c.registry, sess.VMName)
	}
	count := len(c.registry)
	c.mu.Unlock()

	metrics.Global().RecordSessionStopped()
	metrics.SetLiveSessions(count)

	if termErr != nil {
		c.log.Warn("bridge process lingers after stop",
			"vm_name", sess.VMName, "pid", sess.PID, "error", termErr)
		return termErr
	}
	c.log.Info("session stopped", "vm_name", sess.VMName, "ws_port", sess.WSPort, "pid", sess.PID)
	return nil
}

// List returns the registered sessions sorted by vm name.
func (c *Coordinator) List(ctx context.Context) []*domain.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*domain.Session, 0, len(c.registry))
	for _, sess := range c.registry {
		copied := *sess
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VMName < out[j].VMName })
	return out
}

// Rebuild repopulates the registry from the pool's durable state after a
// restart. Only promoted allocations whose process is still alive become
// sessions; pid-less reservations and adopted entries are left to the
// reconciler.
func (c *Coordinator) Rebuild(ctx context.Context) error {
	snap, err := c.pool.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("session: rebuild registry: %w", err)
	}

	rebuilt := 0
	c.mu.Lock()
	for _, alloc := range snap {
		if !alloc.Live() || alloc.VMName == domain.AdoptedOwner {
			continue
		}
		if !c.supervisor.IsAlive(alloc.PIDValue()) {
			continue
		}
		if _, taken := c.registry[alloc.VMName]; taken {
			continue
		}
		c.registry[alloc.VMName] = &domain.Session{
			ID:      uuid.New().String(),
			VMName:  alloc.VMName,
			VNCHost: alloc.VNCHost,
			VNCPort: alloc.VNCPort,
			WSPort:  alloc.Port,
			PID:     alloc.PIDValue(),
			URL:     domain.ConsoleURL(c.cfg.ServerIP, alloc.Port),
			Started: alloc.AllocatedAt,
		}
		rebuilt++
	}
	count := len(c.registry)
	c.mu.Unlock()

	metrics.SetLiveSessions(count)
	if rebuilt > 0 {
		c.log.Info("registry rebuilt from pool state", "sessions", rebuilt)
	}
	return nil
}

// Stats re-exports pool occupancy for callers.
func (c *Coordinator) Stats(ctx context.Context) (portpool.Stats, error) {
	return c.pool.Stats(ctx)
}

// ReconcileOnce runs one reconciliation pass. Concurrent callers (daemon
// tick, CLI, API workers) share a single in-flight pass via singleflight.
func (c *Coordinator) ReconcileOnce(ctx context.Context) (portpool.Report, error) {
	ctx, span := observability.StartSpan(ctx, "session.ReconcileOnce")
	defer span.End()

	v, err, _ := c.reconcileGroup.Do("reconcile", func() (interface{}, error) {
		return c.pool.ReconcileStale(ctx)
	})
	if err != nil {
		observability.SetSpanError(span, err)
		return portpool.Report{}, err
	}
	observability.SetSpanOK(span)
	return v.(portpool.Report), nil
}
