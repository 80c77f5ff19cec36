package portpool

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/oriys/vela/internal/domain"
	"github.com/oriys/vela/internal/metrics"
)

// Report summarizes one reconciliation pass.
type Report struct {
	StaleReleased int `json:"stale_released"`
	Adopted       int `json:"adopted"`
	PidUpdated    int `json:"pid_updated"`
	DriftWarnings int `json:"drift_warnings"`
}

// ReconcileStale restores coherence between the durable document and the OS:
// pid-less reservations past the adoption grace are released, allocations
// whose process died are released when their port is actually free, and
// websockify bridges found on managed ports without a record are adopted.
// The whole pass runs inside one lock acquisition and commits once.
// Repeated invocation without external change yields the same state.
func (p *Pool) ReconcileStale(ctx context.Context) (Report, error) {
	var rep Report
	start := time.Now()
	err := p.update(ctx, func(st *poolState) (bool, error) {
		rep = p.reconcileLocked(st, time.Now().UTC())
		return true, nil
	})
	if err != nil {
		return Report{}, err
	}
	metrics.Global().RecordReconcile(rep.StaleReleased, rep.Adopted, rep.DriftWarnings,
		time.Since(start).Milliseconds())
	p.log.Info("reconciliation pass finished",
		"stale_released", rep.StaleReleased,
		"adopted", rep.Adopted,
		"pid_updated", rep.PidUpdated,
		"drift_warnings", rep.DriftWarnings)
	return rep, nil
}

// reconcileLocked is the pass body, shared with the in-lock retry inside
// Allocate. The caller holds the advisory lock and commits the document.
func (p *Pool) reconcileLocked(st *poolState, now time.Time) Report {
	var rep Report

	keys := make([]string, 0, len(st.Allocated))
	for key := range st.Allocated {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		alloc := st.Allocated[key]
		port, err := strconv.Atoi(key)
		if err != nil {
			continue
		}

		if !alloc.Live() {
			if now.Sub(alloc.AllocatedAt) > p.cfg.AdoptionGrace && p.prober.IsPortFreeOS(port) {
				p.log.Warn("releasing stale pid-less reservation",
					"port", port, "vm_name", alloc.VMName, "age", now.Sub(alloc.AllocatedAt).Round(time.Second))
				delete(st.Allocated, key)
				st.Free = insertSorted(st.Free, port)
				rep.StaleReleased++
			}
			continue
		}

		pid := alloc.PIDValue()
		if p.prober.IsAlive(pid) {
			continue
		}
		if p.prober.IsPortFreeOS(port) {
			p.log.Info("releasing allocation for dead process",
				"port", port, "vm_name", alloc.VMName, "pid", pid)
			delete(st.Allocated, key)
			st.Free = insertSorted(st.Free, port)
			rep.StaleReleased++
			continue
		}
		// Dead pid but the port is still bound: another process is squatting
		// on a managed port. Keep the allocation and leave it to the operator.
		p.log.Warn("allocated port is bound by an unknown process",
			"port", port, "vm_name", alloc.VMName, "dead_pid", pid)
		rep.DriftWarnings++
	}

	for _, bridge := range p.prober.EnumerateWebsockify() {
		if bridge.WSPort < p.cfg.PortMin || bridge.WSPort > p.cfg.PortMax {
			continue
		}
		key := strconv.Itoa(bridge.WSPort)
		alloc, ok := st.Allocated[key]
		if !ok {
			pid := bridge.PID
			st.Allocated[key] = Allocation{
				VMName:      domain.AdoptedOwner,
				PID:         &pid,
				AllocatedAt: now,
			}
			st.Free = removeFromFree(st.Free, bridge.WSPort)
			p.log.Info("adopted externally spawned websockify",
				"port", bridge.WSPort, "pid", bridge.PID)
			rep.Adopted++
			continue
		}
		if alloc.PIDValue() != bridge.PID {
			pid := bridge.PID
			alloc.PID = &pid
			st.Allocated[key] = alloc
			p.log.Info("updated pid for respawned websockify",
				"port", bridge.WSPort, "pid", bridge.PID, "vm_name", alloc.VMName)
			rep.PidUpdated++
		}
	}

	st.LastCleanup = now
	return rep
}
