package portpool

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"
)

// stateVersion is the on-disk schema version. Unknown versions are treated
// like corruption: rebuilt from scratch with a warning.
const stateVersion = 1

// Allocation is one in-use WebSocket port record in the durable document.
// PID is nil between reservation and promotion; VNCHost/VNCPort carry the
// bridge target so the coordinator can rebuild sessions after a restart.
type Allocation struct {
	VMName      string    `json:"vm_name"`
	PID         *int      `json:"pid"`
	VNCHost     string    `json:"vnc_host,omitempty"`
	VNCPort     int       `json:"vnc_port,omitempty"`
	AllocatedAt time.Time `json:"allocated_at"`
}

// Live reports whether the allocation has been promoted to a real process.
func (a Allocation) Live() bool {
	return a.PID != nil && *a.PID > 0
}

// PIDValue returns the promoted pid, or 0 for a bare reservation.
func (a Allocation) PIDValue() int {
	if a.PID == nil {
		return 0
	}
	return *a.PID
}

// poolState is the durable document. Allocated is keyed by port-as-string;
// Free stays sorted ascending across every commit.
type poolState struct {
	Version     int                   `json:"version"`
	Allocated   map[string]Allocation `json:"allocated"`
	Free        []int                 `json:"free"`
	LastCleanup time.Time             `json:"last_cleanup"`
}

// freshState builds a document with the whole range free.
func (p *Pool) freshState() *poolState {
	free := make([]int, 0, p.cfg.PortMax-p.cfg.PortMin+1)
	for port := p.cfg.PortMin; port <= p.cfg.PortMax; port++ {
		free = append(free, port)
	}
	return &poolState{
		Version:   stateVersion,
		Allocated: make(map[string]Allocation),
		Free:      free,
	}
}

// loadStateLocked reads the document while the advisory lock is held.
// A missing file yields a fresh full-range document; garbage or an unknown
// version yields a rebuilt one with a warning. Both cases report rebuilt=true
// so the caller persists the reconstruction. Read errors other than absence
// are surfaced: they are operational problems retrying cannot repair.
func (p *Pool) loadStateLocked() (st *poolState, rebuilt bool, err error) {
	data, err := os.ReadFile(p.cfg.StatePath)
	if errors.Is(err, os.ErrNotExist) {
		p.log.Info("state file absent, starting with full free list", "path", p.cfg.StatePath)
		return p.freshState(), true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: read %s: %v", ErrStateCorrupt, p.cfg.StatePath, err)
	}

	st = &poolState{}
	if jerr := json.Unmarshal(data, st); jerr != nil {
		p.log.Warn("state file corrupt, rebuilding", "path", p.cfg.StatePath, "error", jerr)
		return p.freshState(), true, nil
	}
	if st.Version != stateVersion {
		p.log.Warn("state file has unknown version, rebuilding", "path", p.cfg.StatePath, "version", st.Version)
		return p.freshState(), true, nil
	}
	if st.Allocated == nil {
		st.Allocated = make(map[string]Allocation)
	}

	if p.normalize(st) {
		rebuilt = true
	}
	return st, rebuilt, nil
}

// normalize repairs a parseable document so the pool invariants hold:
// allocations outside the configured range are dropped, the free list is
// recomputed as the range minus the allocated keys, and sorted ascending.
// Returns true when anything changed.
func (p *Pool) normalize(st *poolState) bool {
	changed := false

	for key, alloc := range st.Allocated {
		port, err := strconv.Atoi(key)
		if err != nil || port < p.cfg.PortMin || port > p.cfg.PortMax {
			p.log.Warn("dropping allocation outside managed range",
				"port", key, "vm_name", alloc.VMName)
			delete(st.Allocated, key)
			changed = true
		}
	}

	want := make([]int, 0, p.cfg.PortMax-p.cfg.PortMin+1)
	for port := p.cfg.PortMin; port <= p.cfg.PortMax; port++ {
		if _, taken := st.Allocated[strconv.Itoa(port)]; !taken {
			want = append(want, port)
		}
	}
	if !equalInts(st.Free, want) {
		st.Free = want
		changed = true
	}
	return changed
}

// saveStateLocked commits the document with write-temp-then-rename. The
// rename is the commit point; on failure the in-memory state is discarded
// by the caller and the temp file removed.
func (p *Pool) saveStateLocked(st *poolState) error {
	sort.Ints(st.Free)

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode state: %v", ErrCommitFailed, err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(p.cfg.StatePath)
	tmp, err := os.CreateTemp(dir, filepath.Base(p.cfg.StatePath)+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: create temp file: %v", ErrCommitFailed, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: write temp file: %v", ErrCommitFailed, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: sync temp file: %v", ErrCommitFailed, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: close temp file: %v", ErrCommitFailed, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: chmod temp file: %v", ErrCommitFailed, err)
	}
	if err := os.Rename(tmpName, p.cfg.StatePath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: rename over %s: %v", ErrCommitFailed, p.cfg.StatePath, err)
	}
	return nil
}

// insertSorted puts port back into the free list keeping ascending order.
// Already-present ports are left alone so releases stay idempotent.
func insertSorted(free []int, port int) []int {
	i := sort.SearchInts(free, port)
	if i < len(free) && free[i] == port {
		return free
	}
	free = append(free, 0)
	copy(free[i+1:], free[i:])
	free[i] = port
	return free
}

// removeFromFree drops port from the free list if present.
func removeFromFree(free []int, port int) []int {
	i := sort.SearchInts(free, port)
	if i < len(free) && free[i] == port {
		return append(free[:i], free[i+1:]...)
	}
	return free
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
