package portpool

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// lockRetryDelays is the bounded backoff schedule for lock acquisition.
// One initial try plus one retry per delay; after that the call fails.
var lockRetryDelays = []time.Duration{10 * time.Millisecond, 50 * time.Millisecond, 250 * time.Millisecond}

// fileLock holds an exclusive advisory flock on the configured lock file.
// The kernel drops the lock if the process dies, so crashed holders never
// wedge the pool.
type fileLock struct {
	f *os.File
}

// acquireLock opens the lock file append-mode (contents are irrelevant) and
// takes LOCK_EX non-blocking, retrying on the backoff schedule. Contention
// past the schedule or I/O trouble surfaces as ErrPortAllocation.
func (p *Pool) acquireLock(ctx context.Context) (*fileLock, error) {
	f, err := os.OpenFile(p.cfg.LockPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open lock file %s: %v", ErrPortAllocation, p.cfg.LockPath, err)
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return &fileLock{f: f}, nil
		}
		lastErr = err
		if attempt >= len(lockRetryDelays) {
			break
		}
		select {
		case <-ctx.Done():
			f.Close()
			return nil, fmt.Errorf("%w: %v", ErrPortAllocation, ctx.Err())
		case <-time.After(lockRetryDelays[attempt]):
		}
	}

	f.Close()
	return nil, fmt.Errorf("%w: flock %s: %v", ErrPortAllocation, p.cfg.LockPath, lastErr)
}

// release drops the flock and closes the file. Close alone would release
// the lock too; the explicit unlock keeps the intent visible.
func (l *fileLock) release() {
	unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	l.f.Close()
}
