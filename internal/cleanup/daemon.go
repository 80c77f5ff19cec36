// Package cleanup runs the reconciliation loop: one pass per interval,
// drained cleanly on shutdown.
package cleanup

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/oriys/vela/internal/logging"
	"github.com/oriys/vela/internal/portpool"
)

// Reconciler is the broker surface the daemon drives each tick.
type Reconciler interface {
	ReconcileOnce(ctx context.Context) (portpool.Report, error)
	Stats(ctx context.Context) (portpool.Stats, error)
}

// Config holds daemon settings.
type Config struct {
	Interval time.Duration
}

const DefaultInterval = 60 * time.Second

// Daemon periodically reconciles durable state against the OS.
type Daemon struct {
	rec      Reconciler
	interval time.Duration
	log      *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	lastRun atomic.Int64
}

func New(rec Reconciler, cfg Config) *Daemon {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		rec:      rec,
		interval: interval,
		log:      logging.Component("cleanup"),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Start launches the loop. The first pass runs immediately so a restarted
// broker reclaims stale state before the first interval elapses.
func (d *Daemon) Start() {
	go d.loop()
}

func (d *Daemon) loop() {
	defer close(d.done)

	d.tick()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.tick()
		}
	}
}

func (d *Daemon) tick() {
	ctx, cancel := context.WithTimeout(d.ctx, d.interval)
	defer cancel()

	start := time.Now()
	rep, err := d.rec.ReconcileOnce(ctx)
	if err != nil {
		d.log.Error("reconciliation pass failed", "error", err)
		return
	}
	d.lastRun.Store(time.Now().UnixNano())

	stats, err := d.rec.Stats(ctx)
	if err != nil {
		d.log.Warn("stats unavailable after reconcile", "error", err)
		return
	}
	d.log.Info("cleanup tick",
		"stale_released", rep.StaleReleased,
		"adopted", rep.Adopted,
		"drift_warnings", rep.DriftWarnings,
		"allocated", stats.Allocated,
		"free", stats.Free,
		"duration", time.Since(start).Round(time.Millisecond))
}

// Stop cancels the loop and waits for an in-flight tick to drain. It
// returns within one second even if the tick is stuck.
func (d *Daemon) Stop() {
	d.cancel()
	select {
	case <-d.done:
	case <-time.After(time.Second):
		d.log.Warn("cleanup loop did not drain in time")
	}
}

// LastRun returns when the last successful pass finished, zero before the
// first one.
func (d *Daemon) LastRun() time.Time {
	ns := d.lastRun.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Healthy reports whether the loop completed a pass recently. Used by the
// daemon's health endpoint.
func (d *Daemon) Healthy() bool {
	last := d.LastRun()
	if last.IsZero() {
		return false
	}
	return time.Since(last) < 2*d.interval
}
