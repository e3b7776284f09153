package sched

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"aicf/native/jobs"
)

// DispatcherConfig tunes the cooperative scheduling loop.
type DispatcherConfig struct {
	TickInterval   time.Duration
	IdleSleep      time.Duration
	JitterFraction float64
	// SweepEveryTicks runs the TTL garbage collector every N ticks.
	SweepEveryTicks int
}

// DefaultDispatcherConfig returns the baseline loop tuning.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		TickInterval:    500 * time.Millisecond,
		IdleSleep:       2 * time.Second,
		JitterFraction:  0.1,
		SweepEveryTicks: 120,
	}
}

// Validate ensures the loop tuning is usable.
func (c DispatcherConfig) Validate() error {
	if c.TickInterval <= 0 || c.IdleSleep <= 0 {
		return errors.New("sched: dispatcher intervals must be positive")
	}
	if c.JitterFraction < 0 || c.JitterFraction >= 1 {
		return errors.New("sched: jitter fraction must be in [0, 1)")
	}
	return nil
}

// Dispatcher drives the assignment engine, lease timeout handling, and TTL
// garbage collection from a single long-running loop. Unexpected errors are
// logged and the loop continues; the process never aborts on a bad tick.
type Dispatcher struct {
	cfg    DispatcherConfig
	engine *Engine
	retry  *RetryEngine
	gc     *GC
	store  jobs.Store
	logger *slog.Logger

	paused atomic.Bool

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewDispatcher wires the loop.
func NewDispatcher(cfg DispatcherConfig, engine *Engine, retry *RetryEngine, gc *GC, store jobs.Store, logger *slog.Logger) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if engine == nil || retry == nil || store == nil {
		return nil, errors.New("sched: dispatcher dependencies missing")
	}
	if logger == nil {
		logger = slog.Default()
	}
	engine.SetRetryEngine(retry)
	return &Dispatcher{
		cfg:    cfg,
		engine: engine,
		retry:  retry,
		gc:     gc,
		store:  store,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Run executes the loop until the context is cancelled or Stop is called.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.doneCh)
	tick := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		default:
		}

		now := time.Now()
		var assigned []Assignment
		if !d.paused.Load() {
			var err error
			assigned, err = d.engine.AssignOnce(now)
			if err != nil {
				d.logger.Error("assignment pass failed", "error", err)
			}
		}
		tick++
		if d.gc != nil && d.cfg.SweepEveryTicks > 0 && tick%d.cfg.SweepEveryTicks == 0 {
			if stats, err := d.gc.Sweep(now); err != nil {
				d.logger.Error("ttl sweep failed", "error", err)
			} else if stats.Expired+stats.Purged > 0 {
				d.logger.Info("ttl sweep", "expired", stats.Expired, "purged", stats.Purged)
			}
		}

		sleep := d.cfg.TickInterval
		if len(assigned) == 0 {
			sleep = d.cfg.IdleSleep
		}
		sleep = d.withJitter(sleep)
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-time.After(sleep):
		}
	}
}

// Pause suspends assignment passes. TTL sweeps keep running so leases still
// expire while paused.
func (d *Dispatcher) Pause() { d.paused.Store(true) }

// Resume re-enables assignment passes.
func (d *Dispatcher) Resume() { d.paused.Store(false) }

// Paused reports whether assignment is suspended.
func (d *Dispatcher) Paused() bool { return d.paused.Load() }

// Stop signals the loop to exit and waits for it to drain.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	<-d.doneCh
}

func (d *Dispatcher) withJitter(base time.Duration) time.Duration {
	if d.cfg.JitterFraction == 0 {
		return base
	}
	noise := (rand.Float64()*2 - 1) * d.cfg.JitterFraction
	return time.Duration(float64(base) * (1 + noise))
}
