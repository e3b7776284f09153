package sched

import (
	"errors"
	"log/slog"
	"time"

	"aicf/native/jobs"
)

// TTLPolicy controls retention-driven garbage collection.
type TTLPolicy struct {
	QueuedTTL          time.Duration
	LeasedGrace        time.Duration
	CompletedRetention time.Duration
	FailedRetention    time.Duration
	MaxTotalAge        time.Duration
}

// DefaultTTLPolicy returns the baseline retention windows.
func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{
		QueuedTTL:          6 * time.Hour,
		LeasedGrace:        30 * time.Minute,
		CompletedRetention: 72 * time.Hour,
		FailedRetention:    24 * time.Hour,
		MaxTotalAge:        7 * 24 * time.Hour,
	}
}

// Validate ensures every window is positive.
func (p TTLPolicy) Validate() error {
	for _, d := range []time.Duration{p.QueuedTTL, p.LeasedGrace, p.CompletedRetention, p.FailedRetention, p.MaxTotalAge} {
		if d <= 0 {
			return errors.New("sched: ttl windows must be positive")
		}
	}
	return nil
}

// SweepStats summarises a garbage-collection cycle.
type SweepStats struct {
	Expired int
	Purged  int
}

// GC applies the retention policy over the whole job table. The sweep is
// idempotent: a failed action leaves the row for the next cycle.
type GC struct {
	store  jobs.Store
	policy TTLPolicy
	logger *slog.Logger
}

// NewGC wires a collector against the store.
func NewGC(store jobs.Store, policy TTLPolicy, logger *slog.Logger) (*GC, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("sched: store required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GC{store: store, policy: policy, logger: logger}, nil
}

// Sweep walks every job and applies the retention actions.
func (g *GC) Sweep(now time.Time) (SweepStats, error) {
	var stats SweepStats
	all, err := g.store.ListJobs(jobs.ListFilter{})
	if err != nil {
		return stats, err
	}
	nowUnix := now.Unix()
	for _, job := range all {
		age := time.Duration(nowUnix-job.CreatedAt) * time.Second
		inactive := time.Duration(nowUnix-job.UpdatedAt) * time.Second

		if g.policy.MaxTotalAge > 0 && age > g.policy.MaxTotalAge {
			if job.Status.Terminal() {
				if err := g.store.Purge(job.ID); err != nil {
					g.logger.Warn("ttl purge failed", "jobId", string(job.ID), "error", err)
					continue
				}
				stats.Purged++
			} else {
				if err := g.store.MarkExpired(job.ID, "max_total_age", now); err != nil {
					g.logger.Warn("ttl expire failed", "jobId", string(job.ID), "error", err)
					continue
				}
				stats.Expired++
			}
			continue
		}

		switch job.Status {
		case jobs.StatusQueued:
			if inactive > g.policy.QueuedTTL {
				if err := g.store.MarkExpired(job.ID, "queued_ttl", now); err != nil {
					g.logger.Warn("ttl expire failed", "jobId", string(job.ID), "error", err)
					continue
				}
				stats.Expired++
			}
		case jobs.StatusAssigned:
			if job.LeaseExpiresAt > 0 && time.Duration(nowUnix-job.LeaseExpiresAt)*time.Second > g.policy.LeasedGrace {
				if err := g.store.MarkExpired(job.ID, "leased_grace", now); err != nil {
					g.logger.Warn("ttl expire failed", "jobId", string(job.ID), "error", err)
					continue
				}
				stats.Expired++
			}
		case jobs.StatusCompleted:
			if inactive > g.policy.CompletedRetention {
				if err := g.store.Purge(job.ID); err != nil {
					g.logger.Warn("ttl purge failed", "jobId", string(job.ID), "error", err)
					continue
				}
				stats.Purged++
			}
		case jobs.StatusFailed, jobs.StatusTombstoned, jobs.StatusExpired, jobs.StatusCanceled:
			if inactive > g.policy.FailedRetention {
				if err := g.store.Purge(job.ID); err != nil {
					g.logger.Warn("ttl purge failed", "jobId", string(job.ID), "error", err)
					continue
				}
				stats.Purged++
			}
		}
	}
	return stats, nil
}
