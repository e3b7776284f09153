package sched

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"aicf/core/events"
	"aicf/core/types"
	"aicf/native/jobs"
	"aicf/native/registry"
)

// EngineConfig tunes a single assignment pass.
type EngineConfig struct {
	LeaseSeconds uint64
	BatchSize    int
	// EpochLength and StartHeight translate heights into quota epochs.
	EpochLength uint64
	StartHeight uint64
}

// DefaultEngineConfig returns the baseline engine tuning.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		LeaseSeconds: 120,
		BatchSize:    256,
		EpochLength:  100,
	}
}

// Validate ensures the configuration is usable.
func (c EngineConfig) Validate() error {
	if c.LeaseSeconds == 0 {
		return errors.New("sched: lease seconds must be positive")
	}
	if c.EpochLength == 0 {
		return errors.New("sched: epoch length must be positive")
	}
	return nil
}

// Assignment reports one issued lease from a pass.
type Assignment struct {
	JobID      types.JobID
	ProviderID types.ProviderID
	LeaseID    types.LeaseID
}

// Engine matches ranked jobs to eligible providers and manages the lease
// lifecycle. A pass is single-threaded; the storage CAS keeps concurrent
// engines safe against double assignment.
type Engine struct {
	cfg      EngineConfig
	store    jobs.Store
	registry *registry.Registry
	filter   *Filter
	quotas   *QuotaTracker
	retry    *RetryEngine
	emitter  events.Emitter
	heightFn func() uint64

	mu           sync.Mutex
	reservations map[types.JobID]string
}

// NewEngine wires the assignment engine.
func NewEngine(cfg EngineConfig, store jobs.Store, reg *registry.Registry, filter *Filter, quotas *QuotaTracker) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil || reg == nil || filter == nil || quotas == nil {
		return nil, errors.New("sched: engine dependencies missing")
	}
	return &Engine{
		cfg:          cfg,
		store:        store,
		registry:     reg,
		filter:       filter,
		quotas:       quotas,
		emitter:      events.NoopEmitter{},
		heightFn:     func() uint64 { return 0 },
		reservations: make(map[types.JobID]string),
	}, nil
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
}

// SetRetryEngine configures the retry policy applied to lapsed leases found
// by the expire sweep. Without one, lapsed jobs requeue bare and the attempts
// cap is only enforced at assignment time.
func (e *Engine) SetRetryEngine(retry *RetryEngine) {
	e.retry = retry
}

// SetHeightFunc configures the chain height source used for stake checks and
// quota epochs.
func (e *Engine) SetHeightFunc(fn func() uint64) {
	if fn == nil {
		fn = func() uint64 { return 0 }
	}
	e.heightFn = fn
}

func (e *Engine) epochFor(height uint64) uint64 {
	if height < e.cfg.StartHeight {
		return 0
	}
	return (height - e.cfg.StartHeight) / e.cfg.EpochLength
}

// AssignOnce runs a single deterministic assignment pass: expire stale
// leases, route the lapsed ones through the retry policy, rank the ready
// queue, and greedily issue at most one new lease per provider.
func (e *Engine) AssignOnce(now time.Time) ([]Assignment, error) {
	_, lapsed, err := e.store.Expire(now)
	if err != nil {
		return nil, fmt.Errorf("sched: expire sweep: %w", err)
	}
	if e.retry != nil {
		// A lapsed lease is a transient deadline_exceeded failure: backoff
		// applies, and the attempts cap tombstones.
		for _, id := range lapsed {
			_ = e.retry.OnTimeout(id, now)
		}
	}
	e.reconcileReservations()
	ready, err := e.store.ListReady(nil, e.cfg.BatchSize, now)
	if err != nil {
		return nil, fmt.Errorf("sched: list ready: %w", err)
	}
	if len(ready) == 0 {
		return nil, nil
	}
	ranked := Rank(ready)
	height := e.heightFn()
	epoch := e.epochFor(height)
	providers := e.registry.List(0, 0)

	assignedThisPass := make(map[types.ProviderID]struct{})
	out := make([]Assignment, 0, len(ranked))
	for _, job := range ranked {
		candidates := e.filter.RankProviders(job, providers, height)
		for _, candidate := range candidates {
			pid := candidate.Provider.ID
			if _, taken := assignedThisPass[pid]; taken {
				continue
			}
			reservation, err := e.quotas.Reserve(pid, job.Kind, epoch, unitsFor(job))
			if err != nil {
				if errors.Is(err, ErrQuotaExceeded) {
					continue
				}
				return out, err
			}
			lease, err := e.store.Assign(job.ID, pid, e.cfg.LeaseSeconds, now)
			if err != nil {
				_ = e.quotas.Release(reservation.ID)
				if errors.Is(err, jobs.ErrAttemptsExhausted) {
					_ = e.store.Tombstone(job.ID, "attempts_exhausted", now)
					break
				}
				if errors.Is(err, jobs.ErrNotQueued) || errors.Is(err, jobs.ErrJobExpired) {
					break // lost the CAS or job died; move to the next job
				}
				return out, err
			}
			e.mu.Lock()
			e.reservations[job.ID] = reservation.ID
			e.mu.Unlock()
			assignedThisPass[pid] = struct{}{}
			out = append(out, Assignment{JobID: job.ID, ProviderID: pid, LeaseID: lease.ID})
			e.emitter.Emit(events.JobAssigned{
				JobID:      job.ID,
				ProviderID: pid,
				LeaseID:    lease.ID,
				Height:     height,
				TsMillis:   types.NowMillis(now),
			})
			break
		}
	}
	return out, nil
}

// Renew extends the lease for its holder. A non-holder renewal fails with
// ErrLeaseLost.
func (e *Engine) Renew(id types.JobID, provider types.ProviderID, extendSecs uint64, now time.Time) (*jobs.Lease, error) {
	lease, ok, err := e.store.GetActiveLease(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, jobs.ErrNotAssigned
	}
	if lease.ProviderID != provider {
		return nil, jobs.ErrLeaseLost
	}
	return e.store.RenewLease(id, extendSecs, now)
}

// Cancel releases the lease held by the provider and requeues the job.
func (e *Engine) Cancel(id types.JobID, provider types.ProviderID, now time.Time) error {
	lease, ok, err := e.store.GetActiveLease(id)
	if err != nil {
		return err
	}
	if !ok {
		return jobs.ErrNotAssigned
	}
	if lease.ProviderID != provider {
		return jobs.ErrLeaseLost
	}
	e.releaseReservation(id)
	return e.store.Requeue(id, nil, nil, now)
}

// CommitQuota converts the job's quota reservation into consumed budget.
// The completion receiver calls this on a validated submission.
func (e *Engine) CommitQuota(id types.JobID) {
	e.mu.Lock()
	rid, ok := e.reservations[id]
	if ok {
		delete(e.reservations, id)
	}
	e.mu.Unlock()
	if ok {
		_ = e.quotas.Commit(rid)
	}
}

// ReleaseQuota drops the job's quota reservation (failure or cancel path).
func (e *Engine) ReleaseQuota(id types.JobID) {
	e.releaseReservation(id)
}

// reconcileReservations drops quota reservations whose jobs lost their
// lease, typically through the expire sweep.
func (e *Engine) reconcileReservations() {
	e.mu.Lock()
	tracked := make(map[types.JobID]string, len(e.reservations))
	for id, rid := range e.reservations {
		tracked[id] = rid
	}
	e.mu.Unlock()
	for id, rid := range tracked {
		job, err := e.store.GetJob(id)
		if err != nil || job.Status != jobs.StatusAssigned {
			e.mu.Lock()
			delete(e.reservations, id)
			e.mu.Unlock()
			if err == nil && job.Status == jobs.StatusCompleted {
				_ = e.quotas.Commit(rid)
				continue
			}
			_ = e.quotas.Release(rid)
		}
	}
}

func (e *Engine) releaseReservation(id types.JobID) {
	e.mu.Lock()
	rid, ok := e.reservations[id]
	if ok {
		delete(e.reservations, id)
	}
	e.mu.Unlock()
	if ok {
		_ = e.quotas.Release(rid)
	}
}
