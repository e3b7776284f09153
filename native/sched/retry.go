package sched

import (
	"errors"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"aicf/core/types"
	"aicf/native/jobs"
)

// ErrCodeDeadlineExceeded is the transient classification applied when a
// lease lapses without a completion.
const ErrCodeDeadlineExceeded = "deadline_exceeded"

// permanentCodes lists error codes that tombstone a job immediately.
var permanentCodes = map[string]struct{}{
	"proof_invalid":         {},
	"attestation_invalid":   {},
	"job_too_large":         {},
	"schema_invalid":        {},
	"unsupported_algorithm": {},
	"forbidden":             {},
	"payment_required":      {},
}

// permanentPrefixes extends the permanent set by code family.
var permanentPrefixes = []string{"validation/", "proof/", "attestation/"}

// Permanent reports whether the error code forecloses any retry.
func Permanent(code string) bool {
	normalized := strings.ToLower(strings.TrimSpace(code))
	if _, ok := permanentCodes[normalized]; ok {
		return true
	}
	for _, prefix := range permanentPrefixes {
		if strings.HasPrefix(normalized, prefix) {
			return true
		}
	}
	return false
}

// RetryPolicy controls backoff scheduling for transient failures.
type RetryPolicy struct {
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	JitterFraction float64
	AttemptsCap    uint32
	// MaxAge bounds the total lifetime of a job across retries; jobs older
	// than this are never rescheduled.
	MaxAge time.Duration
}

// DefaultRetryPolicy returns the baseline backoff tuning.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:      5 * time.Second,
		MaxDelay:       10 * time.Minute,
		Multiplier:     2,
		JitterFraction: 0.1,
		AttemptsCap:    5,
		MaxAge:         24 * time.Hour,
	}
}

// Validate ensures the policy values are usable.
func (p RetryPolicy) Validate() error {
	if p.BaseDelay <= 0 || p.MaxDelay < p.BaseDelay {
		return errors.New("sched: retry delays must satisfy 0 < base <= max")
	}
	if p.Multiplier < 1 {
		return errors.New("sched: retry multiplier must be >= 1")
	}
	if p.JitterFraction < 0 || p.JitterFraction >= 1 {
		return errors.New("sched: jitter fraction must be in [0, 1)")
	}
	if p.AttemptsCap == 0 {
		return errors.New("sched: attempts cap must be positive")
	}
	return nil
}

// Delay computes the raw backoff for the supplied attempt number (1-based),
// before jitter: min(max, base * multiplier^(attempt-1)).
func (p RetryPolicy) Delay(attempt uint32) time.Duration {
	if attempt == 0 {
		attempt = 1
	}
	raw := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if raw > float64(p.MaxDelay) {
		raw = float64(p.MaxDelay)
	}
	return time.Duration(raw)
}

// RetryEngine classifies failures and schedules backoff through the store.
type RetryEngine struct {
	mu     sync.Mutex
	store  jobs.Store
	policy RetryPolicy
	rng    *rand.Rand
}

// NewRetryEngine wires the retry engine against the job store.
func NewRetryEngine(store jobs.Store, policy RetryPolicy) (*RetryEngine, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("sched: store required")
	}
	return &RetryEngine{
		store:  store,
		policy: policy,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// SeedJitter fixes the jitter source. Primarily intended for tests.
func (e *RetryEngine) SeedJitter(seed int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rng = rand.New(rand.NewSource(seed))
}

func (e *RetryEngine) jittered(d time.Duration) time.Duration {
	if e.policy.JitterFraction == 0 {
		return d
	}
	e.mu.Lock()
	noise := (e.rng.Float64()*2 - 1) * e.policy.JitterFraction
	e.mu.Unlock()
	out := time.Duration(float64(d) * (1 + noise))
	if out <= 0 {
		out = time.Millisecond
	}
	return out
}

// OnFailure handles a reported job failure: permanent codes tombstone, an
// exhausted attempts budget tombstones, and anything else is requeued with
// backoff.
func (e *RetryEngine) OnFailure(id types.JobID, code string, now time.Time) error {
	job, err := e.store.GetJob(id)
	if err != nil {
		return err
	}
	if Permanent(code) {
		return e.store.Tombstone(id, code, now)
	}
	limit := e.policy.AttemptsCap
	if job.MaxAttempts > 0 {
		limit = job.MaxAttempts
	}
	if job.Attempts >= limit {
		return e.store.Tombstone(id, code, now)
	}
	if e.policy.MaxAge > 0 && now.Sub(time.Unix(job.CreatedAt, 0)) > e.policy.MaxAge {
		return e.store.Tombstone(id, code, now)
	}
	delay := e.jittered(e.policy.Delay(job.Attempts))
	availableAt := now.Add(delay).Unix()
	return e.store.ScheduleRetry(id, availableAt, code, job.Attempts, now)
}

// OnTimeout treats a lapsed lease as a transient deadline_exceeded failure.
func (e *RetryEngine) OnTimeout(id types.JobID, now time.Time) error {
	return e.OnFailure(id, ErrCodeDeadlineExceeded, now)
}
