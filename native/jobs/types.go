package jobs

import (
	"encoding/json"
	"errors"
	"math/big"

	"aicf/core/types"
)

// JobStatus tracks the lifecycle position of a job.
type JobStatus string

const (
	StatusQueued     JobStatus = "QUEUED"
	StatusAssigned   JobStatus = "ASSIGNED"
	StatusCompleted  JobStatus = "COMPLETED"
	StatusFailed     JobStatus = "FAILED"
	StatusExpired    JobStatus = "EXPIRED"
	StatusCanceled   JobStatus = "CANCELED"
	StatusTombstoned JobStatus = "TOMBSTONED"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusExpired, StatusCanceled, StatusTombstoned:
		return true
	default:
		return false
	}
}

// Job is the durable record for a unit of requested compute work. The store
// exclusively owns persisted rows; callers receive copies.
type Job struct {
	ID          types.JobID     `json:"id"`
	Kind        types.Kind      `json:"kind"`
	Requester   string          `json:"requester"`
	Fee         *big.Int        `json:"fee"`
	SizeBytes   uint64          `json:"sizeBytes"`
	Tier        types.Tier      `json:"tier"`
	Spec        json.RawMessage `json:"spec,omitempty"`
	TTLSeconds  uint64          `json:"ttlSeconds"`
	CreatedAt   int64           `json:"createdAt"`
	NotBefore   int64           `json:"notBefore"`
	Status      JobStatus       `json:"status"`
	Priority    int64           `json:"priority"`
	Attempts    uint32          `json:"attempts"`
	MaxAttempts uint32          `json:"maxAttempts"`

	// Active lease columns. Empty when no lease is outstanding.
	LeaseID        types.LeaseID    `json:"leaseId,omitempty"`
	LeaseProvider  types.ProviderID `json:"leaseProvider,omitempty"`
	LeaseIssuedAt  int64            `json:"leaseIssuedAt,omitempty"`
	LeaseExpiresAt int64            `json:"leaseExpiresAt,omitempty"`
	LeaseRenewals  uint32           `json:"leaseRenewals,omitempty"`

	Result       json.RawMessage `json:"result,omitempty"`
	ResultDigest types.Digest    `json:"resultDigest,omitempty"`
	LastError    string          `json:"lastError,omitempty"`
	UpdatedAt    int64           `json:"updatedAt"`
}

// DeadlineUnix returns the absolute death time derived from creation and TTL.
func (j *Job) DeadlineUnix() int64 {
	return j.CreatedAt + int64(j.TTLSeconds)
}

// Clone produces a deep copy of the job record.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	clone := *j
	if j.Fee != nil {
		clone.Fee = new(big.Int).Set(j.Fee)
	}
	clone.Spec = append(json.RawMessage(nil), j.Spec...)
	clone.Result = append(json.RawMessage(nil), j.Result...)
	return &clone
}

// Lease captures the exclusive right of a provider to complete a job.
type Lease struct {
	ID         types.LeaseID    `json:"id"`
	JobID      types.JobID      `json:"jobId"`
	ProviderID types.ProviderID `json:"providerId"`
	IssuedAt   int64            `json:"issuedAt"`
	ExpiresAt  int64            `json:"expiresAt"`
	Renewals   uint32           `json:"renewals"`
}

var (
	// ErrNotFound indicates the referenced job does not exist.
	ErrNotFound = errors.New("jobs: job not found")
	// ErrNotQueued indicates a QUEUED->ASSIGNED CAS failed.
	ErrNotQueued = errors.New("jobs: job not queued")
	// ErrNotAssigned indicates an operation that requires an active lease.
	ErrNotAssigned = errors.New("jobs: job not assigned")
	// ErrTerminal indicates a mutation against a terminal status.
	ErrTerminal = errors.New("jobs: job in terminal status")
	// ErrLeaseLost indicates a caller no longer holds the active lease.
	ErrLeaseLost = errors.New("jobs: lease lost")
	// ErrJobExpired indicates the absolute TTL has already passed.
	ErrJobExpired = errors.New("jobs: job expired")
	// ErrAttemptsExhausted indicates the job has no attempt budget left.
	ErrAttemptsExhausted = errors.New("jobs: attempts exhausted")
	// ErrDigestMismatch indicates a completion with a conflicting digest.
	ErrDigestMismatch = errors.New("jobs: completion digest mismatch")
)
