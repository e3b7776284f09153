package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"aicf/core/types"
	"aicf/storage"
)

// Store is the narrow persistence contract consumed by the scheduling
// pipeline. Every method is atomic; implementations must be race-free under
// parallel callers.
type Store interface {
	Enqueue(job *Job) error
	GetJob(id types.JobID) (*Job, error)
	// ListReady returns QUEUED jobs whose not_before has passed, ordered by
	// priority descending then created_at ascending then id.
	ListReady(kind *types.Kind, limit int, now time.Time) ([]*Job, error)
	// Assign performs the QUEUED->ASSIGNED CAS and issues a fresh lease.
	Assign(id types.JobID, provider types.ProviderID, leaseSecs uint64, now time.Time) (*Lease, error)
	// RenewLease extends the active lease; the new expiry is
	// max(old_expiry, now) + leaseSecs.
	RenewLease(id types.JobID, leaseSecs uint64, now time.Time) (*Lease, error)
	MarkCompleted(id types.JobID, provider types.ProviderID, digest types.Digest, result json.RawMessage, now time.Time) error
	Fail(id types.JobID, cause string, retryable bool, now time.Time) error
	Requeue(id types.JobID, priority *int64, notBefore *int64, now time.Time) error
	Cancel(id types.JobID, requester string, now time.Time) error
	Tombstone(id types.JobID, cause string, now time.Time) error
	MarkExpired(id types.JobID, cause string, now time.Time) error
	// Expire runs the two TTL sweeps: dead jobs to EXPIRED and lapsed leases
	// back to QUEUED. It returns the number of mutated rows and the ids of
	// the lapsed leases so the caller can apply its retry policy to them.
	Expire(now time.Time) (int, []types.JobID, error)
	ScheduleRetry(id types.JobID, availableAt int64, lastError string, attempts uint32, now time.Time) error
	ReleaseLease(leaseID types.LeaseID, now time.Time) error
	GetActiveLease(id types.JobID) (*Lease, bool, error)
	AppendEvent(evt *types.Event) error
	ListJobs(filter ListFilter) ([]*Job, error)
	Purge(id types.JobID) error
}

// ListFilter narrows ListJobs scans for RPC consumers.
type ListFilter struct {
	Kind      *types.Kind
	Status    *JobStatus
	Provider  *types.ProviderID
	Requester string
	Offset    int
	Limit     int
}

const (
	jobKeyPrefix   = "jobs/"
	leaseKeyPrefix = "leases/"
	eventKeyPrefix = "events/"
	eventSeqKey    = "meta/eventseq"
)

// KVStore persists jobs, leases, and the event journal in a key-value
// database. A single mutex serialises every mutation, which keeps the
// CAS-style transitions transactional on both the memory and LevelDB
// backends.
type KVStore struct {
	mu sync.Mutex
	db storage.Database
}

// NewKVStore wraps the supplied database.
func NewKVStore(db storage.Database) *KVStore {
	return &KVStore{db: db}
}

var _ Store = (*KVStore)(nil)

func jobKey(id types.JobID) []byte     { return []byte(jobKeyPrefix + string(id)) }
func leaseKey(id types.LeaseID) []byte { return []byte(leaseKeyPrefix + string(id)) }

func (s *KVStore) loadJob(id types.JobID) (*Job, error) {
	raw, err := s.db.Get(jobKey(id))
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	job := new(Job)
	if err := json.Unmarshal(raw, job); err != nil {
		return nil, fmt.Errorf("jobs: decode job %s: %w", id, err)
	}
	return job, nil
}

func (s *KVStore) storeJob(job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("jobs: encode job %s: %w", job.ID, err)
	}
	return s.db.Put(jobKey(job.ID), raw)
}

func (s *KVStore) storeLease(lease *Lease) error {
	raw, err := json.Marshal(lease)
	if err != nil {
		return fmt.Errorf("jobs: encode lease %s: %w", lease.ID, err)
	}
	return s.db.Put(leaseKey(lease.ID), raw)
}

func (s *KVStore) loadLease(id types.LeaseID) (*Lease, error) {
	raw, err := s.db.Get(leaseKey(id))
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	lease := new(Lease)
	if err := json.Unmarshal(raw, lease); err != nil {
		return nil, fmt.Errorf("jobs: decode lease %s: %w", id, err)
	}
	return lease, nil
}

// Enqueue persists a fresh QUEUED job. Re-enqueueing an existing id fails.
func (s *KVStore) Enqueue(job *Job) error {
	if job == nil {
		return errors.New("jobs: nil job")
	}
	if job.ID == "" {
		return errors.New("jobs: job id required")
	}
	if !job.Kind.Valid() {
		return fmt.Errorf("jobs: unsupported kind %q", job.Kind)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.loadJob(job.ID); err == nil {
		return fmt.Errorf("jobs: job %s already exists", job.ID)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	stored := job.Clone()
	stored.Status = StatusQueued
	if stored.Priority == 0 && stored.Fee != nil {
		stored.Priority = stored.Fee.Int64()
	}
	if stored.MaxAttempts == 0 {
		stored.MaxAttempts = 3
	}
	stored.UpdatedAt = stored.CreatedAt
	return s.storeJob(stored)
}

func (s *KVStore) GetJob(id types.JobID) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.loadJob(id)
	if err != nil {
		return nil, err
	}
	return job.Clone(), nil
}

func (s *KVStore) ListReady(kind *types.Kind, limit int, now time.Time) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nowUnix := now.Unix()
	ready := make([]*Job, 0, 16)
	err := s.db.IteratePrefix([]byte(jobKeyPrefix), func(_, value []byte) bool {
		job := new(Job)
		if err := json.Unmarshal(value, job); err != nil {
			return true
		}
		if job.Status != StatusQueued || job.NotBefore > nowUnix {
			return true
		}
		if kind != nil && job.Kind != *kind {
			return true
		}
		ready = append(ready, job)
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(ready, func(i, j int) bool {
		a, b := ready[i], ready[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt < b.CreatedAt
		}
		return a.ID < b.ID
	})
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}
	return ready, nil
}

func (s *KVStore) Assign(id types.JobID, provider types.ProviderID, leaseSecs uint64, now time.Time) (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.loadJob(id)
	if err != nil {
		return nil, err
	}
	if job.Status != StatusQueued {
		return nil, ErrNotQueued
	}
	if now.Unix() >= job.DeadlineUnix() {
		return nil, ErrJobExpired
	}
	if job.MaxAttempts > 0 && job.Attempts >= job.MaxAttempts {
		return nil, ErrAttemptsExhausted
	}
	lease := &Lease{
		ID:         types.LeaseID(uuid.NewString()),
		JobID:      id,
		ProviderID: provider,
		IssuedAt:   now.Unix(),
		ExpiresAt:  now.Unix() + int64(leaseSecs),
	}
	job.Status = StatusAssigned
	job.Attempts++
	job.LeaseID = lease.ID
	job.LeaseProvider = provider
	job.LeaseIssuedAt = lease.IssuedAt
	job.LeaseExpiresAt = lease.ExpiresAt
	job.LeaseRenewals = 0
	job.UpdatedAt = now.Unix()
	if err := s.storeJob(job); err != nil {
		return nil, err
	}
	if err := s.storeLease(lease); err != nil {
		return nil, err
	}
	return lease, nil
}

func (s *KVStore) RenewLease(id types.JobID, leaseSecs uint64, now time.Time) (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.loadJob(id)
	if err != nil {
		return nil, err
	}
	if job.Status != StatusAssigned || job.LeaseID == "" {
		return nil, ErrNotAssigned
	}
	base := job.LeaseExpiresAt
	if nowUnix := now.Unix(); nowUnix > base {
		base = nowUnix
	}
	job.LeaseExpiresAt = base + int64(leaseSecs)
	job.LeaseRenewals++
	job.UpdatedAt = now.Unix()
	if err := s.storeJob(job); err != nil {
		return nil, err
	}
	lease := &Lease{
		ID:         job.LeaseID,
		JobID:      job.ID,
		ProviderID: job.LeaseProvider,
		IssuedAt:   job.LeaseIssuedAt,
		ExpiresAt:  job.LeaseExpiresAt,
		Renewals:   job.LeaseRenewals,
	}
	if err := s.storeLease(lease); err != nil {
		return nil, err
	}
	return lease, nil
}

// MarkCompleted transitions ASSIGNED->COMPLETED for the lease holder. A
// repeated completion with an identical digest is an idempotent no-op; a
// different digest is rejected.
func (s *KVStore) MarkCompleted(id types.JobID, provider types.ProviderID, digest types.Digest, result json.RawMessage, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.loadJob(id)
	if err != nil {
		return err
	}
	if job.Status == StatusCompleted {
		if job.ResultDigest == digest {
			return nil
		}
		return ErrDigestMismatch
	}
	if job.Status != StatusAssigned {
		return ErrNotAssigned
	}
	if job.LeaseProvider != provider {
		return ErrLeaseLost
	}
	job.Status = StatusCompleted
	job.ResultDigest = digest
	job.Result = append(json.RawMessage(nil), result...)
	job.LeaseID = ""
	job.LeaseProvider = provider
	job.LeaseExpiresAt = 0
	job.UpdatedAt = now.Unix()
	return s.storeJob(job)
}

func (s *KVStore) Fail(id types.JobID, cause string, retryable bool, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.loadJob(id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return ErrTerminal
	}
	job.LastError = cause
	job.UpdatedAt = now.Unix()
	if retryable {
		job.Status = StatusQueued
		job.LeaseID = ""
		job.LeaseProvider = ""
		job.LeaseExpiresAt = 0
		return s.storeJob(job)
	}
	job.Status = StatusFailed
	job.LeaseID = ""
	job.LeaseProvider = ""
	job.LeaseExpiresAt = 0
	return s.storeJob(job)
}

func (s *KVStore) Requeue(id types.JobID, priority *int64, notBefore *int64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.loadJob(id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return ErrTerminal
	}
	job.Status = StatusQueued
	job.LeaseID = ""
	job.LeaseProvider = ""
	job.LeaseExpiresAt = 0
	if priority != nil {
		job.Priority = *priority
	}
	if notBefore != nil {
		job.NotBefore = *notBefore
	}
	job.UpdatedAt = now.Unix()
	return s.storeJob(job)
}

// Cancel terminates a live job. Only the owning requester may cancel.
func (s *KVStore) Cancel(id types.JobID, requester string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.loadJob(id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return ErrTerminal
	}
	if requester != "" && job.Requester != requester {
		return fmt.Errorf("jobs: cancel requires the owning requester")
	}
	job.Status = StatusCanceled
	job.LeaseID = ""
	job.LeaseProvider = ""
	job.LeaseExpiresAt = 0
	job.UpdatedAt = now.Unix()
	return s.storeJob(job)
}

func (s *KVStore) Tombstone(id types.JobID, cause string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.loadJob(id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() && job.Status != StatusFailed {
		return ErrTerminal
	}
	job.Status = StatusTombstoned
	if cause != "" {
		job.LastError = cause
	}
	job.LeaseID = ""
	job.LeaseProvider = ""
	job.LeaseExpiresAt = 0
	job.UpdatedAt = now.Unix()
	return s.storeJob(job)
}

// MarkExpired transitions a live job to EXPIRED.
func (s *KVStore) MarkExpired(id types.JobID, cause string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.loadJob(id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return ErrTerminal
	}
	job.Status = StatusExpired
	if cause != "" {
		job.LastError = cause
	}
	job.LeaseID = ""
	job.LeaseProvider = ""
	job.LeaseExpiresAt = 0
	job.UpdatedAt = now.Unix()
	return s.storeJob(job)
}

// Expire runs the two sweeps from the scheduling contract: first all live
// jobs whose absolute TTL passed move to EXPIRED, then all ASSIGNED jobs
// whose lease lapsed move back to QUEUED. Lapsed lease ids are returned so
// the retry layer can apply backoff or tombstone at the attempts cap.
func (s *KVStore) Expire(now time.Time) (int, []types.JobID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nowUnix := now.Unix()
	mutated := 0
	var lapsed []types.JobID
	var sweepErr error
	err := s.db.IteratePrefix([]byte(jobKeyPrefix), func(_, value []byte) bool {
		job := new(Job)
		if err := json.Unmarshal(value, job); err != nil {
			return true
		}
		switch job.Status {
		case StatusQueued, StatusAssigned:
		default:
			return true
		}
		if nowUnix >= job.DeadlineUnix() {
			job.Status = StatusExpired
			job.LeaseID = ""
			job.LeaseProvider = ""
			job.LeaseExpiresAt = 0
			job.UpdatedAt = nowUnix
			if err := s.storeJob(job); err != nil {
				sweepErr = err
				return false
			}
			mutated++
			return true
		}
		if job.Status == StatusAssigned && job.LeaseExpiresAt > 0 && job.LeaseExpiresAt <= nowUnix {
			job.Status = StatusQueued
			job.LeaseID = ""
			job.LeaseProvider = ""
			job.LeaseExpiresAt = 0
			job.UpdatedAt = nowUnix
			if err := s.storeJob(job); err != nil {
				sweepErr = err
				return false
			}
			mutated++
			lapsed = append(lapsed, job.ID)
		}
		return true
	})
	if err != nil {
		return mutated, lapsed, err
	}
	return mutated, lapsed, sweepErr
}

func (s *KVStore) ScheduleRetry(id types.JobID, availableAt int64, lastError string, attempts uint32, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.loadJob(id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return ErrTerminal
	}
	job.Status = StatusQueued
	job.NotBefore = availableAt
	job.LastError = lastError
	job.Attempts = attempts
	job.LeaseID = ""
	job.LeaseProvider = ""
	job.LeaseExpiresAt = 0
	job.UpdatedAt = now.Unix()
	return s.storeJob(job)
}

// ReleaseLease drops the referenced lease and requeues its job when still
// assigned to the holder.
func (s *KVStore) ReleaseLease(leaseID types.LeaseID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lease, err := s.loadLease(leaseID)
	if err != nil {
		return err
	}
	job, err := s.loadJob(lease.JobID)
	if err != nil {
		return err
	}
	if job.Status != StatusAssigned || job.LeaseID != leaseID {
		return nil
	}
	job.Status = StatusQueued
	job.LeaseID = ""
	job.LeaseProvider = ""
	job.LeaseExpiresAt = 0
	job.UpdatedAt = now.Unix()
	return s.storeJob(job)
}

func (s *KVStore) GetActiveLease(id types.JobID) (*Lease, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.loadJob(id)
	if err != nil {
		return nil, false, err
	}
	if job.Status != StatusAssigned || job.LeaseID == "" {
		return nil, false, nil
	}
	return &Lease{
		ID:         job.LeaseID,
		JobID:      job.ID,
		ProviderID: job.LeaseProvider,
		IssuedAt:   job.LeaseIssuedAt,
		ExpiresAt:  job.LeaseExpiresAt,
		Renewals:   job.LeaseRenewals,
	}, true, nil
}

// AppendEvent persists an event to the journal under a monotonic sequence.
func (s *KVStore) AppendEvent(evt *types.Event) error {
	if evt == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := uint64(0)
	if raw, err := s.db.Get([]byte(eventSeqKey)); err == nil {
		if parsed, perr := strconv.ParseUint(string(raw), 10, 64); perr == nil {
			seq = parsed
		}
	}
	seq++
	raw, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("jobs: encode event: %w", err)
	}
	key := fmt.Sprintf("%s%020d", eventKeyPrefix, seq)
	if err := s.db.Put([]byte(key), raw); err != nil {
		return err
	}
	return s.db.Put([]byte(eventSeqKey), []byte(strconv.FormatUint(seq, 10)))
}

func (s *KVStore) ListJobs(filter ListFilter) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	matched := make([]*Job, 0, 32)
	err := s.db.IteratePrefix([]byte(jobKeyPrefix), func(_, value []byte) bool {
		job := new(Job)
		if err := json.Unmarshal(value, job); err != nil {
			return true
		}
		if filter.Kind != nil && job.Kind != *filter.Kind {
			return true
		}
		if filter.Status != nil && job.Status != *filter.Status {
			return true
		}
		if filter.Provider != nil && job.LeaseProvider != *filter.Provider {
			return true
		}
		if filter.Requester != "" && job.Requester != filter.Requester {
			return true
		}
		matched = append(matched, job)
		return true
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []*Job{}, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// Purge removes the job row entirely. TTL garbage collection uses this for
// aged terminal records.
func (s *KVStore) Purge(id types.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.loadJob(id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if job.LeaseID != "" {
		_ = s.db.Delete(leaseKey(job.LeaseID))
	}
	return s.db.Delete(jobKey(id))
}
