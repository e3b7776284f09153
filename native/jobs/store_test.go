package jobs

import (
	"math/big"
	"testing"
	"time"

	"aicf/core/types"
	"aicf/storage"
)

func newTestStore() *KVStore {
	return NewKVStore(storage.NewMemDB())
}

func testJob(id string, created time.Time) *Job {
	return &Job{
		ID:          types.JobID(id),
		Kind:        types.KindAI,
		Requester:   "req-1",
		Fee:         big.NewInt(10_000),
		SizeBytes:   2048,
		Tier:        types.TierGold,
		TTLSeconds:  3600,
		CreatedAt:   created.Unix(),
		MaxAttempts: 3,
	}
}

func TestAssignCASFromQueued(t *testing.T) {
	store := newTestStore()
	now := time.Unix(1_000_000, 0)
	if err := store.Enqueue(testJob("aa01", now)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	lease, err := store.Assign("aa01", "p1", 60, now)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if lease.ProviderID != "p1" {
		t.Fatalf("unexpected lease holder %s", lease.ProviderID)
	}
	if _, err := store.Assign("aa01", "p2", 60, now); err != ErrNotQueued {
		t.Fatalf("expected CAS failure, got %v", err)
	}
	job, err := store.GetJob("aa01")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Attempts != 1 {
		t.Fatalf("expected one attempt, got %d", job.Attempts)
	}
	if job.Status != StatusAssigned {
		t.Fatalf("expected ASSIGNED, got %s", job.Status)
	}
}

func TestListReadyOrdering(t *testing.T) {
	store := newTestStore()
	now := time.Unix(1_000_000, 0)
	older := testJob("bb02", now.Add(-10*time.Second))
	newer := testJob("bb01", now.Add(-5*time.Second))
	cheap := testJob("bb03", now.Add(-20*time.Second))
	cheap.Fee = big.NewInt(100)
	for _, job := range []*Job{newer, older, cheap} {
		if err := store.Enqueue(job); err != nil {
			t.Fatalf("enqueue %s: %v", job.ID, err)
		}
	}
	ready, err := store.ListReady(nil, 0, now)
	if err != nil {
		t.Fatalf("list ready: %v", err)
	}
	if len(ready) != 3 {
		t.Fatalf("expected 3 ready jobs, got %d", len(ready))
	}
	if ready[0].ID != "bb02" || ready[1].ID != "bb01" || ready[2].ID != "bb03" {
		t.Fatalf("unexpected order: %s %s %s", ready[0].ID, ready[1].ID, ready[2].ID)
	}
}

func TestListReadyHonoursNotBefore(t *testing.T) {
	store := newTestStore()
	now := time.Unix(1_000_000, 0)
	job := testJob("cc01", now)
	job.NotBefore = now.Add(30 * time.Second).Unix()
	if err := store.Enqueue(job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	ready, err := store.ListReady(nil, 0, now)
	if err != nil {
		t.Fatalf("list ready: %v", err)
	}
	if len(ready) != 0 {
		t.Fatalf("expected no ready jobs before not_before")
	}
	ready, err = store.ListReady(nil, 0, now.Add(31*time.Second))
	if err != nil {
		t.Fatalf("list ready: %v", err)
	}
	if len(ready) != 1 {
		t.Fatalf("expected job once not_before passed")
	}
}

func TestExpireSweeps(t *testing.T) {
	store := newTestStore()
	now := time.Unix(1_000_000, 0)

	dead := testJob("dd01", now.Add(-2*time.Hour))
	if err := store.Enqueue(dead); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	lapsed := testJob("dd02", now)
	if err := store.Enqueue(lapsed); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.Assign("dd02", "p1", 30, now); err != nil {
		t.Fatalf("assign: %v", err)
	}

	mutated, lapsedIDs, err := store.Expire(now.Add(60 * time.Second))
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if mutated != 2 {
		t.Fatalf("expected 2 mutated rows, got %d", mutated)
	}
	if len(lapsedIDs) != 1 || lapsedIDs[0] != "dd02" {
		t.Fatalf("expected the lapsed lease reported, got %v", lapsedIDs)
	}
	expired, _ := store.GetJob("dd01")
	if expired.Status != StatusExpired {
		t.Fatalf("expected EXPIRED, got %s", expired.Status)
	}
	requeued, _ := store.GetJob("dd02")
	if requeued.Status != StatusQueued {
		t.Fatalf("expected requeued job, got %s", requeued.Status)
	}
	if requeued.LeaseID != "" {
		t.Fatalf("expected lease cleared after sweep")
	}
}

func TestMarkCompletedIdempotent(t *testing.T) {
	store := newTestStore()
	now := time.Unix(1_000_000, 0)
	if err := store.Enqueue(testJob("ee01", now)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.Assign("ee01", "p1", 60, now); err != nil {
		t.Fatalf("assign: %v", err)
	}
	digest := types.Digest("0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f")
	if err := store.MarkCompleted("ee01", "p1", digest, nil, now); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := store.MarkCompleted("ee01", "p1", digest, nil, now); err != nil {
		t.Fatalf("repeat completion should be idempotent: %v", err)
	}
	other := types.Digest("1111111111111111111111111111111111111111111111111111111111111111")
	if err := store.MarkCompleted("ee01", "p1", other, nil, now); err != ErrDigestMismatch {
		t.Fatalf("expected digest mismatch, got %v", err)
	}
}

func TestMarkCompletedRejectsNonHolder(t *testing.T) {
	store := newTestStore()
	now := time.Unix(1_000_000, 0)
	if err := store.Enqueue(testJob("ff01", now)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.Assign("ff01", "p1", 60, now); err != nil {
		t.Fatalf("assign: %v", err)
	}
	digest := types.Digest("0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f")
	if err := store.MarkCompleted("ff01", "p2", digest, nil, now); err != ErrLeaseLost {
		t.Fatalf("expected lease lost, got %v", err)
	}
}

func TestRenewExtendsFromLaterOfExpiryAndNow(t *testing.T) {
	store := newTestStore()
	now := time.Unix(1_000_000, 0)
	if err := store.Enqueue(testJob("ab01", now)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	lease, err := store.Assign("ab01", "p1", 60, now)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	renewed, err := store.RenewLease("ab01", 60, now.Add(10*time.Second))
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if renewed.ExpiresAt != lease.ExpiresAt+60 {
		t.Fatalf("expected extension from old expiry, got %d", renewed.ExpiresAt)
	}
	late := time.Unix(renewed.ExpiresAt, 0).Add(5 * time.Second)
	renewed2, err := store.RenewLease("ab01", 60, late)
	if err != nil {
		t.Fatalf("late renew: %v", err)
	}
	if renewed2.ExpiresAt != late.Unix()+60 {
		t.Fatalf("expected extension from now for lapsed lease, got %d", renewed2.ExpiresAt)
	}
}

func TestScheduleRetrySetsNotBefore(t *testing.T) {
	store := newTestStore()
	now := time.Unix(1_000_000, 0)
	if err := store.Enqueue(testJob("ac01", now)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.Assign("ac01", "p1", 60, now); err != nil {
		t.Fatalf("assign: %v", err)
	}
	availableAt := now.Add(45 * time.Second).Unix()
	if err := store.ScheduleRetry("ac01", availableAt, "deadline_exceeded", 1, now); err != nil {
		t.Fatalf("schedule retry: %v", err)
	}
	job, _ := store.GetJob("ac01")
	if job.Status != StatusQueued || job.NotBefore != availableAt {
		t.Fatalf("retry not scheduled: status=%s notBefore=%d", job.Status, job.NotBefore)
	}
	if job.LastError != "deadline_exceeded" {
		t.Fatalf("expected last error recorded")
	}
}

func TestAssignRefusesExhaustedAttempts(t *testing.T) {
	store := newTestStore()
	now := time.Unix(1_000_000, 0)
	job := testJob("ee01", now)
	job.MaxAttempts = 2
	if err := store.Enqueue(job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	for round := 1; round <= 2; round++ {
		if _, err := store.Assign("ee01", "p1", 30, now); err != nil {
			t.Fatalf("assign round %d: %v", round, err)
		}
		if _, _, err := store.Expire(now.Add(60 * time.Second)); err != nil {
			t.Fatalf("expire round %d: %v", round, err)
		}
	}
	if _, err := store.Assign("ee01", "p1", 30, now); err != ErrAttemptsExhausted {
		t.Fatalf("expected attempts exhausted, got %v", err)
	}
	got, err := store.GetJob("ee01")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Attempts > got.MaxAttempts {
		t.Fatalf("attempts %d exceeded cap %d", got.Attempts, got.MaxAttempts)
	}
}
