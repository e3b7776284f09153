package completion

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"aicf/core/types"
	"aicf/native/jobs"
	"aicf/native/registry"
	"aicf/storage"
)

const digestA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
const digestB = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

func testReceiver(t *testing.T) (*Receiver, jobs.Store, *registry.Registry) {
	t.Helper()
	store := jobs.NewKVStore(storage.NewMemDB())
	reg, err := registry.New(registry.DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	receiver, err := NewReceiver(store, reg, nil)
	if err != nil {
		t.Fatalf("receiver: %v", err)
	}
	return receiver, store, reg
}

func seedLeasedJob(t *testing.T, store jobs.Store, reg *registry.Registry, now time.Time) {
	t.Helper()
	if _, err := reg.Register("0aa1", registry.CapAI, nil, true, big.NewInt(10_000), "eu", nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	err := store.Enqueue(&jobs.Job{
		ID:          "0001",
		Kind:        types.KindAI,
		Requester:   "req-1",
		Fee:         big.NewInt(1_000),
		TTLSeconds:  3600,
		CreatedAt:   now.Add(-30 * time.Second).Unix(),
		MaxAttempts: 3,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.Assign("0001", "0aa1", 120, now); err != nil {
		t.Fatalf("assign: %v", err)
	}
}

func TestReceiveAcceptsHolder(t *testing.T) {
	receiver, store, reg := testReceiver(t)
	now := time.Unix(1_000_000, 0)
	seedLeasedJob(t, store, reg, now)

	var observedKind types.Kind
	var observedSecs float64
	receiver.SetLatencyObserver(func(kind types.Kind, seconds float64) {
		observedKind = kind
		observedSecs = seconds
	})

	ack, err := receiver.Receive(Submission{
		JobID:        "0001",
		ProviderID:   "0aa1",
		OutputDigest: digestA,
		ProofRefs: []ProofRef{
			{Kind: "da_commitment", Ref: "blob-1"},
			{Kind: "bogus", Ref: "dropped"},
			{Kind: "attestation", Ref: ""},
		},
	}, now)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if !ack.Accepted || ack.Idempotent {
		t.Fatalf("unexpected ack %+v", ack)
	}
	if len(ack.ProofRefs) != 1 || ack.ProofRefs[0].Kind != "da_commitment" {
		t.Fatalf("unknown proof ref kinds must be dropped: %+v", ack.ProofRefs)
	}
	if observedKind != types.KindAI || observedSecs < 29 || observedSecs > 31 {
		t.Fatalf("latency observation off: kind=%s secs=%f", observedKind, observedSecs)
	}
	job, _ := store.GetJob("0001")
	if job.Status != jobs.StatusCompleted || job.ResultDigest != digestA {
		t.Fatalf("job not completed: %+v", job)
	}
}

func TestReceiveIdempotentOnSameDigest(t *testing.T) {
	receiver, store, reg := testReceiver(t)
	now := time.Unix(1_000_000, 0)
	seedLeasedJob(t, store, reg, now)
	if _, err := receiver.Receive(Submission{JobID: "0001", ProviderID: "0aa1", OutputDigest: digestA}, now); err != nil {
		t.Fatalf("first receive: %v", err)
	}
	ack, err := receiver.Receive(Submission{JobID: "0001", ProviderID: "0aa1", OutputDigest: digestA}, now.Add(time.Second))
	if err != nil {
		t.Fatalf("repeat receive: %v", err)
	}
	if !ack.Idempotent {
		t.Fatalf("repeat with identical digest must ack idempotently")
	}
	if _, err := receiver.Receive(Submission{JobID: "0001", ProviderID: "0aa1", OutputDigest: digestB}, now.Add(time.Second)); !errors.Is(err, ErrDigestConflict) {
		t.Fatalf("expected digest conflict, got %v", err)
	}
}

func TestReceiveRejectsNonHolder(t *testing.T) {
	receiver, store, reg := testReceiver(t)
	now := time.Unix(1_000_000, 0)
	seedLeasedJob(t, store, reg, now)
	if _, err := reg.Register("0bb2", registry.CapAI, nil, true, big.NewInt(10_000), "eu", nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err := receiver.Receive(Submission{JobID: "0001", ProviderID: "0bb2", OutputDigest: digestA}, now)
	if !errors.Is(err, jobs.ErrLeaseLost) {
		t.Fatalf("expected lease_lost, got %v", err)
	}
}

func TestReceiveRejectsExpiredLease(t *testing.T) {
	receiver, store, reg := testReceiver(t)
	now := time.Unix(1_000_000, 0)
	seedLeasedJob(t, store, reg, now)
	late := now.Add(121 * time.Second)
	_, err := receiver.Receive(Submission{JobID: "0001", ProviderID: "0aa1", OutputDigest: digestA}, late)
	if !errors.Is(err, ErrLeaseExpired) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestReceiveRejectsBadDigest(t *testing.T) {
	receiver, store, reg := testReceiver(t)
	now := time.Unix(1_000_000, 0)
	seedLeasedJob(t, store, reg, now)
	for _, digest := range []string{"", "zz", "abc123"} {
		if _, err := receiver.Receive(Submission{JobID: "0001", ProviderID: "0aa1", OutputDigest: digest}, now); !errors.Is(err, ErrSchemaInvalid) {
			t.Fatalf("digest %q should be rejected as schema_invalid, got %v", digest, err)
		}
	}
}

func TestReceiveRejectsJailedProvider(t *testing.T) {
	receiver, store, reg := testReceiver(t)
	now := time.Unix(1_000_000, 0)
	seedLeasedJob(t, store, reg, now)
	if err := reg.Jail("0aa1", 1_000); err != nil {
		t.Fatalf("jail: %v", err)
	}
	receiver.SetHeightFunc(func() uint64 { return 10 })
	if _, err := receiver.Receive(Submission{JobID: "0001", ProviderID: "0aa1", OutputDigest: digestA}, now); !errors.Is(err, ErrProviderJailed) {
		t.Fatalf("expected jailed rejection, got %v", err)
	}
	// Past the jail horizon the submission goes through again.
	receiver.SetHeightFunc(func() uint64 { return 2_000 })
	if _, err := receiver.Receive(Submission{JobID: "0001", ProviderID: "0aa1", OutputDigest: digestA}, now); err != nil {
		t.Fatalf("post-jail receive: %v", err)
	}
}

func TestReceiveRejectsUnregisteredProvider(t *testing.T) {
	receiver, store, reg := testReceiver(t)
	now := time.Unix(1_000_000, 0)
	seedLeasedJob(t, store, reg, now)
	if _, err := receiver.Receive(Submission{JobID: "0001", ProviderID: "dead", OutputDigest: digestA}, now); !errors.Is(err, ErrProviderDenied) {
		t.Fatalf("expected provider denied, got %v", err)
	}
}
