package completion

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"aicf/core/events"
	"aicf/core/types"
	"aicf/native/jobs"
	"aicf/native/registry"
)

// Completion failure classifications surfaced to submitters.
var (
	ErrSchemaInvalid     = errors.New("completion: schema invalid")
	ErrProviderDenied    = errors.New("completion: provider not allowed")
	ErrProviderJailed    = errors.New("completion: provider jailed")
	ErrLeaseExpired      = errors.New("completion: deadline exceeded")
	ErrDigestConflict    = errors.New("completion: digest conflicts with recorded result")
	ErrJobNotCompletable = errors.New("completion: job not in a completable state")
)

// proofRefKinds enumerates the proof reference kinds a submission may carry.
// Anything else is silently dropped during sanitisation.
var proofRefKinds = map[string]struct{}{
	"da_commitment": {},
	"onchain_proof": {},
	"attestation":   {},
	"vdf_proof":     {},
}

// ProofRef anchors a completion to external proof material.
type ProofRef struct {
	Kind string `json:"kind"`
	Ref  string `json:"ref"`
}

// Submission is a provider's claim that a leased job finished.
type Submission struct {
	JobID        string          `json:"jobId"`
	ProviderID   string          `json:"providerId"`
	OutputDigest string          `json:"outputDigest"`
	ProofRefs    []ProofRef      `json:"proofRefs,omitempty"`
	Meta         json.RawMessage `json:"meta,omitempty"`
}

// Ack reports the receiver's decision back to the submitter.
type Ack struct {
	JobID      types.JobID `json:"jobId"`
	Accepted   bool        `json:"accepted"`
	Idempotent bool        `json:"idempotent"`
	ProofRefs  []ProofRef  `json:"proofRefs,omitempty"`
}

// LatencyObserver receives the queue-to-completion latency of every accepted
// submission, typically backed by a histogram.
type LatencyObserver func(kind types.Kind, seconds float64)

// QuotaCommitter converts the job's scheduling reservation into consumed
// budget once a submission validates.
type QuotaCommitter interface {
	CommitQuota(id types.JobID)
}

// Receiver validates completion submissions against active leases and records
// accepted results. It is reentrant: a repeated submission with an identical
// digest acks idempotently.
type Receiver struct {
	store    jobs.Store
	registry *registry.Registry
	quotas   QuotaCommitter
	emitter  events.Emitter
	heightFn func() uint64
	latency  LatencyObserver
}

// NewReceiver wires the receiver. The quota committer may be nil when the
// scheduler runs elsewhere.
func NewReceiver(store jobs.Store, reg *registry.Registry, quotas QuotaCommitter) (*Receiver, error) {
	if store == nil || reg == nil {
		return nil, errors.New("completion: store and registry required")
	}
	return &Receiver{
		store:    store,
		registry: reg,
		quotas:   quotas,
		emitter:  events.NoopEmitter{},
		heightFn: func() uint64 { return 0 },
	}, nil
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (r *Receiver) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	r.emitter = emitter
}

// SetHeightFunc configures the chain height source used for jail checks.
func (r *Receiver) SetHeightFunc(fn func() uint64) {
	if fn == nil {
		fn = func() uint64 { return 0 }
	}
	r.heightFn = fn
}

// SetLatencyObserver configures the completion latency sink.
func (r *Receiver) SetLatencyObserver(obs LatencyObserver) {
	r.latency = obs
}

// SanitizeProofRefs keeps only references with a recognised kind and a
// non-empty value.
func SanitizeProofRefs(refs []ProofRef) []ProofRef {
	out := make([]ProofRef, 0, len(refs))
	for _, ref := range refs {
		if ref.Ref == "" {
			continue
		}
		if _, ok := proofRefKinds[ref.Kind]; !ok {
			continue
		}
		out = append(out, ref)
	}
	return out
}

// Receive validates and records a completion submission.
func (r *Receiver) Receive(sub Submission, now time.Time) (*Ack, error) {
	jobID, err := types.ParseJobID(sub.JobID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
	}
	providerID, err := types.ParseProviderID(sub.ProviderID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
	}
	digest, err := types.ParseDigest(sub.OutputDigest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
	}

	if !r.registry.IsAllowed(providerID) {
		return nil, ErrProviderDenied
	}
	height := r.heightFn()
	if r.registry.IsJailed(providerID, height) {
		return nil, ErrProviderJailed
	}

	job, err := r.store.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if job.Status == jobs.StatusCompleted {
		if job.ResultDigest == digest {
			return &Ack{JobID: jobID, Accepted: true, Idempotent: true}, nil
		}
		return nil, ErrDigestConflict
	}
	if job.Status != jobs.StatusAssigned {
		return nil, fmt.Errorf("%w: status %s", ErrJobNotCompletable, job.Status)
	}

	lease, ok, err := r.store.GetActiveLease(jobID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, jobs.ErrNotAssigned
	}
	if lease.ProviderID != providerID {
		return nil, jobs.ErrLeaseLost
	}
	if lease.ExpiresAt < now.Unix() {
		return nil, ErrLeaseExpired
	}

	refs := SanitizeProofRefs(sub.ProofRefs)
	result, err := encodeResult(refs, sub.Meta)
	if err != nil {
		return nil, err
	}
	if err := r.store.MarkCompleted(jobID, providerID, digest, result, now); err != nil {
		if errors.Is(err, jobs.ErrDigestMismatch) {
			return nil, ErrDigestConflict
		}
		return nil, err
	}
	if r.quotas != nil {
		r.quotas.CommitQuota(jobID)
	}
	if r.latency != nil {
		r.latency(job.Kind, now.Sub(time.Unix(job.CreatedAt, 0)).Seconds())
	}
	r.emitter.Emit(events.JobCompleted{
		JobID:      jobID,
		ProviderID: providerID,
		Success:    true,
		Digest:     digest,
		Height:     height,
		TsMillis:   types.NowMillis(now),
	})
	return &Ack{JobID: jobID, Accepted: true, ProofRefs: refs}, nil
}

type completionResult struct {
	ProofRefs []ProofRef      `json:"proofRefs,omitempty"`
	Meta      json.RawMessage `json:"meta,omitempty"`
}

func encodeResult(refs []ProofRef, meta json.RawMessage) (json.RawMessage, error) {
	if len(refs) == 0 && len(meta) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(completionResult{ProofRefs: refs, Meta: meta})
	if err != nil {
		return nil, fmt.Errorf("completion: encode result: %w", err)
	}
	return raw, nil
}
