package proofs

import (
	"encoding/json"
	"errors"
	"fmt"

	"aicf/core/types"
)

// ProofMetrics is the normalised measurement set extracted from an envelope.
// Optional dimensions stay nil when the proof does not carry them.
type ProofMetrics struct {
	Kind       types.Kind      `json:"kind"`
	Units      uint64          `json:"units"`
	TrapsRatio *float64        `json:"trapsRatio,omitempty"`
	QoS        *float64        `json:"qos,omitempty"`
	LatencyMs  *float64        `json:"latencyMs,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
}

// ProofClaim is the settlement-facing record derived from a verified proof.
type ProofClaim struct {
	Kind        types.Kind       `json:"kind"`
	TaskID      string           `json:"taskId"`
	Nullifier   types.Nullifier  `json:"nullifier"`
	Height      uint64           `json:"height"`
	ProviderID  types.ProviderID `json:"providerId"`
	WorkUnits   uint64           `json:"workUnits"`
	ProofDigest string           `json:"proofDigest,omitempty"`
	JobID       types.JobID      `json:"jobId,omitempty"`
}

var ErrClaimInvalid = errors.New("proofs: claim invalid")

// ceilDiv computes ceil(a/b) for positive b.
func ceilDiv(a, b uint64) uint64 {
	return (a + b - 1) / b
}

// AIUnits derives billable units for AI work: an explicit unit count wins,
// otherwise tokens are converted at AITokensPerUnit, rounding up.
func AIUnits(env *AIEnvelope) uint64 {
	if env.Units > 0 {
		return env.Units
	}
	tokens := env.InputTokens + env.OutputTokens
	if tokens == 0 {
		return 0
	}
	return ceilDiv(tokens, AITokensPerUnit)
}

// QuantumUnits derives billable units for quantum work: an explicit unit
// count wins, otherwise gate-shots (depth x width x shots) are converted at
// QGateShotsPerUnit, rounding up.
func QuantumUnits(env *QuantumEnvelope) uint64 {
	if env.Units > 0 {
		return env.Units
	}
	gateShots := env.Depth * env.Width * env.Shots
	if gateShots == 0 {
		return 0
	}
	return ceilDiv(gateShots, QGateShotsPerUnit)
}

// TrapsRatio converts a trap summary into a pass ratio clamped to [0,1]. A
// summary without any trap jobs yields nil.
func TrapsRatio(traps *TrapSummary) *float64 {
	if traps == nil || traps.Total == 0 {
		return nil
	}
	ratio := float64(traps.Passed) / float64(traps.Total)
	if ratio > 1 {
		ratio = 1
	}
	if ratio < 0 {
		ratio = 0
	}
	return &ratio
}

// latencyOf resolves the proof latency through the fallback chain
// latency_ms, latency.total_ms, duration_ms.
func latencyOf(direct *float64, nested *latencyBlock, duration *float64) *float64 {
	if direct != nil {
		return direct
	}
	if nested != nil && nested.TotalMs != nil {
		return nested.TotalMs
	}
	return duration
}

// Metrics normalises the envelope into a ProofMetrics record.
func Metrics(env Envelope) (ProofMetrics, error) {
	switch {
	case env.AI != nil:
		return ProofMetrics{
			Kind:       types.KindAI,
			Units:      AIUnits(env.AI),
			TrapsRatio: TrapsRatio(env.AI.Traps),
			QoS:        env.AI.QoS,
			LatencyMs:  latencyOf(env.AI.LatencyMs, env.AI.Latency, env.AI.DurationMs),
			Details:    env.AI.Details,
		}, nil
	case env.Quantum != nil:
		return ProofMetrics{
			Kind:       types.KindQuantum,
			Units:      QuantumUnits(env.Quantum),
			TrapsRatio: TrapsRatio(env.Quantum.Traps),
			QoS:        env.Quantum.QoS,
			LatencyMs:  latencyOf(env.Quantum.LatencyMs, env.Quantum.Latency, env.Quantum.DurationMs),
			Details:    env.Quantum.Details,
		}, nil
	default:
		return ProofMetrics{}, ErrEnvelopeInvalid
	}
}

// Claim derives the settlement claim from the envelope, validating the
// identifier fields.
func Claim(env Envelope) (*ProofClaim, error) {
	var (
		kind        types.Kind
		taskID      string
		rawNull     string
		rawProvider string
		height      uint64
		units       uint64
		digest      string
		rawJob      string
	)
	switch {
	case env.AI != nil:
		kind = types.KindAI
		taskID = env.AI.TaskID
		rawNull = env.AI.Nullifier
		rawProvider = env.AI.ProviderID
		height = env.AI.Height
		units = AIUnits(env.AI)
		digest = env.AI.ProofDigest
		rawJob = env.AI.JobID
	case env.Quantum != nil:
		kind = types.KindQuantum
		taskID = env.Quantum.TaskID
		rawNull = env.Quantum.Nullifier
		rawProvider = env.Quantum.ProviderID
		height = env.Quantum.Height
		units = QuantumUnits(env.Quantum)
		digest = env.Quantum.ProofDigest
		rawJob = env.Quantum.JobID
	default:
		return nil, ErrEnvelopeInvalid
	}
	if taskID == "" {
		return nil, fmt.Errorf("%w: task id required", ErrClaimInvalid)
	}
	nullifier, err := types.ParseNullifier(rawNull)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrClaimInvalid, err)
	}
	provider, err := types.ParseProviderID(rawProvider)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrClaimInvalid, err)
	}
	if units == 0 {
		return nil, fmt.Errorf("%w: zero work units", ErrClaimInvalid)
	}
	claim := &ProofClaim{
		Kind:        kind,
		TaskID:      taskID,
		Nullifier:   nullifier,
		Height:      height,
		ProviderID:  provider,
		WorkUnits:   units,
		ProofDigest: digest,
	}
	if rawJob != "" {
		jobID, err := types.ParseJobID(rawJob)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrClaimInvalid, err)
		}
		claim.JobID = jobID
	}
	return claim, nil
}

// Bridge decodes a raw envelope and returns both the normalised metrics and
// the settlement claim in one step.
func Bridge(raw []byte) (ProofMetrics, *ProofClaim, error) {
	env, err := DecodeEnvelope(raw)
	if err != nil {
		return ProofMetrics{}, nil, err
	}
	metrics, err := Metrics(env)
	if err != nil {
		return ProofMetrics{}, nil, err
	}
	claim, err := Claim(env)
	if err != nil {
		return ProofMetrics{}, nil, err
	}
	return metrics, claim, nil
}
