package proofs

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"aicf/core/types"
)

// Work-unit conversion rates. Both kinds normalise raw proof measurements to
// billable units with a ceiling division.
const (
	AITokensPerUnit   = 1_000
	QGateShotsPerUnit = 1_000
)

// Envelope decode failures.
var (
	ErrEnvelopeInvalid   = errors.New("proofs: envelope invalid")
	ErrEnvelopeAmbiguous = errors.New("proofs: envelope kind ambiguous")
	ErrEnvelopeUnknown   = errors.New("proofs: envelope kind unknown")
)

// TrapSummary carries the trap-job outcome counts attached to a proof.
type TrapSummary struct {
	Passed uint64 `json:"passed"`
	Total  uint64 `json:"total"`
}

// latencyBlock is the nested latency form some submitters use.
type latencyBlock struct {
	TotalMs *float64 `json:"total_ms"`
}

// AIEnvelope is the on-chain proof payload for AI inference work.
type AIEnvelope struct {
	TaskID       string          `json:"task_id"`
	Nullifier    string          `json:"nullifier"`
	ProviderID   string          `json:"provider_id"`
	Height       uint64          `json:"height"`
	Units        uint64          `json:"units,omitempty"`
	InputTokens  uint64          `json:"input_tokens,omitempty"`
	OutputTokens uint64          `json:"output_tokens,omitempty"`
	Traps        *TrapSummary    `json:"traps,omitempty"`
	QoS          *float64        `json:"qos,omitempty"`
	LatencyMs    *float64        `json:"latency_ms,omitempty"`
	Latency      *latencyBlock   `json:"latency,omitempty"`
	DurationMs   *float64        `json:"duration_ms,omitempty"`
	ProofDigest  string          `json:"proof_digest,omitempty"`
	JobID        string          `json:"job_id,omitempty"`
	Details      json.RawMessage `json:"details,omitempty"`
}

// QuantumEnvelope is the on-chain proof payload for quantum circuit work.
type QuantumEnvelope struct {
	TaskID      string          `json:"task_id"`
	Nullifier   string          `json:"nullifier"`
	ProviderID  string          `json:"provider_id"`
	Height      uint64          `json:"height"`
	Units       uint64          `json:"units,omitempty"`
	Depth       uint64          `json:"depth,omitempty"`
	Width       uint64          `json:"width,omitempty"`
	Shots       uint64          `json:"shots,omitempty"`
	Traps       *TrapSummary    `json:"traps,omitempty"`
	QoS         *float64        `json:"qos,omitempty"`
	LatencyMs   *float64        `json:"latency_ms,omitempty"`
	Latency     *latencyBlock   `json:"latency,omitempty"`
	DurationMs  *float64        `json:"duration_ms,omitempty"`
	ProofDigest string          `json:"proof_digest,omitempty"`
	JobID       string          `json:"job_id,omitempty"`
	Details     json.RawMessage `json:"details,omitempty"`
}

// Envelope is the tagged union of supported proof payloads. Exactly one side
// is set after a successful decode.
type Envelope struct {
	AI      *AIEnvelope
	Quantum *QuantumEnvelope
}

// Kind returns the work class carried by the envelope.
func (e Envelope) Kind() types.Kind {
	if e.Quantum != nil {
		return types.KindQuantum
	}
	return types.KindAI
}

// wrapper is the explicit outer tagging form.
type wrapper struct {
	AIProof      json.RawMessage `json:"AIProof,omitempty"`
	QuantumProof json.RawMessage `json:"QuantumProof,omitempty"`
}

// DecodeEnvelope parses a raw proof payload into the tagged union. Kind
// detection tries, in order: the explicit wrapper, a type_id/type field, and
// field heuristics. A payload matching both kinds is rejected as ambiguous.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	if len(raw) == 0 {
		return Envelope{}, fmt.Errorf("%w: empty payload", ErrEnvelopeInvalid)
	}
	var wrapped wrapper
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrEnvelopeInvalid, err)
	}
	if len(wrapped.AIProof) > 0 && len(wrapped.QuantumProof) > 0 {
		return Envelope{}, ErrEnvelopeAmbiguous
	}
	if len(wrapped.AIProof) > 0 {
		return decodeAI(wrapped.AIProof)
	}
	if len(wrapped.QuantumProof) > 0 {
		return decodeQuantum(wrapped.QuantumProof)
	}

	var tagged struct {
		TypeID string `json:"type_id"`
		Type   string `json:"type"`
	}
	if err := json.Unmarshal(raw, &tagged); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrEnvelopeInvalid, err)
	}
	tag := tagged.TypeID
	if tag == "" {
		tag = tagged.Type
	}
	switch strings.ToLower(tag) {
	case "ai", "aiproof", "ai_proof":
		return decodeAI(raw)
	case "quantum", "quantumproof", "quantum_proof":
		return decodeQuantum(raw)
	case "":
	default:
		return Envelope{}, fmt.Errorf("%w: type %q", ErrEnvelopeUnknown, tag)
	}

	return decodeByHeuristics(raw)
}

// decodeByHeuristics inspects field names when no explicit tag is present.
// Token fields mark AI work; circuit geometry fields mark quantum work.
func decodeByHeuristics(raw []byte) (Envelope, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrEnvelopeInvalid, err)
	}
	_, hasInput := probe["input_tokens"]
	_, hasOutput := probe["output_tokens"]
	_, hasDepth := probe["depth"]
	_, hasShots := probe["shots"]
	aiLike := hasInput || hasOutput
	quantumLike := hasDepth || hasShots
	switch {
	case aiLike && quantumLike:
		return Envelope{}, ErrEnvelopeAmbiguous
	case aiLike:
		return decodeAI(raw)
	case quantumLike:
		return decodeQuantum(raw)
	default:
		return Envelope{}, ErrEnvelopeUnknown
	}
}

func decodeAI(raw []byte) (Envelope, error) {
	env := new(AIEnvelope)
	if err := json.Unmarshal(raw, env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrEnvelopeInvalid, err)
	}
	return Envelope{AI: env}, nil
}

func decodeQuantum(raw []byte) (Envelope, error) {
	env := new(QuantumEnvelope)
	if err := json.Unmarshal(raw, env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrEnvelopeInvalid, err)
	}
	return Envelope{Quantum: env}, nil
}
