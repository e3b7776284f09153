package types

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Kind identifies the class of compute work a job requires and a provider
// advertises.
type Kind string

const (
	KindAI      Kind = "AI"
	KindQuantum Kind = "QUANTUM"
)

// ParseKind normalises the supplied label into a Kind.
func ParseKind(raw string) (Kind, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "AI":
		return KindAI, nil
	case "QUANTUM":
		return KindQuantum, nil
	default:
		return "", fmt.Errorf("types: unknown kind %q", raw)
	}
}

// Valid reports whether the kind is one of the supported classes.
func (k Kind) Valid() bool {
	return k == KindAI || k == KindQuantum
}

// Tier ranks requester service classes. Lower scores sort ahead when ranking
// jobs with otherwise identical keys.
type Tier string

const (
	TierGold     Tier = "gold"
	TierPremium  Tier = "premium"
	TierStandard Tier = "standard"
)

// ParseTier normalises the supplied label into a Tier. An empty label maps to
// the standard class.
func ParseTier(raw string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "gold":
		return TierGold, nil
	case "premium":
		return TierPremium, nil
	case "", "standard":
		return TierStandard, nil
	default:
		return "", fmt.Errorf("types: unknown tier %q", raw)
	}
}

// Score maps the tier onto its deterministic ordering value.
func (t Tier) Score() int {
	switch t {
	case TierGold:
		return 0
	case TierPremium:
		return 1
	default:
		return 2
	}
}

// JobID is a lowercase hex identifier for a job.
type JobID string

// ProviderID is a lowercase hex identifier for a registered provider.
type ProviderID string

// LeaseID identifies a single lease issued against a job.
type LeaseID string

// Height is a chain block height.
type Height = uint64

// ErrInvalidHexID marks identifier parse failures.
var ErrInvalidHexID = errors.New("types: identifier must be non-empty lowercase hex")

func validateHexID(raw string) (string, error) {
	trimmed := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(raw)), "0x")
	if trimmed == "" {
		return "", ErrInvalidHexID
	}
	if _, err := hex.DecodeString(trimmed); err != nil {
		return "", ErrInvalidHexID
	}
	return trimmed, nil
}

// ParseJobID validates and canonicalises a job identifier.
func ParseJobID(raw string) (JobID, error) {
	id, err := validateHexID(raw)
	if err != nil {
		return "", err
	}
	return JobID(id), nil
}

// ParseProviderID validates and canonicalises a provider identifier.
func ParseProviderID(raw string) (ProviderID, error) {
	id, err := validateHexID(raw)
	if err != nil {
		return "", err
	}
	return ProviderID(id), nil
}

// Amount is a monetary quantity in base units (nano-tokens). All settlement
// math stays in integers; callers must treat values as immutable.
type Amount = *big.Int

// NewAmount returns an amount for the supplied base-unit value.
func NewAmount(v int64) Amount { return big.NewInt(v) }

// CopyAmount produces an owned copy, mapping nil onto zero.
func CopyAmount(v Amount) Amount {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// NowMillis returns the supplied instant as unix milliseconds, the timestamp
// convention carried on every emitted event.
func NowMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// Event is the generic attribute bag emitted by every engine. Typed events in
// core/events render themselves into this form.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Nullifier is a single-use 64-hex identifier carried on proof claims.
type Nullifier string

// ParseNullifier validates the canonical 64-hex form.
func ParseNullifier(raw string) (Nullifier, error) {
	trimmed := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(raw)), "0x")
	if len(trimmed) != 64 {
		return "", fmt.Errorf("types: nullifier must be 64 hex characters, got %d", len(trimmed))
	}
	if _, err := hex.DecodeString(trimmed); err != nil {
		return "", fmt.Errorf("types: nullifier must be hex encoded")
	}
	return Nullifier(trimmed), nil
}

// Digest is the hex-encoded output digest submitted with a completion. Both
// 32-byte and 64-byte digests are accepted.
type Digest string

// ParseDigest validates the digest encoding and length.
func ParseDigest(raw string) (Digest, error) {
	trimmed := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(raw)), "0x")
	if len(trimmed) != 64 && len(trimmed) != 128 {
		return "", fmt.Errorf("types: digest must be 64 or 128 hex characters, got %d", len(trimmed))
	}
	if _, err := hex.DecodeString(trimmed); err != nil {
		return "", fmt.Errorf("types: digest must be hex encoded")
	}
	return Digest(trimmed), nil
}
