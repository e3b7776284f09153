package registry

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"aicf/core/types"
)

// Capability is a bitset of compute classes a provider advertises.
type Capability uint8

const (
	CapAI Capability = 1 << iota
	CapQuantum
)

// Has reports whether the mask contains the supplied capability.
func (c Capability) Has(cap Capability) bool { return c&cap != 0 }

// CapabilityForKind maps a job kind onto the capability bit required to
// serve it.
func CapabilityForKind(kind types.Kind) (Capability, error) {
	switch kind {
	case types.KindAI:
		return CapAI, nil
	case types.KindQuantum:
		return CapQuantum, nil
	default:
		return 0, fmt.Errorf("registry: no capability for kind %q", kind)
	}
}

// String renders the mask as a pipe-joined label list.
func (c Capability) String() string {
	parts := make([]string, 0, 2)
	if c.Has(CapAI) {
		parts = append(parts, "AI")
	}
	if c.Has(CapQuantum) {
		parts = append(parts, "QUANTUM")
	}
	if len(parts) == 0 {
		return "NONE"
	}
	return strings.Join(parts, "|")
}

// Status tracks the registry lifecycle of a provider.
type Status string

const (
	StatusRegistered Status = "REGISTERED"
	StatusActive     Status = "ACTIVE"
	StatusPaused     Status = "PAUSED"
	StatusJailed     Status = "JAILED"
	StatusInactive   Status = "INACTIVE"
	StatusRetired    Status = "RETIRED"
)

// ParseStatus validates a caller-supplied lifecycle state. Matching is
// case-insensitive.
func ParseStatus(raw string) (Status, error) {
	status := Status(strings.ToUpper(strings.TrimSpace(raw)))
	switch status {
	case StatusRegistered, StatusActive, StatusPaused, StatusJailed, StatusInactive, StatusRetired:
		return status, nil
	default:
		return "", fmt.Errorf("registry: unknown status %q", raw)
	}
}

// PendingUnlock is a stake tranche waiting out the unbonding delay.
type PendingUnlock struct {
	Amount        *big.Int `json:"amount"`
	ReleaseHeight uint64   `json:"releaseHeight"`
}

// Provider is the registry record for a compute provider.
type Provider struct {
	ID              types.ProviderID `json:"id"`
	Capabilities    Capability       `json:"capabilities"`
	Endpoints       []string         `json:"endpoints"`
	Region          string           `json:"region"`
	Status          Status           `json:"status"`
	StakeTotal      *big.Int         `json:"stakeTotal"`
	PendingUnlocks  []PendingUnlock  `json:"pendingUnlocks,omitempty"`
	JailUntilHeight uint64           `json:"jailUntilHeight,omitempty"`
	LastHeartbeat   int64            `json:"lastHeartbeat,omitempty"`
	HealthScore     float64          `json:"healthScore"`
	Algorithms      []string         `json:"algorithms,omitempty"`
}

// EffectiveStake is the bonded stake net of tranches still locked for
// unbonding at the supplied height.
func (p *Provider) EffectiveStake(height uint64) *big.Int {
	total := new(big.Int)
	if p.StakeTotal != nil {
		total.Set(p.StakeTotal)
	}
	for _, unlock := range p.PendingUnlocks {
		if unlock.ReleaseHeight > height && unlock.Amount != nil {
			total.Sub(total, unlock.Amount)
		}
	}
	if total.Sign() < 0 {
		total.SetInt64(0)
	}
	return total
}

// Clone produces a deep copy of the provider record.
func (p *Provider) Clone() *Provider {
	if p == nil {
		return nil
	}
	clone := *p
	if p.StakeTotal != nil {
		clone.StakeTotal = new(big.Int).Set(p.StakeTotal)
	}
	clone.Endpoints = append([]string(nil), p.Endpoints...)
	clone.Algorithms = append([]string(nil), p.Algorithms...)
	clone.PendingUnlocks = make([]PendingUnlock, len(p.PendingUnlocks))
	for i, unlock := range p.PendingUnlocks {
		clone.PendingUnlocks[i] = PendingUnlock{ReleaseHeight: unlock.ReleaseHeight}
		if unlock.Amount != nil {
			clone.PendingUnlocks[i].Amount = new(big.Int).Set(unlock.Amount)
		}
	}
	return &clone
}

var (
	// ErrRegistryDenied indicates the allowlist refused the provider.
	ErrRegistryDenied = errors.New("registry: registry_denied")
	// ErrAttestationInvalid indicates the pre-verified attestation bit was false.
	ErrAttestationInvalid = errors.New("registry: attestation_invalid")
	// ErrProviderNotFound indicates an unknown provider id.
	ErrProviderNotFound = errors.New("registry: provider_not_found")
)

// InsufficientStakeError carries the capability threshold that was missed.
type InsufficientStakeError struct {
	Required *big.Int
	Actual   *big.Int
}

func (e *InsufficientStakeError) Error() string {
	return fmt.Sprintf("registry: insufficient_stake required=%s actual=%s", e.Required, e.Actual)
}
