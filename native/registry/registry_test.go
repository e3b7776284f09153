package registry

import (
	"errors"
	"math/big"
	"testing"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := New(Config{
		MinStakeAI:        big.NewInt(1_000),
		MinStakeQuantum:   big.NewInt(5_000),
		UnlockDelayBlocks: 10,
	}, nil)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return reg
}

func TestRegisterDeniedByPolicy(t *testing.T) {
	policy := NewPolicy()
	policy.Deny("bad0")
	reg, err := New(DefaultConfig(), policy)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if _, err := reg.Register("bad0", CapAI, nil, true, big.NewInt(1_000), "eu", nil); !errors.Is(err, ErrRegistryDenied) {
		t.Fatalf("expected registry_denied, got %v", err)
	}
}

func TestRegisterRejectsFailedAttestation(t *testing.T) {
	reg := newTestRegistry(t)
	if _, err := reg.Register("aa01", CapAI, nil, false, big.NewInt(1_000), "eu", nil); !errors.Is(err, ErrAttestationInvalid) {
		t.Fatalf("expected attestation_invalid, got %v", err)
	}
}

func TestEffectiveStakeExcludesLockedUnlocks(t *testing.T) {
	reg := newTestRegistry(t)
	if _, err := reg.Register("aa01", CapAI, nil, true, big.NewInt(10_000), "eu", nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := reg.RequestUnstake("aa01", big.NewInt(4_000), 100); err != nil {
		t.Fatalf("request unstake: %v", err)
	}
	provider, err := reg.Get("aa01")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got := provider.EffectiveStake(105); got.Cmp(big.NewInt(6_000)) != 0 {
		t.Fatalf("expected effective stake 6000 before release, got %s", got)
	}
	if got := provider.EffectiveStake(110); got.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("matured tranche should count until processed, got %s", got)
	}
}

func TestProcessUnlocksDeductsFromTotal(t *testing.T) {
	reg := newTestRegistry(t)
	if _, err := reg.Register("aa01", CapAI, nil, true, big.NewInt(10_000), "eu", nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := reg.RequestUnstake("aa01", big.NewInt(4_000), 100); err != nil {
		t.Fatalf("request unstake: %v", err)
	}
	released := reg.ProcessUnlocks(109)
	if len(released) != 0 {
		t.Fatalf("unlock should not mature before release height")
	}
	released = reg.ProcessUnlocks(110)
	if released["aa01"] == nil || released["aa01"].Cmp(big.NewInt(4_000)) != 0 {
		t.Fatalf("expected 4000 released, got %v", released["aa01"])
	}
	provider, _ := reg.Get("aa01")
	if provider.StakeTotal.Cmp(big.NewInt(6_000)) != 0 {
		t.Fatalf("expected stake total 6000, got %s", provider.StakeTotal)
	}
}

func TestRequestUnstakeRejectsOverdraw(t *testing.T) {
	reg := newTestRegistry(t)
	if _, err := reg.Register("aa01", CapAI, nil, true, big.NewInt(5_000), "eu", nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := reg.RequestUnstake("aa01", big.NewInt(3_000), 100); err != nil {
		t.Fatalf("first unstake: %v", err)
	}
	if _, err := reg.RequestUnstake("aa01", big.NewInt(3_000), 100); err == nil {
		t.Fatalf("expected overdraw rejection")
	}
}

func TestEnsureMinimumPerCapability(t *testing.T) {
	reg := newTestRegistry(t)
	if _, err := reg.Register("aa01", CapAI, nil, true, big.NewInt(2_000), "eu", nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.EnsureMinimum("aa01", CapAI, 100); err != nil {
		t.Fatalf("AI minimum should pass: %v", err)
	}
	err := reg.EnsureMinimum("aa01", CapQuantum, 100)
	var insufficient *InsufficientStakeError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected insufficient_stake, got %v", err)
	}
	if insufficient.Required.Cmp(big.NewInt(5_000)) != 0 {
		t.Fatalf("expected required 5000, got %s", insufficient.Required)
	}
	if insufficient.Actual.Cmp(big.NewInt(2_000)) != 0 {
		t.Fatalf("expected actual 2000, got %s", insufficient.Actual)
	}
}

func TestQuantumUpgradeGuard(t *testing.T) {
	reg := newTestRegistry(t)
	if _, err := reg.Register("aa01", CapAI, nil, true, big.NewInt(2_000), "eu", nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.EnsureMinimum("aa01", CapQuantum, 100); err == nil {
		t.Fatalf("expected quantum minimum failure")
	}
	// Stake now clears the bar, but the sticky denial stays until a fresh
	// EnsureMinimum passes.
	if _, err := reg.Stake("aa01", big.NewInt(10_000)); err != nil {
		t.Fatalf("stake: %v", err)
	}
	if err := reg.GrantCapability("aa01", CapQuantum, 100); err == nil {
		t.Fatalf("expected denied upgrade while guard set")
	}
	if err := reg.EnsureMinimum("aa01", CapQuantum, 100); err != nil {
		t.Fatalf("fresh minimum check should pass: %v", err)
	}
	if err := reg.GrantCapability("aa01", CapQuantum, 100); err != nil {
		t.Fatalf("grant after passing check: %v", err)
	}
	provider, _ := reg.Get("aa01")
	if !provider.Capabilities.Has(CapQuantum) {
		t.Fatalf("expected QUANTUM capability granted")
	}
}

func TestJailLifecycle(t *testing.T) {
	reg := newTestRegistry(t)
	if _, err := reg.Register("aa01", CapAI, nil, true, big.NewInt(2_000), "eu", nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Jail("aa01", 200); err != nil {
		t.Fatalf("jail: %v", err)
	}
	if !reg.IsJailed("aa01", 150) {
		t.Fatalf("expected jailed before release height")
	}
	if reg.IsJailed("aa01", 200) {
		t.Fatalf("jail should lapse at release height")
	}
	if err := reg.ClearJail("aa01"); err != nil {
		t.Fatalf("clear jail: %v", err)
	}
	provider, _ := reg.Get("aa01")
	if provider.Status != StatusActive {
		t.Fatalf("expected ACTIVE after clear, got %s", provider.Status)
	}
}

func TestSlashClampsAtZero(t *testing.T) {
	reg := newTestRegistry(t)
	if _, err := reg.Register("aa01", CapAI, nil, true, big.NewInt(2_000), "eu", nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	remaining, err := reg.Slash("aa01", big.NewInt(500), "sla")
	if err != nil {
		t.Fatalf("slash: %v", err)
	}
	if remaining.Cmp(big.NewInt(1_500)) != 0 {
		t.Fatalf("expected 1500 remaining, got %s", remaining)
	}
	remaining, err = reg.Slash("aa01", big.NewInt(9_999), "sla")
	if err != nil {
		t.Fatalf("slash: %v", err)
	}
	if remaining.Sign() != 0 {
		t.Fatalf("expected stake clamped to zero, got %s", remaining)
	}
}

func TestParseStatus(t *testing.T) {
	status, err := ParseStatus(" paused ")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if status != StatusPaused {
		t.Fatalf("expected PAUSED, got %s", status)
	}
	if _, err := ParseStatus("SUPERCHARGED"); err == nil {
		t.Fatal("unknown status should be rejected")
	}
	if _, err := ParseStatus(""); err == nil {
		t.Fatal("empty status should be rejected")
	}
}
