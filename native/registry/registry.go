package registry

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"aicf/core/types"
)

// Config bundles the staking thresholds enforced by the registry.
type Config struct {
	MinStakeAI        *big.Int
	MinStakeQuantum   *big.Int
	UnlockDelayBlocks uint64
}

// DefaultConfig returns development thresholds.
func DefaultConfig() Config {
	return Config{
		MinStakeAI:        big.NewInt(1_000),
		MinStakeQuantum:   big.NewInt(5_000),
		UnlockDelayBlocks: 100,
	}
}

// Validate ensures the thresholds are usable.
func (c Config) Validate() error {
	if c.MinStakeAI == nil || c.MinStakeAI.Sign() < 0 {
		return errors.New("registry: min stake for AI must be non-negative")
	}
	if c.MinStakeQuantum == nil || c.MinStakeQuantum.Sign() < 0 {
		return errors.New("registry: min stake for QUANTUM must be non-negative")
	}
	return nil
}

// StatusHook observes provider status transitions, letting callers mirror
// registry state into events or metrics.
type StatusHook func(id types.ProviderID, from, to Status)

// Registry tracks providers, their stake, and their lifecycle status.
type Registry struct {
	mu        sync.RWMutex
	cfg       Config
	policy    *Policy
	providers map[types.ProviderID]*Provider
	// Providers that failed the QUANTUM minimum must pass a fresh
	// EnsureMinimum before the capability can be granted.
	quantumDenied map[types.ProviderID]struct{}
	statusHook    StatusHook
	nowFn         func() time.Time
}

// New creates a registry with the supplied thresholds and policy. A nil
// policy admits everyone.
func New(cfg Config, policy *Policy) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if policy == nil {
		policy = NewPolicy()
	}
	return &Registry{
		cfg:           cfg,
		policy:        policy,
		providers:     make(map[types.ProviderID]*Provider),
		quantumDenied: make(map[types.ProviderID]struct{}),
		nowFn:         time.Now,
	}, nil
}

// SetStatusHook configures the transition observer.
func (r *Registry) SetStatusHook(hook StatusHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statusHook = hook
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (r *Registry) SetNowFunc(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if now == nil {
		now = time.Now
	}
	r.nowFn = now
}

// Policy exposes the registry policy for eligibility checks.
func (r *Registry) Policy() *Policy { return r.policy }

func (r *Registry) minFor(cap Capability) *big.Int {
	if cap.Has(CapQuantum) {
		return r.cfg.MinStakeQuantum
	}
	return r.cfg.MinStakeAI
}

// Register admits a provider. The attestation is pre-verified upstream; the
// registry only honours the resulting bit.
func (r *Registry) Register(id types.ProviderID, caps Capability, endpoints []string, attested bool, stake *big.Int, region string, algorithms []string) (*Provider, error) {
	if caps == 0 {
		return nil, fmt.Errorf("registry: at least one capability required")
	}
	if !r.policy.Allows(id) {
		return nil, ErrRegistryDenied
	}
	if !attested {
		return nil, ErrAttestationInvalid
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[id]; exists {
		return nil, fmt.Errorf("registry: provider %s already registered", id)
	}
	provider := &Provider{
		ID:           id,
		Capabilities: caps,
		Endpoints:    append([]string(nil), endpoints...),
		Region:       region,
		Status:       StatusActive,
		StakeTotal:   cloneOrZero(stake),
		HealthScore:  1,
		Algorithms:   append([]string(nil), algorithms...),
	}
	r.providers[id] = provider
	return provider.Clone(), nil
}

// Get returns a copy of the provider record.
func (r *Registry) Get(id types.ProviderID) (*Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	provider, ok := r.providers[id]
	if !ok {
		return nil, ErrProviderNotFound
	}
	return provider.Clone(), nil
}

// List returns providers ordered by id with offset/limit pagination.
func (r *Registry) List(offset, limit int) []*Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]types.ProviderID, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if offset > 0 {
		if offset >= len(ids) {
			return []*Provider{}
		}
		ids = ids[offset:]
	}
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]*Provider, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.providers[id].Clone())
	}
	return out
}

// IsAllowed reports whether the provider is registered and passes policy.
func (r *Registry) IsAllowed(id types.ProviderID) bool {
	if !r.policy.Allows(id) {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	provider, ok := r.providers[id]
	if !ok {
		return false
	}
	return provider.Status != StatusRetired
}

// IsJailed reports whether the provider currently sits in jail.
func (r *Registry) IsJailed(id types.ProviderID, height uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	provider, ok := r.providers[id]
	if !ok {
		return false
	}
	return provider.Status == StatusJailed && height < provider.JailUntilHeight
}

func (r *Registry) setStatusLocked(provider *Provider, to Status) {
	from := provider.Status
	if from == to {
		return
	}
	provider.Status = to
	if r.statusHook != nil {
		r.statusHook(provider.ID, from, to)
	}
}

// SetStatus forces a provider into the supplied lifecycle status.
func (r *Registry) SetStatus(id types.ProviderID, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	provider, ok := r.providers[id]
	if !ok {
		return ErrProviderNotFound
	}
	r.setStatusLocked(provider, status)
	return nil
}

// Jail parks the provider until the supplied height.
func (r *Registry) Jail(id types.ProviderID, untilHeight uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	provider, ok := r.providers[id]
	if !ok {
		return ErrProviderNotFound
	}
	provider.JailUntilHeight = untilHeight
	r.setStatusLocked(provider, StatusJailed)
	return nil
}

// ClearJail releases the provider back into active duty.
func (r *Registry) ClearJail(id types.ProviderID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	provider, ok := r.providers[id]
	if !ok {
		return ErrProviderNotFound
	}
	provider.JailUntilHeight = 0
	if provider.Status == StatusJailed {
		r.setStatusLocked(provider, StatusActive)
	}
	return nil
}

// RecordHeartbeat mirrors the latest monitor observation onto the record.
func (r *Registry) RecordHeartbeat(id types.ProviderID, lastSeen int64, health float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	provider, ok := r.providers[id]
	if !ok {
		return ErrProviderNotFound
	}
	provider.LastHeartbeat = lastSeen
	provider.HealthScore = health
	return nil
}

// --- Staking ---

// Stake increases the bonded total for the provider.
func (r *Registry) Stake(id types.ProviderID, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("registry: stake amount must be positive")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	provider, ok := r.providers[id]
	if !ok {
		return nil, ErrProviderNotFound
	}
	provider.StakeTotal = new(big.Int).Add(cloneOrZero(provider.StakeTotal), amount)
	return new(big.Int).Set(provider.StakeTotal), nil
}

// RequestUnstake schedules a delayed unlock maturing after the configured
// unbonding period.
func (r *Registry) RequestUnstake(id types.ProviderID, amount *big.Int, currentHeight uint64) (*PendingUnlock, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("registry: unstake amount must be positive")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	provider, ok := r.providers[id]
	if !ok {
		return nil, ErrProviderNotFound
	}
	pending := new(big.Int)
	for _, unlock := range provider.PendingUnlocks {
		pending.Add(pending, cloneOrZero(unlock.Amount))
	}
	headroom := new(big.Int).Sub(cloneOrZero(provider.StakeTotal), pending)
	if amount.Cmp(headroom) > 0 {
		return nil, fmt.Errorf("registry: unstake amount %s exceeds bonded stake %s", amount, headroom)
	}
	unlock := PendingUnlock{
		Amount:        new(big.Int).Set(amount),
		ReleaseHeight: currentHeight + r.cfg.UnlockDelayBlocks,
	}
	provider.PendingUnlocks = append(provider.PendingUnlocks, unlock)
	return &PendingUnlock{Amount: new(big.Int).Set(unlock.Amount), ReleaseHeight: unlock.ReleaseHeight}, nil
}

// ProcessUnlocks matures every pending tranche whose release height has
// passed, deducting the amounts from the bonded total. It returns the total
// released per provider.
func (r *Registry) ProcessUnlocks(currentHeight uint64) map[types.ProviderID]*big.Int {
	r.mu.Lock()
	defer r.mu.Unlock()
	released := make(map[types.ProviderID]*big.Int)
	for id, provider := range r.providers {
		kept := provider.PendingUnlocks[:0]
		total := new(big.Int)
		for _, unlock := range provider.PendingUnlocks {
			if unlock.ReleaseHeight <= currentHeight {
				total.Add(total, cloneOrZero(unlock.Amount))
				continue
			}
			kept = append(kept, unlock)
		}
		provider.PendingUnlocks = kept
		if total.Sign() > 0 {
			provider.StakeTotal = new(big.Int).Sub(cloneOrZero(provider.StakeTotal), total)
			if provider.StakeTotal.Sign() < 0 {
				provider.StakeTotal.SetInt64(0)
			}
			released[id] = total
		}
	}
	return released
}

// EnsureMinimum verifies the provider's effective stake clears the
// capability-specific threshold at the supplied height.
func (r *Registry) EnsureMinimum(id types.ProviderID, cap Capability, currentHeight uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	provider, ok := r.providers[id]
	if !ok {
		return ErrProviderNotFound
	}
	required := r.minFor(cap)
	actual := provider.EffectiveStake(currentHeight)
	if actual.Cmp(required) < 0 {
		if cap.Has(CapQuantum) {
			r.quantumDenied[id] = struct{}{}
		}
		return &InsufficientStakeError{
			Required: new(big.Int).Set(required),
			Actual:   actual,
		}
	}
	if cap.Has(CapQuantum) {
		delete(r.quantumDenied, id)
	}
	return nil
}

// GrantCapability extends the provider's capability mask. Granting QUANTUM
// requires a passing EnsureMinimum; a prior QUANTUM-minimum failure keeps
// rejecting the upgrade until a fresh check succeeds.
func (r *Registry) GrantCapability(id types.ProviderID, cap Capability, currentHeight uint64) error {
	if cap.Has(CapQuantum) {
		r.mu.RLock()
		_, denied := r.quantumDenied[id]
		r.mu.RUnlock()
		if denied {
			return &InsufficientStakeError{
				Required: new(big.Int).Set(r.cfg.MinStakeQuantum),
				Actual:   big.NewInt(0),
			}
		}
		if err := r.EnsureMinimum(id, CapQuantum, currentHeight); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	provider, ok := r.providers[id]
	if !ok {
		return ErrProviderNotFound
	}
	provider.Capabilities |= cap
	return nil
}

// StakeOf returns the provider's effective stake at the supplied height.
func (r *Registry) StakeOf(id types.ProviderID, height uint64) (*big.Int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	provider, ok := r.providers[id]
	if !ok {
		return nil, ErrProviderNotFound
	}
	return provider.EffectiveStake(height), nil
}

// Slash burns stake from the provider, clamped at zero, and returns the new
// bonded total.
func (r *Registry) Slash(id types.ProviderID, amount *big.Int, reason string) (*big.Int, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, fmt.Errorf("registry: slash amount must be non-negative")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	provider, ok := r.providers[id]
	if !ok {
		return nil, ErrProviderNotFound
	}
	remaining := new(big.Int).Sub(cloneOrZero(provider.StakeTotal), amount)
	if remaining.Sign() < 0 {
		remaining.SetInt64(0)
	}
	provider.StakeTotal = remaining
	return new(big.Int).Set(remaining), nil
}

func cloneOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
