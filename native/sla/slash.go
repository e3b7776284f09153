package sla

import (
	"errors"
	"math/big"
	"sync"
	"time"

	"aicf/core/events"
	"aicf/core/types"
)

// Staking is the stake surface the slash engine drives. The provider
// registry satisfies it.
type Staking interface {
	StakeOf(id types.ProviderID, height uint64) (*big.Int, error)
	Slash(id types.ProviderID, amount *big.Int, reason string) (*big.Int, error)
}

// Penalties is the jail surface the slash engine drives.
type Penalties interface {
	Jail(id types.ProviderID, untilHeight uint64) error
	ClearJail(id types.ProviderID) error
	IsJailed(id types.ProviderID, height uint64) bool
}

// SlashParams tunes penalty sizing and the jail policy.
type SlashParams struct {
	// BaseBps is the stake fraction taken per violation, scaled by severity.
	BaseBps uint32
	// MinSlash and MaxSlash clamp the resulting amount.
	MinSlash *big.Int
	MaxSlash *big.Int
	// Window is the sliding violation window length.
	Window time.Duration
	// JailAfter is the violation count inside the window that trips jail.
	JailAfter int
	// JailBlocks is how long jail lasts.
	JailBlocks uint64
}

// DefaultSlashParams returns the development tuning.
func DefaultSlashParams() SlashParams {
	return SlashParams{
		BaseBps:    1_000,
		MinSlash:   big.NewInt(100),
		MaxSlash:   big.NewInt(1_000_000),
		Window:     time.Hour,
		JailAfter:  3,
		JailBlocks: 100,
	}
}

// Validate ensures the tuning is usable.
func (p SlashParams) Validate() error {
	if p.BaseBps == 0 || p.BaseBps > 10_000 {
		return errors.New("sla: base bps must be in (0, 10000]")
	}
	if p.MinSlash == nil || p.MaxSlash == nil || p.MinSlash.Cmp(p.MaxSlash) > 0 {
		return errors.New("sla: slash clamps must satisfy 0 <= min <= max")
	}
	if p.Window <= 0 {
		return errors.New("sla: violation window must be positive")
	}
	if p.JailAfter <= 0 {
		return errors.New("sla: jail threshold must be positive")
	}
	return nil
}

// SlashOutcome reports one applied violation.
type SlashOutcome struct {
	Amount             *big.Int
	NewStake           *big.Int
	Jailed             bool
	ViolationsInWindow int
}

// Engine maintains per-provider violation windows and applies stake
// penalties. While a provider is jailed further violations are no-ops; a
// passing window after the jail horizon clears the jail and the window.
type Engine struct {
	mu      sync.Mutex
	params  SlashParams
	staking Staking
	jailer  Penalties
	emitter events.Emitter
	windows map[types.ProviderID][]time.Time
	jailed  map[types.ProviderID]uint64
}

// NewEngine wires the slash engine.
func NewEngine(params SlashParams, staking Staking, jailer Penalties) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if staking == nil || jailer == nil {
		return nil, errors.New("sla: staking and penalties required")
	}
	return &Engine{
		params:  params,
		staking: staking,
		jailer:  jailer,
		emitter: events.NoopEmitter{},
		windows: make(map[types.ProviderID][]time.Time),
		jailed:  make(map[types.ProviderID]uint64),
	}, nil
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
}

// SlashAmount sizes the penalty: clamp((stake * base_bps / 10000) * severity,
// min, max). Severity outside [0, 1] is clamped first.
func (p SlashParams) SlashAmount(stake *big.Int, severity float64) *big.Int {
	if severity < 0 {
		severity = 0
	}
	if severity > 1 {
		severity = 1
	}
	base := new(big.Int).Mul(stake, big.NewInt(int64(p.BaseBps)))
	base.Quo(base, big.NewInt(10_000))
	scaled := new(big.Rat).SetInt(base)
	scaled.Mul(scaled, new(big.Rat).SetFloat64(severity))
	amount := new(big.Int).Quo(scaled.Num(), scaled.Denom())
	if amount.Cmp(p.MinSlash) < 0 {
		amount.Set(p.MinSlash)
	}
	if amount.Cmp(p.MaxSlash) > 0 {
		amount.Set(p.MaxSlash)
	}
	return amount
}

func (e *Engine) pruneLocked(id types.ProviderID, now time.Time) []time.Time {
	window := e.windows[id]
	cutoff := now.Add(-e.params.Window)
	kept := window[:0]
	for _, ts := range window {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	e.windows[id] = kept
	return kept
}

// RecordViolation applies one SLA violation at the supplied height. A jailed
// provider is left untouched.
func (e *Engine) RecordViolation(id types.ProviderID, reason string, severity float64, height uint64, now time.Time) (*SlashOutcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.jailer.IsJailed(id, height) {
		return &SlashOutcome{Amount: big.NewInt(0), Jailed: true, ViolationsInWindow: len(e.pruneLocked(id, now))}, nil
	}

	stake, err := e.staking.StakeOf(id, height)
	if err != nil {
		return nil, err
	}
	amount := e.params.SlashAmount(stake, severity)
	if amount.Cmp(stake) > 0 {
		amount = new(big.Int).Set(stake)
	}
	newStake := stake
	if amount.Sign() > 0 {
		newStake, err = e.staking.Slash(id, amount, reason)
		if err != nil {
			return nil, err
		}
	}

	window := append(e.pruneLocked(id, now), now)
	e.windows[id] = window

	jailed := false
	if len(window) >= e.params.JailAfter {
		until := height + e.params.JailBlocks
		if err := e.jailer.Jail(id, until); err != nil {
			return nil, err
		}
		e.jailed[id] = until
		jailed = true
	}

	outcome := &SlashOutcome{
		Amount:             amount,
		NewStake:           newStake,
		Jailed:             jailed,
		ViolationsInWindow: len(window),
	}
	e.emitter.Emit(events.ProviderSlashed{
		ProviderID: id,
		Reason:     reason,
		Penalty:    new(big.Int).Set(amount),
		Jailed:     jailed,
		Height:     height,
		TsMillis:   types.NowMillis(now),
	})
	return outcome, nil
}

// RecordPass feeds a passing SLA window into the recovery logic. While the
// jail horizon has not passed the pass is a no-op; afterwards it clears the
// jail and resets the violation window. It returns whether a jail was
// cleared.
func (e *Engine) RecordPass(id types.ProviderID, height uint64) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	until, wasJailed := e.jailed[id]
	if !wasJailed {
		return false, nil
	}
	if height < until {
		return false, nil
	}
	if err := e.jailer.ClearJail(id); err != nil {
		return false, err
	}
	delete(e.jailed, id)
	delete(e.windows, id)
	return true, nil
}

// Violations reports the current window size for the provider.
func (e *Engine) Violations(id types.ProviderID, now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pruneLocked(id, now))
}
