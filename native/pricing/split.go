package pricing

import (
	"errors"
	"fmt"
	"math/big"

	"aicf/core/types"
)

// Residual recipients.
type ResidualTarget string

const (
	ResidualToProvider ResidualTarget = "provider"
	ResidualToTreasury ResidualTarget = "treasury"
	ResidualToMiner    ResidualTarget = "miner"
)

const bpsDenominator = 10_000

// SplitRule carves a reward into provider, treasury, and miner shares in
// basis points. The three shares must sum to exactly 10000.
type SplitRule struct {
	ProviderBps uint32         `toml:"provider_bps"`
	TreasuryBps uint32         `toml:"treasury_bps"`
	MinerBps    uint32         `toml:"miner_bps"`
	ResidualTo  ResidualTarget `toml:"residual_to"`
}

// DefaultSplitFor returns the development split for the work kind: AI pays
// 85/10/5, quantum pays 80/15/5.
func DefaultSplitFor(kind types.Kind) SplitRule {
	if kind == types.KindQuantum {
		return SplitRule{ProviderBps: 8_000, TreasuryBps: 1_500, MinerBps: 500, ResidualTo: ResidualToProvider}
	}
	return SplitRule{ProviderBps: 8_500, TreasuryBps: 1_000, MinerBps: 500, ResidualTo: ResidualToProvider}
}

// Validate ensures the rule is complete and exact.
func (r SplitRule) Validate() error {
	if sum := uint64(r.ProviderBps) + uint64(r.TreasuryBps) + uint64(r.MinerBps); sum != bpsDenominator {
		return fmt.Errorf("pricing: split must sum to %d basis points, got %d", bpsDenominator, sum)
	}
	switch r.ResidualTo {
	case ResidualToProvider, ResidualToTreasury, ResidualToMiner, "":
		return nil
	}
	return fmt.Errorf("pricing: unknown residual target %q", r.ResidualTo)
}

// Shares is an exact three-way carve of a reward.
type Shares struct {
	Provider types.Amount
	Treasury types.Amount
	Miner    types.Amount
}

// Total returns the sum of the three shares.
func (s Shares) Total() types.Amount {
	total := new(big.Int).Add(s.Provider, s.Treasury)
	return total.Add(total, s.Miner)
}

// Split carves the total per the rule. Each share is the floored basis-point
// slice; the sub-unit residual goes to the configured recipient, so the
// shares always sum back to the input exactly.
func Split(rule SplitRule, total types.Amount) (Shares, error) {
	if err := rule.Validate(); err != nil {
		return Shares{}, err
	}
	if total == nil || total.Sign() < 0 {
		return Shares{}, errors.New("pricing: split total must be non-negative")
	}
	denom := big.NewInt(bpsDenominator)
	slice := func(bps uint32) *big.Int {
		out := new(big.Int).Mul(total, big.NewInt(int64(bps)))
		return out.Quo(out, denom)
	}
	shares := Shares{
		Provider: slice(rule.ProviderBps),
		Treasury: slice(rule.TreasuryBps),
		Miner:    slice(rule.MinerBps),
	}
	residual := new(big.Int).Set(total)
	residual.Sub(residual, shares.Provider)
	residual.Sub(residual, shares.Treasury)
	residual.Sub(residual, shares.Miner)
	if residual.Sign() > 0 {
		switch rule.ResidualTo {
		case ResidualToTreasury:
			shares.Treasury.Add(shares.Treasury, residual)
		case ResidualToMiner:
			shares.Miner.Add(shares.Miner, residual)
		default:
			shares.Provider.Add(shares.Provider, residual)
		}
	}
	return shares, nil
}
