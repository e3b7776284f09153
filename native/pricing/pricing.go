package pricing

import (
	"errors"
	"fmt"
	"math/big"

	"aicf/core/types"
)

// RoundingMode selects how the fixed-point reward collapses to an integer.
type RoundingMode string

const (
	RoundFloor       RoundingMode = "floor"
	RoundCeil        RoundingMode = "ceil"
	RoundNearestEven RoundingMode = "nearest-even"
)

// ParseRoundingMode validates a configured rounding mode.
func ParseRoundingMode(raw string) (RoundingMode, error) {
	switch RoundingMode(raw) {
	case RoundFloor, RoundCeil, RoundNearestEven:
		return RoundingMode(raw), nil
	case "":
		return RoundFloor, nil
	}
	return "", fmt.Errorf("pricing: unknown rounding mode %q", raw)
}

// Pricing failures.
var (
	ErrBadMultiplier = errors.New("pricing: surge and quality must be in (0, 10]")
	ErrHardCap       = errors.New("pricing: reward exceeds hard cap")
)

// Params tunes the reward computation for one work kind.
type Params struct {
	// RatePerUnit is the base reward per billable unit, in base tokens.
	RatePerUnit *big.Rat
	Rounding    RoundingMode
	// MinReward and MaxReward clamp the per-job reward when set.
	MinReward *big.Int
	MaxReward *big.Int
	// HardCap is an absolute ceiling; breaching it is an error rather than a
	// clamp.
	HardCap *big.Int
}

// Validate ensures the tuning is usable.
func (p Params) Validate() error {
	if p.RatePerUnit == nil || p.RatePerUnit.Sign() < 0 {
		return errors.New("pricing: rate per unit must be non-negative")
	}
	switch p.Rounding {
	case RoundFloor, RoundCeil, RoundNearestEven, "":
	default:
		return fmt.Errorf("pricing: unknown rounding mode %q", p.Rounding)
	}
	if p.MinReward != nil && p.MaxReward != nil && p.MinReward.Cmp(p.MaxReward) > 0 {
		return errors.New("pricing: min reward exceeds max reward")
	}
	return nil
}

var multiplierCeiling = new(big.Rat).SetInt64(10)

func validMultiplier(m *big.Rat) bool {
	return m != nil && m.Sign() > 0 && m.Cmp(multiplierCeiling) <= 0
}

// Reward computes floor/ceil/nearest-even of
// rate_per_unit * units * surge * quality, then applies the optional min and
// max clamps and the hard cap.
func Reward(params Params, units uint64, surge, quality *big.Rat) (types.Amount, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if !validMultiplier(surge) || !validMultiplier(quality) {
		return nil, ErrBadMultiplier
	}
	exact := new(big.Rat).SetUint64(units)
	exact.Mul(exact, params.RatePerUnit)
	exact.Mul(exact, surge)
	exact.Mul(exact, quality)

	reward := round(exact, params.Rounding)
	if params.MinReward != nil && reward.Cmp(params.MinReward) < 0 {
		reward = new(big.Int).Set(params.MinReward)
	}
	if params.MaxReward != nil && reward.Cmp(params.MaxReward) > 0 {
		reward = new(big.Int).Set(params.MaxReward)
	}
	if params.HardCap != nil && reward.Cmp(params.HardCap) > 0 {
		return nil, ErrHardCap
	}
	return reward, nil
}

// round collapses an exact rational to an integer under the selected mode.
func round(v *big.Rat, mode RoundingMode) *big.Int {
	quo := new(big.Int)
	rem := new(big.Int)
	quo.QuoRem(v.Num(), v.Denom(), rem)
	if rem.Sign() == 0 {
		return quo
	}
	switch mode {
	case RoundCeil:
		return quo.Add(quo, big.NewInt(1))
	case RoundNearestEven:
		// Compare twice the remainder against the denominator.
		twice := new(big.Int).Lsh(rem, 1)
		switch twice.Cmp(v.Denom()) {
		case 1:
			return quo.Add(quo, big.NewInt(1))
		case 0:
			if quo.Bit(0) == 1 {
				return quo.Add(quo, big.NewInt(1))
			}
			return quo
		default:
			return quo
		}
	default:
		return quo
	}
}
