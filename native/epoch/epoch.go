package epoch

import (
	"errors"
	"fmt"
	"math/big"

	"aicf/core/types"
)

// Params fixes the epoch geometry and budget policy.
type Params struct {
	StartHeight uint64
	Length      uint64
	// BaseBudget is the fresh allowance granted to every epoch.
	BaseBudget *big.Int
	// RolloverRate scales how much unused budget carries into the next
	// epoch; the carried amount is floored.
	RolloverRate *big.Rat
}

// DefaultParams returns a development tuning: 100-block epochs with half of
// any unused budget rolling forward.
func DefaultParams() Params {
	return Params{
		Length:       100,
		BaseBudget:   big.NewInt(1_000_000),
		RolloverRate: big.NewRat(1, 2),
	}
}

// Validate ensures the parameters are usable.
func (p Params) Validate() error {
	if p.Length == 0 {
		return errors.New("epoch: length must be positive")
	}
	if p.BaseBudget == nil || p.BaseBudget.Sign() < 0 {
		return errors.New("epoch: base budget must be non-negative")
	}
	if p.RolloverRate == nil || p.RolloverRate.Sign() < 0 || p.RolloverRate.Cmp(big.NewRat(1, 1)) > 0 {
		return errors.New("epoch: rollover rate must be in [0, 1]")
	}
	return nil
}

// ErrBeforeStart marks heights below the configured start.
var ErrBeforeStart = errors.New("epoch: height precedes start height")

// Index maps a height onto its epoch index.
func (p Params) Index(height uint64) (uint64, error) {
	if height < p.StartHeight {
		return 0, fmt.Errorf("%w: height %d < start %d", ErrBeforeStart, height, p.StartHeight)
	}
	return (height - p.StartHeight) / p.Length, nil
}

// Accounting is the immutable budget state of one epoch. Mutating operations
// return a fresh value; callers swap the state themselves.
type Accounting struct {
	Idx         uint64
	BudgetTotal *big.Int
	BudgetSpent *big.Int
}

// NewAccounting opens an epoch with the supplied budget and nothing spent.
func NewAccounting(idx uint64, budget *big.Int) Accounting {
	return Accounting{
		Idx:         idx,
		BudgetTotal: types.CopyAmount(budget),
		BudgetSpent: big.NewInt(0),
	}
}

// Remaining returns the unspent budget, floored at zero.
func (a Accounting) Remaining() *big.Int {
	remaining := new(big.Int).Sub(a.BudgetTotal, a.BudgetSpent)
	if remaining.Sign() < 0 {
		remaining.SetInt64(0)
	}
	return remaining
}

// clone produces an owned copy so returned states never alias the input.
func (a Accounting) clone() Accounting {
	return Accounting{
		Idx:         a.Idx,
		BudgetTotal: types.CopyAmount(a.BudgetTotal),
		BudgetSpent: types.CopyAmount(a.BudgetSpent),
	}
}

// StartForHeight opens the accounting for the epoch containing the height.
// When the previous epoch is exactly the one before, the floored share of its
// unused budget rolls into the new total; any older state grants only the
// base budget.
func (p Params) StartForHeight(prev *Accounting, height uint64) (Accounting, error) {
	if err := p.Validate(); err != nil {
		return Accounting{}, err
	}
	idx, err := p.Index(height)
	if err != nil {
		return Accounting{}, err
	}
	budget := new(big.Int).Set(p.BaseBudget)
	if prev != nil && idx > 0 && prev.Idx == idx-1 {
		unused := prev.Remaining()
		carried := new(big.Rat).SetInt(unused)
		carried.Mul(carried, p.RolloverRate)
		floor := new(big.Int).Quo(carried.Num(), carried.Denom())
		budget.Add(budget, floor)
	}
	return NewAccounting(idx, budget), nil
}

// TryReserve returns (true, state') with the amount added to spent when the
// remaining budget covers it, otherwise (false, unchanged copy). The input
// state is never mutated.
func TryReserve(state Accounting, amount *big.Int) (bool, Accounting) {
	next := state.clone()
	if amount == nil || amount.Sign() < 0 {
		return false, next
	}
	if amount.Cmp(state.Remaining()) > 0 {
		return false, next
	}
	next.BudgetSpent.Add(next.BudgetSpent, amount)
	return true, next
}

// ApplyRefund returns the state with the amount removed from spent, floored
// at zero.
func ApplyRefund(state Accounting, amount *big.Int) Accounting {
	next := state.clone()
	if amount == nil || amount.Sign() <= 0 {
		return next
	}
	next.BudgetSpent.Sub(next.BudgetSpent, amount)
	if next.BudgetSpent.Sign() < 0 {
		next.BudgetSpent.SetInt64(0)
	}
	return next
}

// CapBatchSpend walks the amounts in order, reserving while capacity
// permits. It returns the final state plus the indices of accepted and
// rejected entries. A rejected entry does not stop later, smaller entries
// from being accepted.
func CapBatchSpend(state Accounting, amounts []*big.Int) (Accounting, []int, []int) {
	accepted := make([]int, 0, len(amounts))
	rejected := make([]int, 0)
	current := state.clone()
	for i, amount := range amounts {
		ok, next := TryReserve(current, amount)
		if ok {
			accepted = append(accepted, i)
			current = next
			continue
		}
		rejected = append(rejected, i)
	}
	return current, accepted, rejected
}
