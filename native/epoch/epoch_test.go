package epoch

import (
	"errors"
	"math/big"
	"testing"
)

func params() Params {
	return Params{
		StartHeight:  1_000,
		Length:       100,
		BaseBudget:   big.NewInt(10_000),
		RolloverRate: big.NewRat(1, 2),
	}
}

func TestIndex(t *testing.T) {
	p := params()
	cases := []struct {
		height uint64
		want   uint64
	}{
		{1_000, 0},
		{1_099, 0},
		{1_100, 1},
		{2_500, 15},
	}
	for _, tc := range cases {
		got, err := p.Index(tc.height)
		if err != nil {
			t.Fatalf("index(%d): %v", tc.height, err)
		}
		if got != tc.want {
			t.Fatalf("index(%d): expected %d, got %d", tc.height, tc.want, got)
		}
	}
	if _, err := p.Index(999); !errors.Is(err, ErrBeforeStart) {
		t.Fatalf("heights before start must fail, got %v", err)
	}
}

func TestRolloverFromAdjacentEpoch(t *testing.T) {
	p := params()
	prev := NewAccounting(0, big.NewInt(10_000))
	ok, prev := TryReserve(prev, big.NewInt(7_000))
	if !ok {
		t.Fatalf("reserve should fit")
	}
	// 3000 unused, half rolls over.
	next, err := p.StartForHeight(&prev, 1_100)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if next.Idx != 1 {
		t.Fatalf("expected epoch 1, got %d", next.Idx)
	}
	if next.BudgetTotal.Cmp(big.NewInt(11_500)) != 0 {
		t.Fatalf("expected 10000 + 1500 rollover, got %s", next.BudgetTotal)
	}
}

func TestNoRolloverAcrossGap(t *testing.T) {
	p := params()
	prev := NewAccounting(0, big.NewInt(10_000))
	// Epoch 2 follows epoch 0 with a gap; only the base budget applies.
	next, err := p.StartForHeight(&prev, 1_200)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if next.Idx != 2 || next.BudgetTotal.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("gap must not roll over: idx=%d budget=%s", next.Idx, next.BudgetTotal)
	}
	// No previous state at all.
	fresh, err := p.StartForHeight(nil, 1_000)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if fresh.BudgetTotal.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("fresh epoch gets the base budget, got %s", fresh.BudgetTotal)
	}
}

func TestRolloverFloors(t *testing.T) {
	p := params()
	p.RolloverRate = big.NewRat(1, 3)
	prev := NewAccounting(0, big.NewInt(10))
	// 10 unused, 10/3 floors to 3.
	next, err := p.StartForHeight(&prev, 1_100)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if next.BudgetTotal.Cmp(big.NewInt(10_003)) != 0 {
		t.Fatalf("rollover must floor, got %s", next.BudgetTotal)
	}
}

func TestTryReserveIsFunctional(t *testing.T) {
	state := NewAccounting(0, big.NewInt(100))
	ok, next := TryReserve(state, big.NewInt(60))
	if !ok {
		t.Fatalf("reserve should fit")
	}
	if state.BudgetSpent.Sign() != 0 {
		t.Fatalf("input state must not be mutated")
	}
	if next.BudgetSpent.Cmp(big.NewInt(60)) != 0 {
		t.Fatalf("new state should carry the spend, got %s", next.BudgetSpent)
	}
	ok, next2 := TryReserve(next, big.NewInt(41))
	if ok {
		t.Fatalf("over-budget reserve must fail")
	}
	if next2.BudgetSpent.Cmp(big.NewInt(60)) != 0 {
		t.Fatalf("failed reserve must leave spend unchanged, got %s", next2.BudgetSpent)
	}
	if ok, _ := TryReserve(next, big.NewInt(40)); !ok {
		t.Fatalf("exact-fit reserve must pass")
	}
}

func TestApplyRefundFloorsAtZero(t *testing.T) {
	state := NewAccounting(0, big.NewInt(100))
	_, state = TryReserve(state, big.NewInt(30))
	state = ApplyRefund(state, big.NewInt(10))
	if state.BudgetSpent.Cmp(big.NewInt(20)) != 0 {
		t.Fatalf("refund should reduce spend to 20, got %s", state.BudgetSpent)
	}
	state = ApplyRefund(state, big.NewInt(1_000))
	if state.BudgetSpent.Sign() != 0 {
		t.Fatalf("refund floors at zero, got %s", state.BudgetSpent)
	}
}

func TestCapBatchSpendOrder(t *testing.T) {
	state := NewAccounting(0, big.NewInt(100))
	amounts := []*big.Int{
		big.NewInt(50),
		big.NewInt(60), // rejected, only 50 left
		big.NewInt(40), // still accepted
		big.NewInt(20), // rejected, only 10 left
		big.NewInt(10), // accepted, exact fit
	}
	final, accepted, rejected := CapBatchSpend(state, amounts)
	if len(accepted) != 3 || accepted[0] != 0 || accepted[1] != 2 || accepted[2] != 4 {
		t.Fatalf("unexpected accepted set %v", accepted)
	}
	if len(rejected) != 2 || rejected[0] != 1 || rejected[1] != 3 {
		t.Fatalf("unexpected rejected set %v", rejected)
	}
	if final.Remaining().Sign() != 0 {
		t.Fatalf("budget should be exhausted, remaining %s", final.Remaining())
	}
	if state.BudgetSpent.Sign() != 0 {
		t.Fatalf("input state must not be mutated")
	}
}
