package pricing

import (
	"errors"
	"math/big"
	"math/rand"
	"testing"

	"aicf/core/types"
)

func rat(num, den int64) *big.Rat { return big.NewRat(num, den) }

func TestRewardFloorDefault(t *testing.T) {
	params := Params{RatePerUnit: rat(2, 1)}
	// 2 * 120 * 1 * 1 = 240
	reward, err := Reward(params, 120, rat(1, 1), rat(1, 1))
	if err != nil {
		t.Fatalf("reward: %v", err)
	}
	if reward.Cmp(big.NewInt(240)) != 0 {
		t.Fatalf("expected 240, got %s", reward)
	}
	// 2 * 10 * 1.5 * 0.9 not integral: 27 exactly. Use a fractional case:
	// rate 1/3, 10 units -> 10/3 -> floor 3.
	reward, err = Reward(Params{RatePerUnit: rat(1, 3)}, 10, rat(1, 1), rat(1, 1))
	if err != nil {
		t.Fatalf("reward: %v", err)
	}
	if reward.Cmp(big.NewInt(3)) != 0 {
		t.Fatalf("floor of 10/3 should be 3, got %s", reward)
	}
}

func TestRewardRoundingModes(t *testing.T) {
	base := Params{RatePerUnit: rat(1, 2)} // 0.5 per unit
	cases := []struct {
		mode  RoundingMode
		units uint64
		want  int64
	}{
		{RoundFloor, 5, 2},       // 2.5 -> 2
		{RoundCeil, 5, 3},        // 2.5 -> 3
		{RoundNearestEven, 5, 2}, // 2.5 -> 2 (even)
		{RoundNearestEven, 7, 4}, // 3.5 -> 4 (even)
		{RoundNearestEven, 9, 4}, // 4.5 -> 4 (even)
	}
	for _, tc := range cases {
		params := base
		params.Rounding = tc.mode
		reward, err := Reward(params, tc.units, rat(1, 1), rat(1, 1))
		if err != nil {
			t.Fatalf("%s/%d: %v", tc.mode, tc.units, err)
		}
		if reward.Cmp(big.NewInt(tc.want)) != 0 {
			t.Fatalf("%s of %d*0.5: expected %d, got %s", tc.mode, tc.units, tc.want, reward)
		}
	}
}

func TestRewardMultiplierBounds(t *testing.T) {
	params := Params{RatePerUnit: rat(1, 1)}
	for _, bad := range []*big.Rat{nil, rat(0, 1), rat(-1, 1), rat(11, 1)} {
		if _, err := Reward(params, 1, bad, rat(1, 1)); !errors.Is(err, ErrBadMultiplier) {
			t.Fatalf("surge %v should be rejected, got %v", bad, err)
		}
		if _, err := Reward(params, 1, rat(1, 1), bad); !errors.Is(err, ErrBadMultiplier) {
			t.Fatalf("quality %v should be rejected, got %v", bad, err)
		}
	}
	// Boundary value 10 is allowed.
	if _, err := Reward(params, 1, rat(10, 1), rat(10, 1)); err != nil {
		t.Fatalf("multiplier 10 should pass: %v", err)
	}
}

func TestRewardClampsAndHardCap(t *testing.T) {
	params := Params{
		RatePerUnit: rat(2, 1),
		MinReward:   big.NewInt(100),
		MaxReward:   big.NewInt(500),
		HardCap:     big.NewInt(1_000),
	}
	reward, err := Reward(params, 10, rat(1, 1), rat(1, 1)) // 20 -> min 100
	if err != nil {
		t.Fatalf("reward: %v", err)
	}
	if reward.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("min clamp failed, got %s", reward)
	}
	reward, err = Reward(params, 1_000, rat(1, 1), rat(1, 1)) // 2000 -> max 500
	if err != nil {
		t.Fatalf("reward: %v", err)
	}
	if reward.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("max clamp failed, got %s", reward)
	}
	// Without the max clamp the hard cap trips.
	params.MaxReward = nil
	if _, err := Reward(params, 1_000, rat(1, 1), rat(1, 1)); !errors.Is(err, ErrHardCap) {
		t.Fatalf("expected hard cap breach, got %v", err)
	}
}

func TestSplitExactness(t *testing.T) {
	rule := DefaultSplitFor(types.KindAI)
	shares, err := Split(rule, big.NewInt(240))
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if shares.Provider.Cmp(big.NewInt(204)) != 0 ||
		shares.Treasury.Cmp(big.NewInt(24)) != 0 ||
		shares.Miner.Cmp(big.NewInt(12)) != 0 {
		t.Fatalf("unexpected AI split: %s/%s/%s", shares.Provider, shares.Treasury, shares.Miner)
	}
	if shares.Total().Cmp(big.NewInt(240)) != 0 {
		t.Fatalf("shares must sum back to the total")
	}
}

func TestSplitResidualToProviderByDefault(t *testing.T) {
	rule := SplitRule{ProviderBps: 3_333, TreasuryBps: 3_333, MinerBps: 3_334}
	shares, err := Split(rule, big.NewInt(100))
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	// 33 + 33 + 33 leaves 1; the provider takes the residual.
	if shares.Provider.Cmp(big.NewInt(34)) != 0 {
		t.Fatalf("residual should land on the provider, got %s", shares.Provider)
	}
	if shares.Total().Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("shares must sum back to the total")
	}
}

func TestSplitResidualTargets(t *testing.T) {
	for _, target := range []ResidualTarget{ResidualToTreasury, ResidualToMiner} {
		rule := SplitRule{ProviderBps: 3_333, TreasuryBps: 3_333, MinerBps: 3_334, ResidualTo: target}
		shares, err := Split(rule, big.NewInt(100))
		if err != nil {
			t.Fatalf("split: %v", err)
		}
		if shares.Total().Cmp(big.NewInt(100)) != 0 {
			t.Fatalf("%s: shares must sum back to the total", target)
		}
		switch target {
		case ResidualToTreasury:
			if shares.Treasury.Cmp(big.NewInt(34)) != 0 {
				t.Fatalf("treasury residual failed: %s", shares.Treasury)
			}
		case ResidualToMiner:
			if shares.Miner.Cmp(big.NewInt(34)) != 0 {
				t.Fatalf("miner residual failed: %s", shares.Miner)
			}
		}
	}
}

func TestSplitRejectsBadRule(t *testing.T) {
	if _, err := Split(SplitRule{ProviderBps: 5_000, TreasuryBps: 5_000, MinerBps: 1}, big.NewInt(10)); err == nil {
		t.Fatalf("split must reject a rule that does not sum to 10000")
	}
	if _, err := Split(DefaultSplitFor(types.KindAI), big.NewInt(-1)); err == nil {
		t.Fatalf("split must reject a negative total")
	}
}

func TestSplitPropertyRandomised(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for trial := 0; trial < 200; trial++ {
		p := uint32(rng.Intn(10_001))
		tr := uint32(rng.Intn(int(10_000 - p + 1)))
		m := 10_000 - p - tr
		rule := SplitRule{ProviderBps: p, TreasuryBps: tr, MinerBps: m}
		total := big.NewInt(rng.Int63n(1_000_000_000))
		shares, err := Split(rule, total)
		if err != nil {
			t.Fatalf("trial %d: %v", trial, err)
		}
		if shares.Total().Cmp(total) != 0 {
			t.Fatalf("trial %d: %s+%s+%s != %s", trial, shares.Provider, shares.Treasury, shares.Miner, total)
		}
		for _, share := range []*big.Int{shares.Provider, shares.Treasury, shares.Miner} {
			if share.Sign() < 0 {
				t.Fatalf("trial %d: negative share", trial)
			}
		}
	}
}
