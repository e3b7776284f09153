package settlement

import (
	"fmt"
	"math/big"
	"sync"

	"aicf/core/types"
)

// DeferredClaim is one payable claim, either fresh from the current epoch or
// the unpaid remainder of an earlier one. Provider is empty for claims that
// settle at address level only (miner shares).
type DeferredClaim struct {
	ID       string
	Provider types.ProviderID
	Address  string
	Amount   *big.Int
}

// Payment is the paid portion of a claim. Partial marks a claim split at the
// budget boundary whose remainder stayed queued.
type Payment struct {
	ID       string
	Provider types.ProviderID
	Address  string
	Amount   *big.Int
	Partial  bool
}

// EpochOutcome summarises one epoch's deferral-aware settlement.
type EpochOutcome struct {
	EpochIdx         uint64
	PaidTotal        *big.Int
	PaidFromDeferred *big.Int
	PaidFromCurrent  *big.Int
	DeferredOut      *big.Int
	CarryOut         *big.Int
	Payments         []Payment
	// NewlyDeferred holds the remainders queued out of this epoch's own
	// claims; carried queue leftovers are not repeated here.
	NewlyDeferred []DeferredClaim
}

// Deferrer settles claims against a fixed per-epoch budget. When claims
// overflow the budget the shortfall is queued and paid first in later
// epochs; claims may be paid partially across the boundary. Unused budget is
// reported as carry for the epoch engine's rollover.
type Deferrer struct {
	mu    sync.Mutex
	queue []DeferredClaim
}

// NewDeferrer creates an empty deferral queue.
func NewDeferrer() *Deferrer {
	return &Deferrer{}
}

// Pending returns a copy of the queued remainders in payout order.
func (d *Deferrer) Pending() []DeferredClaim {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DeferredClaim, len(d.queue))
	for i, claim := range d.queue {
		out[i] = claim
		out[i].Amount = types.CopyAmount(claim.Amount)
	}
	return out
}

// Settle pays the queued remainders first, then the epoch's own claims in
// order, splitting a claim at the budget boundary. The remainder of a split
// claim re-queues under an epoch-suffixed id so its later payment credits
// separately from the part already paid.
func (d *Deferrer) Settle(epochIdx uint64, budget *big.Int, claims []DeferredClaim) EpochOutcome {
	d.mu.Lock()
	defer d.mu.Unlock()

	outcome := EpochOutcome{
		EpochIdx:         epochIdx,
		PaidTotal:        big.NewInt(0),
		PaidFromDeferred: big.NewInt(0),
		PaidFromCurrent:  big.NewInt(0),
		DeferredOut:      big.NewInt(0),
		CarryOut:         big.NewInt(0),
	}
	remaining := types.CopyAmount(budget)

	settleOne := func(claim DeferredClaim, bucket *big.Int, fresh bool) {
		if claim.Amount == nil || claim.Amount.Sign() <= 0 {
			return
		}
		paid := types.CopyAmount(claim.Amount)
		if paid.Cmp(remaining) > 0 {
			paid.Set(remaining)
		}
		leftover := new(big.Int).Sub(claim.Amount, paid)
		if paid.Sign() > 0 {
			remaining.Sub(remaining, paid)
			bucket.Add(bucket, paid)
			outcome.PaidTotal.Add(outcome.PaidTotal, paid)
			outcome.Payments = append(outcome.Payments, Payment{
				ID:       claim.ID,
				Provider: claim.Provider,
				Address:  claim.Address,
				Amount:   paid,
				Partial:  leftover.Sign() > 0,
			})
		}
		if leftover.Sign() > 0 {
			next := claim
			next.Amount = leftover
			if paid.Sign() > 0 {
				next.ID = fmt.Sprintf("%s@%d", claim.ID, epochIdx)
			}
			d.queue = append(d.queue, next)
			if fresh {
				outcome.DeferredOut.Add(outcome.DeferredOut, leftover)
				outcome.NewlyDeferred = append(outcome.NewlyDeferred, next)
			}
		}
	}

	carried := d.queue
	d.queue = make([]DeferredClaim, 0)
	for _, claim := range carried {
		settleOne(claim, outcome.PaidFromDeferred, false)
	}
	for _, claim := range claims {
		settleOne(claim, outcome.PaidFromCurrent, true)
	}
	outcome.CarryOut.Set(remaining)
	return outcome
}
