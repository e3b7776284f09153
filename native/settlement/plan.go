package settlement

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	"aicf/core/types"
	"aicf/native/epoch"
)

// TransferClass distinguishes the payee side of a planned transfer.
type TransferClass string

const (
	TransferProvider TransferClass = "provider"
	TransferMiner    TransferClass = "miner"
)

// PayoutRecord is one priced-and-split reward heading into settlement.
type PayoutRecord struct {
	PayoutID       string
	Provider       types.ProviderID
	MinerAddress   string
	ProviderAmount *big.Int
	MinerAmount    *big.Int
	TreasuryAmount *big.Int
}

// Transfer is one aggregated outbound payment in a plan.
type Transfer struct {
	Class   TransferClass
	Address string
	Amount  *big.Int
}

// Plan is the deterministic settlement decision for one batch.
type Plan struct {
	EpochIdx        uint64
	Accepted        []Transfer
	Rejected        []Transfer
	TreasuryAccrued *big.Int
	TotalAccepted   *big.Int
	TotalRejected   *big.Int
	// Payments lists the per-claim amounts behind the accepted transfers.
	// Only the deferral-aware path populates it.
	Payments []Payment
}

// AddressBook resolves provider ids to payout addresses.
type AddressBook interface {
	AddressOf(id types.ProviderID) (string, bool)
}

// MapAddressBook is the trivial in-memory address book.
type MapAddressBook map[types.ProviderID]string

// AddressOf implements AddressBook.
func (m MapAddressBook) AddressOf(id types.ProviderID) (string, bool) {
	addr, ok := m[id]
	return addr, ok
}

// PlannerParams tunes the settlement planner.
type PlannerParams struct {
	// MinUnit drops aggregated line items below this amount.
	MinUnit *big.Int
	// IncludeMiners adds miner-share transfers to the plan.
	IncludeMiners bool
}

// DefaultPlannerParams returns the baseline planner tuning.
func DefaultPlannerParams() PlannerParams {
	return PlannerParams{MinUnit: big.NewInt(1), IncludeMiners: true}
}

// ErrUnknownPayee marks payouts whose provider has no payout address.
var ErrUnknownPayee = errors.New("settlement: provider has no payout address")

// BuildPlan aggregates the payouts by payee, orders the transfers
// deterministically, and applies the epoch budget. The treasury share accrues
// internally and never consumes budget; a miner share with no routable
// address folds into the treasury accrual so the split still sums to the
// full reward.
//
// With a deferrer, budget is applied per claim: queued remainders from
// earlier epochs pay out first, and the claim straddling the budget boundary
// is split into a paid part and a deferred remainder. Without one, each
// aggregated transfer is accepted whole or rejected whole.
func BuildPlan(params PlannerParams, records []PayoutRecord, book AddressBook, state epoch.Accounting, deferrer *Deferrer) (*Plan, epoch.Accounting, error) {
	if book == nil {
		return nil, state, errors.New("settlement: address book required")
	}
	minerSums := make(map[string]*big.Int)
	treasury := big.NewInt(0)
	claims := make([]DeferredClaim, 0, len(records))
	providerSums := make(map[string]*big.Int)

	add := func(sums map[string]*big.Int, addr string, amount *big.Int) {
		if amount == nil || amount.Sign() <= 0 {
			return
		}
		entry, ok := sums[addr]
		if !ok {
			entry = big.NewInt(0)
			sums[addr] = entry
		}
		entry.Add(entry, amount)
	}

	for _, record := range records {
		addr, ok := book.AddressOf(record.Provider)
		if !ok {
			return nil, state, fmt.Errorf("%w: %s", ErrUnknownPayee, record.Provider)
		}
		add(providerSums, addr, record.ProviderAmount)
		if record.ProviderAmount != nil && record.ProviderAmount.Sign() > 0 {
			claims = append(claims, DeferredClaim{
				ID:       record.PayoutID,
				Provider: record.Provider,
				Address:  addr,
				Amount:   types.CopyAmount(record.ProviderAmount),
			})
		}
		if params.IncludeMiners && record.MinerAddress != "" {
			add(minerSums, record.MinerAddress, record.MinerAmount)
		} else if record.MinerAmount != nil && record.MinerAmount.Sign() > 0 {
			treasury.Add(treasury, record.MinerAmount)
		}
		if record.TreasuryAmount != nil && record.TreasuryAmount.Sign() > 0 {
			treasury.Add(treasury, record.TreasuryAmount)
		}
	}

	if deferrer != nil {
		return buildDeferredPlan(params, claims, minerSums, treasury, state, deferrer)
	}

	ordered := make([]Transfer, 0, len(providerSums)+len(minerSums))
	ordered = append(ordered, sortedTransfers(TransferProvider, providerSums)...)
	ordered = append(ordered, sortedTransfers(TransferMiner, minerSums)...)

	plan := &Plan{
		EpochIdx:        state.Idx,
		Accepted:        make([]Transfer, 0, len(ordered)),
		Rejected:        make([]Transfer, 0),
		TreasuryAccrued: treasury,
		TotalAccepted:   big.NewInt(0),
		TotalRejected:   big.NewInt(0),
	}
	current := state
	for _, transfer := range ordered {
		if params.MinUnit != nil && transfer.Amount.Cmp(params.MinUnit) < 0 {
			continue
		}
		ok, next := epoch.TryReserve(current, transfer.Amount)
		if !ok {
			plan.Rejected = append(plan.Rejected, transfer)
			plan.TotalRejected.Add(plan.TotalRejected, transfer.Amount)
			continue
		}
		current = next
		plan.Accepted = append(plan.Accepted, transfer)
		plan.TotalAccepted.Add(plan.TotalAccepted, transfer.Amount)
	}
	return plan, current, nil
}

// buildDeferredPlan routes the provider claims and aggregated miner shares
// through the deferral queue and reserves only the amounts actually paid.
func buildDeferredPlan(params PlannerParams, claims []DeferredClaim, minerSums map[string]*big.Int, treasury *big.Int, state epoch.Accounting, deferrer *Deferrer) (*Plan, epoch.Accounting, error) {
	batch := make([]DeferredClaim, 0, len(claims)+len(minerSums))
	for _, claim := range claims {
		if params.MinUnit != nil && claim.Amount.Cmp(params.MinUnit) < 0 {
			continue
		}
		batch = append(batch, claim)
	}
	for _, transfer := range sortedTransfers(TransferMiner, minerSums) {
		if params.MinUnit != nil && transfer.Amount.Cmp(params.MinUnit) < 0 {
			continue
		}
		batch = append(batch, DeferredClaim{
			ID:      "miner:" + transfer.Address,
			Address: transfer.Address,
			Amount:  transfer.Amount,
		})
	}

	outcome := deferrer.Settle(state.Idx, state.Remaining(), batch)
	current := state
	if outcome.PaidTotal.Sign() > 0 {
		ok, next := epoch.TryReserve(current, outcome.PaidTotal)
		if !ok {
			return nil, state, errors.New("settlement: paid total exceeds epoch budget")
		}
		current = next
	}

	providerPaid := make(map[string]*big.Int)
	minerPaid := make(map[string]*big.Int)
	for _, payment := range outcome.Payments {
		sums := providerPaid
		if payment.Provider == "" {
			sums = minerPaid
		}
		entry, ok := sums[payment.Address]
		if !ok {
			entry = big.NewInt(0)
			sums[payment.Address] = entry
		}
		entry.Add(entry, payment.Amount)
	}
	providerDeferred := make(map[string]*big.Int)
	minerDeferred := make(map[string]*big.Int)
	for _, claim := range outcome.NewlyDeferred {
		sums := providerDeferred
		if claim.Provider == "" {
			sums = minerDeferred
		}
		entry, ok := sums[claim.Address]
		if !ok {
			entry = big.NewInt(0)
			sums[claim.Address] = entry
		}
		entry.Add(entry, claim.Amount)
	}

	plan := &Plan{
		EpochIdx:        state.Idx,
		Accepted:        append(sortedTransfers(TransferProvider, providerPaid), sortedTransfers(TransferMiner, minerPaid)...),
		Rejected:        append(sortedTransfers(TransferProvider, providerDeferred), sortedTransfers(TransferMiner, minerDeferred)...),
		TreasuryAccrued: treasury,
		TotalAccepted:   outcome.PaidTotal,
		TotalRejected:   outcome.DeferredOut,
		Payments:        outcome.Payments,
	}
	return plan, current, nil
}

func sortedTransfers(class TransferClass, sums map[string]*big.Int) []Transfer {
	addrs := make([]string, 0, len(sums))
	for addr := range sums {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	out := make([]Transfer, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, Transfer{Class: class, Address: addr, Amount: sums[addr]})
	}
	return out
}
