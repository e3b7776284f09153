package settlement

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"golang.org/x/crypto/sha3"

	"aicf/core/types"
	"aicf/native/treasury"
)

const creditDomain = "aicf:rewards:v1"

// CreditID derives the deterministic credit identifier for a payout within a
// settlement batch.
func CreditID(settlementID, payoutID string) string {
	h := sha3.New256()
	h.Write([]byte(creditDomain))
	h.Write([]byte("|"))
	h.Write([]byte(settlementID))
	h.Write([]byte("|"))
	h.Write([]byte(payoutID))
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

// ErrDuplicatePayout marks a payout id the auditor has already credited.
var ErrDuplicatePayout = errors.New("settlement: payout already credited")

// CreditRecord is one applied reward credit.
type CreditRecord struct {
	CreditID     string
	SettlementID string
	PayoutID     string
	Provider     types.ProviderID
	Amount       *big.Int
	Height       uint64
}

// Clone returns an owned copy of the record.
func (c *CreditRecord) Clone() *CreditRecord {
	out := *c
	out.Amount = types.CopyAmount(c.Amount)
	return &out
}

// CreditSink mirrors applied credits into an external archive. Failures
// there must not block the auditor.
type CreditSink func(CreditRecord)

// Auditor applies settlement payouts to the treasury exactly once per payout
// id and keeps the running per-provider totals.
type Auditor struct {
	mu sync.Mutex
	// SkipDuplicates acks repeated payout ids silently instead of raising.
	skipDuplicates bool
	ledger         *treasury.Ledger
	credits        map[string]*CreditRecord
	byPayout       map[string]string
	totals         map[types.ProviderID]*big.Int
	watermark      string
	sink           CreditSink
}

// NewAuditor wires the auditor against the treasury ledger.
func NewAuditor(ledger *treasury.Ledger, skipDuplicates bool) (*Auditor, error) {
	if ledger == nil {
		return nil, errors.New("settlement: ledger required")
	}
	return &Auditor{
		skipDuplicates: skipDuplicates,
		ledger:         ledger,
		credits:        make(map[string]*CreditRecord),
		byPayout:       make(map[string]string),
		totals:         make(map[types.ProviderID]*big.Int),
	}, nil
}

// SetCreditSink configures the credit mirror.
func (a *Auditor) SetCreditSink(sink CreditSink) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sink = sink
}

// Apply credits one payout to the provider. A payout id seen before is
// skipped (or rejected when duplicates are configured to raise); the
// returned bool reports whether a fresh credit was applied.
func (a *Auditor) Apply(settlementID, payoutID string, provider types.ProviderID, amount *big.Int, height uint64) (bool, error) {
	if settlementID == "" || payoutID == "" {
		return false, errors.New("settlement: settlement and payout ids required")
	}
	if amount == nil || amount.Sign() <= 0 {
		return false, treasury.ErrBadAmount
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, seen := a.byPayout[payoutID]; seen {
		if a.skipDuplicates {
			return false, nil
		}
		return false, fmt.Errorf("%w: %s", ErrDuplicatePayout, payoutID)
	}
	creditID := CreditID(settlementID, payoutID)
	if err := a.ledger.Credit(provider, amount, height, creditID); err != nil {
		return false, err
	}
	record := &CreditRecord{
		CreditID:     creditID,
		SettlementID: settlementID,
		PayoutID:     payoutID,
		Provider:     provider,
		Amount:       types.CopyAmount(amount),
		Height:       height,
	}
	a.credits[creditID] = record
	a.byPayout[payoutID] = creditID
	total, ok := a.totals[provider]
	if !ok {
		total = big.NewInt(0)
		a.totals[provider] = total
	}
	total.Add(total, amount)
	a.watermark = settlementID
	if a.sink != nil {
		a.sink(*record.Clone())
	}
	return true, nil
}

// ApplyBatch applies every payout of one settlement in order.
func (a *Auditor) ApplyBatch(settlementID string, payouts []PayoutRecord, height uint64) (int, error) {
	applied := 0
	for _, payout := range payouts {
		fresh, err := a.Apply(settlementID, payout.PayoutID, payout.Provider, payout.ProviderAmount, height)
		if err != nil {
			return applied, err
		}
		if fresh {
			applied++
		}
	}
	return applied, nil
}

// ProviderTotal returns the accumulated credited amount for the provider.
func (a *Auditor) ProviderTotal(id types.ProviderID) *big.Int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if total, ok := a.totals[id]; ok {
		return new(big.Int).Set(total)
	}
	return big.NewInt(0)
}

// Watermark returns the id of the last settlement that applied a credit.
func (a *Auditor) Watermark() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.watermark
}

// Credits returns every applied credit ordered by credit id.
func (a *Auditor) Credits() []*CreditRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*CreditRecord, 0, len(a.credits))
	for _, record := range a.credits {
		out = append(out, record.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreditID < out[j].CreditID })
	return out
}
