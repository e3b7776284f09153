package treasury

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"aicf/core/types"
)

// Ledger failures.
var (
	ErrInsufficientFunds = errors.New("treasury: insufficient available balance")
	ErrInsufficientStake = errors.New("treasury: insufficient stake")
	ErrEscrowExists      = errors.New("treasury: escrow id already open")
	ErrEscrowNotOpen     = errors.New("treasury: escrow not open")
	ErrBadAmount         = errors.New("treasury: amount must be positive")
)

// Journal operation names.
const (
	OpCredit        = "credit"
	OpDebit         = "debit"
	OpHoldEscrow    = "hold_escrow"
	OpReleaseEscrow = "release_escrow"
	OpSettleJob     = "settle_job"
	OpStakeLock     = "stake_lock"
	OpStakeUnlock   = "stake_unlock"
	OpSlash         = "slash"
)

// EscrowStatus is the lifecycle of one escrow record.
type EscrowStatus string

const (
	EscrowHeld     EscrowStatus = "HELD"
	EscrowReleased EscrowStatus = "RELEASED"
	EscrowSettled  EscrowStatus = "SETTLED"
)

// Account carries the three sub-balances tracked per participant.
type Account struct {
	Available *big.Int
	Escrowed  *big.Int
	Staked    *big.Int
}

func newAccount() *Account {
	return &Account{
		Available: big.NewInt(0),
		Escrowed:  big.NewInt(0),
		Staked:    big.NewInt(0),
	}
}

// Clone returns an owned copy of the account.
func (a *Account) Clone() *Account {
	return &Account{
		Available: types.CopyAmount(a.Available),
		Escrowed:  types.CopyAmount(a.Escrowed),
		Staked:    types.CopyAmount(a.Staked),
	}
}

// EscrowRecord is one held amount pending settlement or refund.
type EscrowRecord struct {
	ID       string
	Provider types.ProviderID
	JobID    types.JobID
	Amount   *big.Int
	Status   EscrowStatus
}

// Clone returns an owned copy of the escrow record.
func (e *EscrowRecord) Clone() *EscrowRecord {
	out := *e
	out.Amount = types.CopyAmount(e.Amount)
	return &out
}

// JournalEntry records one balance mutation with the resulting balances.
type JournalEntry struct {
	Seq       uint64
	Op        string
	Provider  types.ProviderID
	Amount    *big.Int
	Height    uint64
	Ref       string
	Available *big.Int
	Escrowed  *big.Int
	Staked    *big.Int
}

// JournalSink receives every journal entry as it is written. Used to mirror
// the journal into an external archive; failures there must not block the
// ledger.
type JournalSink func(JournalEntry)

// Ledger is the atomic integer accounting core. A single mutex serialises
// every mutation; invariants are re-checked after each one.
type Ledger struct {
	mu       sync.Mutex
	accounts map[types.ProviderID]*Account
	escrows  map[string]*EscrowRecord
	journal  []JournalEntry
	seq      uint64
	sink     JournalSink
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		accounts: make(map[types.ProviderID]*Account),
		escrows:  make(map[string]*EscrowRecord),
	}
}

// SetJournalSink configures the journal mirror.
func (l *Ledger) SetJournalSink(sink JournalSink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sink = sink
}

func (l *Ledger) accountLocked(id types.ProviderID) *Account {
	account, ok := l.accounts[id]
	if !ok {
		account = newAccount()
		l.accounts[id] = account
	}
	return account
}

func (l *Ledger) journalLocked(op string, id types.ProviderID, amount *big.Int, height uint64, ref string) {
	account := l.accountLocked(id)
	l.seq++
	entry := JournalEntry{
		Seq:       l.seq,
		Op:        op,
		Provider:  id,
		Amount:    types.CopyAmount(amount),
		Height:    height,
		Ref:       ref,
		Available: types.CopyAmount(account.Available),
		Escrowed:  types.CopyAmount(account.Escrowed),
		Staked:    types.CopyAmount(account.Staked),
	}
	l.journal = append(l.journal, entry)
	if l.sink != nil {
		l.sink(entry)
	}
}

// checkInvariantsLocked asserts non-negative sub-balances and the escrow
// identity for the touched account.
func (l *Ledger) checkInvariantsLocked(id types.ProviderID) error {
	account := l.accountLocked(id)
	if account.Available.Sign() < 0 || account.Escrowed.Sign() < 0 || account.Staked.Sign() < 0 {
		return fmt.Errorf("treasury: negative balance for %s", id)
	}
	open := big.NewInt(0)
	for _, escrow := range l.escrows {
		if escrow.Provider == id && escrow.Status == EscrowHeld {
			open.Add(open, escrow.Amount)
		}
	}
	if open.Cmp(account.Escrowed) != 0 {
		return fmt.Errorf("treasury: escrow mismatch for %s: open %s != escrowed %s", id, open, account.Escrowed)
	}
	return nil
}

func validAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrBadAmount
	}
	return nil
}

// Balance returns a copy of the account for the participant.
func (l *Ledger) Balance(id types.ProviderID) *Account {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.accountLocked(id).Clone()
}

// Credit adds to the participant's available balance.
func (l *Ledger) Credit(id types.ProviderID, amount *big.Int, height uint64, ref string) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	account := l.accountLocked(id)
	account.Available.Add(account.Available, amount)
	l.journalLocked(OpCredit, id, amount, height, ref)
	return l.checkInvariantsLocked(id)
}

// Debit removes from the participant's available balance.
func (l *Ledger) Debit(id types.ProviderID, amount *big.Int, height uint64, ref string) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	account := l.accountLocked(id)
	if account.Available.Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	account.Available.Sub(account.Available, amount)
	l.journalLocked(OpDebit, id, amount, height, ref)
	return l.checkInvariantsLocked(id)
}

// HoldEscrow moves available funds into a fresh escrow record. Reusing an
// open escrow id is an error.
func (l *Ledger) HoldEscrow(id types.ProviderID, jobID types.JobID, escrowID string, amount *big.Int, height uint64) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	if escrowID == "" {
		return errors.New("treasury: escrow id required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.escrows[escrowID]; ok && existing.Status == EscrowHeld {
		return ErrEscrowExists
	}
	account := l.accountLocked(id)
	if account.Available.Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	account.Available.Sub(account.Available, amount)
	account.Escrowed.Add(account.Escrowed, amount)
	l.escrows[escrowID] = &EscrowRecord{
		ID:       escrowID,
		Provider: id,
		JobID:    jobID,
		Amount:   types.CopyAmount(amount),
		Status:   EscrowHeld,
	}
	l.journalLocked(OpHoldEscrow, id, amount, height, escrowID)
	return l.checkInvariantsLocked(id)
}

func (l *Ledger) closeEscrowLocked(id types.ProviderID, escrowID string, toAvailable bool, op string, height uint64) error {
	escrow, ok := l.escrows[escrowID]
	if !ok || escrow.Status != EscrowHeld || escrow.Provider != id {
		return ErrEscrowNotOpen
	}
	account := l.accountLocked(id)
	account.Escrowed.Sub(account.Escrowed, escrow.Amount)
	if toAvailable {
		account.Available.Add(account.Available, escrow.Amount)
	}
	if op == OpSettleJob {
		escrow.Status = EscrowSettled
	} else {
		escrow.Status = EscrowReleased
	}
	l.journalLocked(op, id, escrow.Amount, height, escrowID)
	return l.checkInvariantsLocked(id)
}

// ReleaseEscrow closes an open escrow. With toAvailable the funds return to
// the provider's available balance; otherwise they leave the system.
func (l *Ledger) ReleaseEscrow(id types.ProviderID, escrowID string, toAvailable bool, height uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeEscrowLocked(id, escrowID, toAvailable, OpReleaseEscrow, height)
}

// SettleJobToProvider closes the escrow into the provider's available
// balance, journaled as a job settlement.
func (l *Ledger) SettleJobToProvider(id types.ProviderID, escrowID string, height uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeEscrowLocked(id, escrowID, true, OpSettleJob, height)
}

// StakeLock moves available funds into the staked sub-balance.
func (l *Ledger) StakeLock(id types.ProviderID, amount *big.Int, height uint64) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	account := l.accountLocked(id)
	if account.Available.Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	account.Available.Sub(account.Available, amount)
	account.Staked.Add(account.Staked, amount)
	l.journalLocked(OpStakeLock, id, amount, height, "")
	return l.checkInvariantsLocked(id)
}

// StakeUnlock moves staked funds back to available.
func (l *Ledger) StakeUnlock(id types.ProviderID, amount *big.Int, height uint64) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	account := l.accountLocked(id)
	if account.Staked.Cmp(amount) < 0 {
		return ErrInsufficientStake
	}
	account.Staked.Sub(account.Staked, amount)
	account.Available.Add(account.Available, amount)
	l.journalLocked(OpStakeUnlock, id, amount, height, "")
	return l.checkInvariantsLocked(id)
}

// Slash burns the amount, preferring the staked balance and spilling over to
// available. When the two together cannot cover it the slash is rejected.
func (l *Ledger) Slash(id types.ProviderID, amount *big.Int, height uint64, reason string) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	account := l.accountLocked(id)
	covered := new(big.Int).Add(account.Staked, account.Available)
	if covered.Cmp(amount) < 0 {
		return ErrInsufficientStake
	}
	fromStake := new(big.Int).Set(amount)
	if fromStake.Cmp(account.Staked) > 0 {
		fromStake.Set(account.Staked)
	}
	spill := new(big.Int).Sub(amount, fromStake)
	account.Staked.Sub(account.Staked, fromStake)
	account.Available.Sub(account.Available, spill)
	l.journalLocked(OpSlash, id, amount, height, reason)
	return l.checkInvariantsLocked(id)
}

// Journal returns a copy of the journal entries from the sequence number
// onward (exclusive).
func (l *Ledger) Journal(afterSeq uint64, limit int) []JournalEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]JournalEntry, 0, limit)
	for _, entry := range l.journal {
		if entry.Seq <= afterSeq {
			continue
		}
		out = append(out, entry)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// OpenEscrows returns the held escrow records for a provider, ordered by id.
func (l *Ledger) OpenEscrows(id types.ProviderID) []*EscrowRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*EscrowRecord, 0)
	for _, escrow := range l.escrows {
		if escrow.Provider == id && escrow.Status == EscrowHeld {
			out = append(out, escrow.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
