package treasury

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"aicf/core/types"
)

// Withdrawal failures.
var (
	ErrWithdrawalTooSmall  = errors.New("treasury: amount below withdrawal minimum")
	ErrWithdrawalCooldown  = errors.New("treasury: withdrawal cooldown active")
	ErrTooManyPending      = errors.New("treasury: pending withdrawal limit reached")
	ErrWithdrawalNotFound  = errors.New("treasury: withdrawal not found")
	ErrWithdrawalNotOwner  = errors.New("treasury: withdrawal belongs to another provider")
	ErrWithdrawalNotReady  = errors.New("treasury: withdrawal delay not elapsed")
	ErrWithdrawalFinalized = errors.New("treasury: withdrawal already finalised")
)

// WithdrawalStatus is the request lifecycle.
type WithdrawalStatus string

const (
	WithdrawalPending   WithdrawalStatus = "PENDING"
	WithdrawalExecuted  WithdrawalStatus = "EXECUTED"
	WithdrawalCancelled WithdrawalStatus = "CANCELLED"
)

// WithdrawalParams tunes the withdrawal queue.
type WithdrawalParams struct {
	MinAmount             *big.Int
	CooldownBlocks        uint64
	DelayBlocks           uint64
	MaxPendingPerProvider int
	// MaxPerBlockExecute caps the total amount finalised per block; nil
	// means unbounded.
	MaxPerBlockExecute *big.Int
}

// DefaultWithdrawalParams returns a development tuning.
func DefaultWithdrawalParams() WithdrawalParams {
	return WithdrawalParams{
		MinAmount:             big.NewInt(1_000),
		CooldownBlocks:        10,
		DelayBlocks:           100,
		MaxPendingPerProvider: 4,
	}
}

// Validate ensures the tuning is usable.
func (p WithdrawalParams) Validate() error {
	if p.MinAmount == nil || p.MinAmount.Sign() < 0 {
		return errors.New("treasury: withdrawal minimum must be non-negative")
	}
	if p.MaxPendingPerProvider <= 0 {
		return errors.New("treasury: pending limit must be positive")
	}
	return nil
}

// WithdrawalRequest is one queued withdrawal. Funds are debited at request
// time and stay locked in-queue until execution or cancellation.
type WithdrawalRequest struct {
	ID                 uint64
	Provider           types.ProviderID
	Amount             *big.Int
	Status             WithdrawalStatus
	RequestHeight      uint64
	EarliestExecHeight uint64
	ExecutedHeight     uint64
}

// Clone returns an owned copy of the request.
func (w *WithdrawalRequest) Clone() *WithdrawalRequest {
	out := *w
	out.Amount = types.CopyAmount(w.Amount)
	return &out
}

// Withdrawals manages the delayed-withdrawal queue on top of the ledger.
type Withdrawals struct {
	mu     sync.Mutex
	params WithdrawalParams
	ledger *Ledger

	nextID      uint64
	requests    map[uint64]*WithdrawalRequest
	lastRequest map[types.ProviderID]uint64
}

// NewWithdrawals wires the queue against the ledger.
func NewWithdrawals(params WithdrawalParams, ledger *Ledger) (*Withdrawals, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if ledger == nil {
		return nil, errors.New("treasury: ledger required")
	}
	return &Withdrawals{
		params:      params,
		ledger:      ledger,
		requests:    make(map[uint64]*WithdrawalRequest),
		lastRequest: make(map[types.ProviderID]uint64),
	}, nil
}

func (w *Withdrawals) pendingCountLocked(id types.ProviderID) int {
	count := 0
	for _, req := range w.requests {
		if req.Provider == id && req.Status == WithdrawalPending {
			count++
		}
	}
	return count
}

// Request queues a withdrawal, debiting the provider immediately.
func (w *Withdrawals) Request(id types.ProviderID, amount *big.Int, height uint64) (*WithdrawalRequest, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrBadAmount
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if amount.Cmp(w.params.MinAmount) < 0 {
		return nil, ErrWithdrawalTooSmall
	}
	if last, ok := w.lastRequest[id]; ok && height < last+w.params.CooldownBlocks {
		return nil, ErrWithdrawalCooldown
	}
	if w.pendingCountLocked(id) >= w.params.MaxPendingPerProvider {
		return nil, ErrTooManyPending
	}
	w.nextID++
	ref := fmt.Sprintf("withdrawal:%d", w.nextID)
	if err := w.ledger.Debit(id, amount, height, ref); err != nil {
		w.nextID--
		return nil, err
	}
	req := &WithdrawalRequest{
		ID:                 w.nextID,
		Provider:           id,
		Amount:             types.CopyAmount(amount),
		Status:             WithdrawalPending,
		RequestHeight:      height,
		EarliestExecHeight: height + w.params.DelayBlocks,
	}
	w.requests[req.ID] = req
	w.lastRequest[id] = height
	return req.Clone(), nil
}

// Cancel returns a pending request's funds to the owner.
func (w *Withdrawals) Cancel(reqID uint64, id types.ProviderID, height uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	req, ok := w.requests[reqID]
	if !ok {
		return ErrWithdrawalNotFound
	}
	if req.Provider != id {
		return ErrWithdrawalNotOwner
	}
	if req.Status != WithdrawalPending {
		return ErrWithdrawalFinalized
	}
	ref := fmt.Sprintf("withdrawal-cancel:%d", reqID)
	if err := w.ledger.Credit(id, req.Amount, height, ref); err != nil {
		return err
	}
	req.Status = WithdrawalCancelled
	return nil
}

// Execute marks a matured request as executed. The external transfer happens
// out of band.
func (w *Withdrawals) Execute(reqID uint64, height uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.executeLocked(reqID, height)
}

func (w *Withdrawals) executeLocked(reqID uint64, height uint64) error {
	req, ok := w.requests[reqID]
	if !ok {
		return ErrWithdrawalNotFound
	}
	if req.Status != WithdrawalPending {
		return ErrWithdrawalFinalized
	}
	if height < req.EarliestExecHeight {
		return ErrWithdrawalNotReady
	}
	req.Status = WithdrawalExecuted
	req.ExecutedHeight = height
	return nil
}

// FinalizeDue executes every matured pending request in id order, honouring
// the optional per-block amount budget. A request larger than the remaining
// budget is skipped, letting smaller later requests through.
func (w *Withdrawals) FinalizeDue(height uint64) []uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]uint64, 0)
	for reqID, req := range w.requests {
		if req.Status == WithdrawalPending && height >= req.EarliestExecHeight {
			ids = append(ids, reqID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var remaining *big.Int
	if w.params.MaxPerBlockExecute != nil {
		remaining = new(big.Int).Set(w.params.MaxPerBlockExecute)
	}
	executed := make([]uint64, 0, len(ids))
	for _, reqID := range ids {
		req := w.requests[reqID]
		if remaining != nil && req.Amount.Cmp(remaining) > 0 {
			continue
		}
		if err := w.executeLocked(reqID, height); err != nil {
			continue
		}
		if remaining != nil {
			remaining.Sub(remaining, req.Amount)
		}
		executed = append(executed, reqID)
	}
	return executed
}

// Get returns a copy of the request.
func (w *Withdrawals) Get(reqID uint64) (*WithdrawalRequest, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	req, ok := w.requests[reqID]
	if !ok {
		return nil, ErrWithdrawalNotFound
	}
	return req.Clone(), nil
}

// List returns the provider's requests ordered by id.
func (w *Withdrawals) List(id types.ProviderID) []*WithdrawalRequest {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*WithdrawalRequest, 0)
	for _, req := range w.requests {
		if req.Provider == id {
			out = append(out, req.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
