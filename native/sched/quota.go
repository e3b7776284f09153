package sched

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"aicf/core/types"
)

// QuotaLimits caps the work a provider may hold per epoch and concurrently.
type QuotaLimits struct {
	AIUnitsPerEpoch      uint64
	QuantumUnitsPerEpoch uint64
	MaxConcurrent        int
}

// DefaultQuotaLimits returns a permissive development cap.
func DefaultQuotaLimits() QuotaLimits {
	return QuotaLimits{
		AIUnitsPerEpoch:      10_000,
		QuantumUnitsPerEpoch: 1_000,
		MaxConcurrent:        4,
	}
}

func (l QuotaLimits) unitsFor(kind types.Kind) uint64 {
	if kind == types.KindQuantum {
		return l.QuantumUnitsPerEpoch
	}
	return l.AIUnitsPerEpoch
}

// ErrQuotaExceeded indicates the reservation would overrun an epoch budget
// or the concurrency cap.
var ErrQuotaExceeded = errors.New("sched: quota exceeded")

// Reservation is a claim against a provider's epoch budget. It stays
// reserved until committed (success) or released (cancel/failure).
type Reservation struct {
	ID       string
	Provider types.ProviderID
	Kind     types.Kind
	Epoch    uint64
	Units    uint64
}

type usageKey struct {
	provider types.ProviderID
	kind     types.Kind
	epoch    uint64
}

type usage struct {
	used     uint64
	reserved uint64
}

// QuotaTracker enforces per-provider unit budgets per epoch plus a global
// concurrency cap per provider.
type QuotaTracker struct {
	mu           sync.Mutex
	defaults     QuotaLimits
	limits       map[types.ProviderID]QuotaLimits
	usage        map[usageKey]*usage
	concurrent   map[types.ProviderID]int
	reservations map[string]Reservation
}

// NewQuotaTracker creates a tracker using the supplied default limits for
// providers without an explicit override.
func NewQuotaTracker(defaults QuotaLimits) *QuotaTracker {
	return &QuotaTracker{
		defaults:     defaults,
		limits:       make(map[types.ProviderID]QuotaLimits),
		usage:        make(map[usageKey]*usage),
		concurrent:   make(map[types.ProviderID]int),
		reservations: make(map[string]Reservation),
	}
}

// SetLimits overrides the limits for a single provider.
func (t *QuotaTracker) SetLimits(id types.ProviderID, limits QuotaLimits) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.limits[id] = limits
}

func (t *QuotaTracker) limitsFor(id types.ProviderID) QuotaLimits {
	if limits, ok := t.limits[id]; ok {
		return limits
	}
	return t.defaults
}

func (t *QuotaTracker) usageFor(key usageKey) *usage {
	entry, ok := t.usage[key]
	if !ok {
		entry = &usage{}
		t.usage[key] = entry
	}
	return entry
}

// Reserve claims units against the provider's epoch budget. It fails when
// used+reserved+units would exceed the cap or the provider is already at its
// concurrency limit.
func (t *QuotaTracker) Reserve(id types.ProviderID, kind types.Kind, epoch uint64, units uint64) (*Reservation, error) {
	if units == 0 {
		return nil, fmt.Errorf("sched: reservation units must be positive")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	limits := t.limitsFor(id)
	budget := limits.unitsFor(kind)
	key := usageKey{provider: id, kind: kind, epoch: epoch}
	entry := t.usageFor(key)
	if entry.used+entry.reserved+units > budget {
		return nil, ErrQuotaExceeded
	}
	if limits.MaxConcurrent > 0 && t.concurrent[id] >= limits.MaxConcurrent {
		return nil, ErrQuotaExceeded
	}
	entry.reserved += units
	t.concurrent[id]++
	reservation := Reservation{
		ID:       uuid.NewString(),
		Provider: id,
		Kind:     kind,
		Epoch:    epoch,
		Units:    units,
	}
	t.reservations[reservation.ID] = reservation
	return &reservation, nil
}

// Release drops a reservation without consuming budget (cancel path).
func (t *QuotaTracker) Release(rid string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	reservation, ok := t.reservations[rid]
	if !ok {
		return fmt.Errorf("sched: unknown reservation %s", rid)
	}
	delete(t.reservations, rid)
	key := usageKey{provider: reservation.Provider, kind: reservation.Kind, epoch: reservation.Epoch}
	entry := t.usageFor(key)
	if entry.reserved >= reservation.Units {
		entry.reserved -= reservation.Units
	} else {
		entry.reserved = 0
	}
	if t.concurrent[reservation.Provider] > 0 {
		t.concurrent[reservation.Provider]--
	}
	return nil
}

// Commit converts a reservation into consumed budget (success path).
func (t *QuotaTracker) Commit(rid string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	reservation, ok := t.reservations[rid]
	if !ok {
		return fmt.Errorf("sched: unknown reservation %s", rid)
	}
	delete(t.reservations, rid)
	key := usageKey{provider: reservation.Provider, kind: reservation.Kind, epoch: reservation.Epoch}
	entry := t.usageFor(key)
	if entry.reserved >= reservation.Units {
		entry.reserved -= reservation.Units
	} else {
		entry.reserved = 0
	}
	entry.used += reservation.Units
	if t.concurrent[reservation.Provider] > 0 {
		t.concurrent[reservation.Provider]--
	}
	return nil
}

// AdjustCommitted corrects consumed units after the fact, for example when
// the proof reports different work than the reservation assumed.
func (t *QuotaTracker) AdjustCommitted(id types.ProviderID, kind types.Kind, epoch uint64, delta int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry := t.usageFor(usageKey{provider: id, kind: kind, epoch: epoch})
	if delta >= 0 {
		entry.used += uint64(delta)
		return
	}
	dec := uint64(-delta)
	if entry.used >= dec {
		entry.used -= dec
	} else {
		entry.used = 0
	}
}

// Usage reports (used, reserved, concurrent) for inspection.
func (t *QuotaTracker) Usage(id types.ProviderID, kind types.Kind, epoch uint64) (uint64, uint64, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry := t.usageFor(usageKey{provider: id, kind: kind, epoch: epoch})
	return entry.used, entry.reserved, t.concurrent[id]
}
