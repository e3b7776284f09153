package heartbeat

import (
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"aicf/core/types"
)

// Health labels the derived liveness status of a provider.
type Health string

const (
	Healthy      Health = "HEALTHY"
	Degraded     Health = "DEGRADED"
	Unresponsive Health = "UNRESPONSIVE"
)

// Params tunes the scoring and status derivation.
type Params struct {
	HalfLife         time.Duration
	StaleTimeout     time.Duration
	TargetLatencyMs  float64
	LatencyTolerance float64
	AscendRate       float64
	PenaltyBase      float64
	PenaltyPerConsec float64
	PenaltyCap       float64
	DegradeThreshold float64
	DownThreshold    float64
	MaxConsecFails   int
}

// DefaultParams returns a conservative baseline tuning.
func DefaultParams() Params {
	return Params{
		HalfLife:         10 * time.Minute,
		StaleTimeout:     3 * time.Minute,
		TargetLatencyMs:  250,
		LatencyTolerance: 2_000,
		AscendRate:       0.3,
		PenaltyBase:      0.2,
		PenaltyPerConsec: 0.1,
		PenaltyCap:       0.8,
		DegradeThreshold: 0.5,
		DownThreshold:    0.2,
		MaxConsecFails:   3,
	}
}

// Validate ensures the tuning values fall within acceptable bounds.
func (p Params) Validate() error {
	if p.HalfLife <= 0 {
		return errors.New("heartbeat: half-life must be positive")
	}
	if p.StaleTimeout <= 0 {
		return errors.New("heartbeat: stale timeout must be positive")
	}
	if p.AscendRate <= 0 || p.AscendRate > 1 {
		return errors.New("heartbeat: ascend rate must be in (0, 1]")
	}
	if p.PenaltyCap <= 0 || p.PenaltyCap > 1 {
		return errors.New("heartbeat: penalty cap must be in (0, 1]")
	}
	if p.DownThreshold < 0 || p.DegradeThreshold < p.DownThreshold || p.DegradeThreshold > 1 {
		return errors.New("heartbeat: thresholds must satisfy 0 <= down <= degrade <= 1")
	}
	if p.MaxConsecFails <= 0 {
		return errors.New("heartbeat: max consecutive failures must be positive")
	}
	return nil
}

// State holds the decayed scoring inputs for a single provider.
type State struct {
	LastSeen            time.Time
	Score               float64
	SuccessEMA          float64
	LatencyEMA          float64
	ConsecutiveFailures int
	LastStatus          Health

	// touchedAt is the instant the score was last decayed, which may trail
	// LastSeen when reads apply decay between pings.
	touchedAt time.Time
}

// StatusHook observes status transitions derived by the monitor.
type StatusHook func(id types.ProviderID, from, to Health)

// Monitor derives a decaying health score per provider from liveness pings.
// All methods are safe for concurrent use; state is guarded per monitor.
type Monitor struct {
	mu     sync.Mutex
	params Params
	states map[types.ProviderID]*State
	hook   StatusHook
	nowFn  func() time.Time
}

// NewMonitor creates a monitor with the supplied tuning.
func NewMonitor(params Params) (*Monitor, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Monitor{
		params: params,
		states: make(map[types.ProviderID]*State),
		nowFn:  time.Now,
	}, nil
}

// SetStatusHook configures the transition observer.
func (m *Monitor) SetStatusHook(hook StatusHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = hook
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (m *Monitor) SetNowFunc(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if now == nil {
		now = time.Now
	}
	m.nowFn = now
}

func (m *Monitor) stateLocked(id types.ProviderID) *State {
	state, ok := m.states[id]
	if !ok {
		state = &State{Score: 0, LastStatus: Unresponsive}
		m.states[id] = state
	}
	return state
}

// decayLocked applies half-life decay for the elapsed interval since the
// score was last touched.
func (m *Monitor) decayLocked(state *State, now time.Time) {
	if state.touchedAt.IsZero() || !now.After(state.touchedAt) {
		return
	}
	elapsed := now.Sub(state.touchedAt).Seconds()
	halfLife := m.params.HalfLife.Seconds()
	state.Score *= math.Pow(0.5, elapsed/halfLife)
	state.touchedAt = now
}

// Ping folds a liveness observation into the provider's score and returns
// the derived status.
func (m *Monitor) Ping(id types.ProviderID, ok bool, latencyMs float64) Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nowFn()
	state := m.stateLocked(id)
	m.decayLocked(state, now)

	const emaAlpha = 0.2
	if ok {
		state.ConsecutiveFailures = 0
		over := latencyMs - m.params.TargetLatencyMs
		if over < 0 {
			over = 0
		}
		latencyImpulse := 1 - over/m.params.LatencyTolerance
		if latencyImpulse < 0 {
			latencyImpulse = 0
		}
		impulse := 0.5 + 0.5*latencyImpulse
		state.Score += m.params.AscendRate * (1 - state.Score) * impulse
		state.SuccessEMA = state.SuccessEMA*(1-emaAlpha) + emaAlpha
		state.LatencyEMA = state.LatencyEMA*(1-emaAlpha) + latencyMs*emaAlpha
	} else {
		state.ConsecutiveFailures++
		penalty := m.params.PenaltyBase + m.params.PenaltyPerConsec*float64(state.ConsecutiveFailures-1)
		if penalty < 0 {
			penalty = 0
		}
		if penalty > m.params.PenaltyCap {
			penalty = m.params.PenaltyCap
		}
		state.Score *= 1 - penalty
		state.SuccessEMA = state.SuccessEMA * (1 - emaAlpha)
	}
	if state.Score > 1 {
		state.Score = 1
	}
	if state.Score < 0 {
		state.Score = 0
	}
	state.LastSeen = now
	state.touchedAt = now
	return m.deriveLocked(id, state, now)
}

// Score returns the current decayed score without recording a ping.
func (m *Monitor) Score(id types.ProviderID) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[id]
	if !ok {
		return 0
	}
	m.decayLocked(state, m.nowFn())
	return state.Score
}

// Status derives the current health status, applying decay and staleness
// against the last accepted ping.
func (m *Monitor) Status(id types.ProviderID) Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nowFn()
	state := m.stateLocked(id)
	m.decayLocked(state, now)
	return m.deriveLocked(id, state, now)
}

func (m *Monitor) deriveLocked(id types.ProviderID, state *State, now time.Time) Health {
	stale := state.LastSeen.IsZero() || now.Sub(state.LastSeen) > m.params.StaleTimeout
	var status Health
	switch {
	case stale && (state.ConsecutiveFailures >= m.params.MaxConsecFails || state.Score <= m.params.DownThreshold):
		status = Unresponsive
	case stale:
		status = Degraded
	case state.Score <= m.params.DownThreshold:
		status = Unresponsive
	case state.Score <= m.params.DegradeThreshold:
		status = Degraded
	default:
		status = Healthy
	}
	if status != state.LastStatus {
		from := state.LastStatus
		state.LastStatus = status
		if m.hook != nil {
			m.hook(id, from, status)
		}
	}
	return status
}

// Snapshot returns a copy of every tracked state keyed by provider.
func (m *Monitor) Snapshot() map[types.ProviderID]State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[types.ProviderID]State, len(m.states))
	ids := make([]types.ProviderID, 0, len(m.states))
	for id := range m.states {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		out[id] = *m.states[id]
	}
	return out
}
