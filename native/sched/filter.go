package sched

import (
	"errors"
	"math/big"
	"sort"

	"aicf/core/types"
	"aicf/native/heartbeat"
	"aicf/native/jobs"
	"aicf/native/registry"
)

// FilterParams tunes provider eligibility and the composite ranking score.
type FilterParams struct {
	MinHealth float64
	// Composite weights. They are normalised before use, so only their
	// relative magnitude matters.
	HealthWeight float64
	StakeWeight  float64
	RegionBonus  map[string]float64
	// AllowedStatuses widens the set of registry statuses that may receive
	// work. ACTIVE is always allowed.
	AllowedStatuses []registry.Status
}

// DefaultFilterParams returns the baseline eligibility tuning.
func DefaultFilterParams() FilterParams {
	return FilterParams{
		MinHealth:    0.2,
		HealthWeight: 0.7,
		StakeWeight:  0.3,
	}
}

// Validate ensures the tuning is usable.
func (p FilterParams) Validate() error {
	if p.MinHealth < 0 || p.MinHealth > 1 {
		return errors.New("sched: min health must be in [0,1]")
	}
	if p.HealthWeight < 0 || p.StakeWeight < 0 || p.HealthWeight+p.StakeWeight == 0 {
		return errors.New("sched: composite weights must be non-negative and not both zero")
	}
	return nil
}

// Candidate is an eligible provider together with its composite score.
type Candidate struct {
	Provider *registry.Provider
	Health   float64
	Score    float64
}

// Filter decides which providers may serve a job and ranks them.
type Filter struct {
	params   FilterParams
	registry *registry.Registry
	monitor  *heartbeat.Monitor
	minStake func(cap registry.Capability) *big.Int
}

// NewFilter wires the filter against the registry and heartbeat monitor.
func NewFilter(params FilterParams, reg *registry.Registry, monitor *heartbeat.Monitor) (*Filter, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if reg == nil {
		return nil, errors.New("sched: registry required")
	}
	return &Filter{params: params, registry: reg, monitor: monitor}, nil
}

func (f *Filter) statusAllowed(status registry.Status) bool {
	if status == registry.StatusActive {
		return true
	}
	for _, allowed := range f.params.AllowedStatuses {
		if status == allowed {
			return true
		}
	}
	return false
}

func (f *Filter) health(id types.ProviderID) float64 {
	if f.monitor == nil {
		return 1
	}
	return f.monitor.Score(id)
}

// Eligible reports whether the provider may serve the job at the supplied
// height.
func (f *Filter) Eligible(job *jobs.Job, provider *registry.Provider, height uint64) bool {
	if provider == nil {
		return false
	}
	if !f.statusAllowed(provider.Status) {
		return false
	}
	required, err := registry.CapabilityForKind(job.Kind)
	if err != nil || !provider.Capabilities.Has(required) {
		return false
	}
	if err := f.registry.EnsureMinimum(provider.ID, required, height); err != nil {
		return false
	}
	if f.registry.Policy().RegionDenied(provider.Region) {
		return false
	}
	if !subset(requirementsFor(job).Algorithms, provider.Algorithms) {
		return false
	}
	if f.health(provider.ID) < f.params.MinHealth {
		return false
	}
	return true
}

// RankProviders filters the supplied providers for the job and orders the
// survivors by composite score descending, ties broken by provider id.
func (f *Filter) RankProviders(job *jobs.Job, providers []*registry.Provider, height uint64) []Candidate {
	eligible := make([]Candidate, 0, len(providers))
	maxStake := new(big.Int)
	for _, provider := range providers {
		if !f.Eligible(job, provider, height) {
			continue
		}
		stake := provider.EffectiveStake(height)
		if stake.Cmp(maxStake) > 0 {
			maxStake.Set(stake)
		}
		eligible = append(eligible, Candidate{
			Provider: provider,
			Health:   f.health(provider.ID),
		})
	}
	weightSum := f.params.HealthWeight + f.params.StakeWeight
	for i := range eligible {
		stakeShare := 0.0
		if maxStake.Sign() > 0 {
			share := new(big.Rat).SetFrac(eligible[i].Provider.EffectiveStake(height), maxStake)
			stakeShare, _ = share.Float64()
		}
		score := (f.params.HealthWeight*eligible[i].Health + f.params.StakeWeight*stakeShare) / weightSum
		if bonus, ok := f.params.RegionBonus[eligible[i].Provider.Region]; ok {
			score += bonus
		}
		eligible[i].Score = score
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].Score != eligible[j].Score {
			return eligible[i].Score > eligible[j].Score
		}
		return eligible[i].Provider.ID < eligible[j].Provider.ID
	})
	return eligible
}

func subset(needles, haystack []string) bool {
	if len(needles) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(haystack))
	for _, item := range haystack {
		set[item] = struct{}{}
	}
	for _, needle := range needles {
		if _, ok := set[needle]; !ok {
			return false
		}
	}
	return true
}
