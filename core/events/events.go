package events

import (
	"math/big"
	"strconv"

	"aicf/core/types"
)

const (
	TypeJobEnqueued     = "aicf.job.enqueued"
	TypeJobAssigned     = "aicf.job.assigned"
	TypeJobCompleted    = "aicf.job.completed"
	TypeEpochSettled    = "aicf.epoch.settled"
	TypeProviderSlashed = "aicf.provider.slashed"
)

// Typed is implemented by every event emitted through the fund pipeline.
type Typed interface {
	EventType() string
	Event() *types.Event
}

// Emitter receives typed events from the engines. Implementations must be
// safe for concurrent use.
type Emitter interface {
	Emit(Typed)
}

// NoopEmitter discards every event.
type NoopEmitter struct{}

// Emit implements Emitter.
func (NoopEmitter) Emit(Typed) {}

// JobEnqueued records a job entering the queue.
type JobEnqueued struct {
	JobID     types.JobID
	Kind      types.Kind
	Requester string
	Fee       *big.Int
	TsMillis  int64
}

func (JobEnqueued) EventType() string { return TypeJobEnqueued }

func (e JobEnqueued) Event() *types.Event {
	return &types.Event{
		Type: TypeJobEnqueued,
		Attributes: map[string]string{
			"jobId":     string(e.JobID),
			"kind":      string(e.Kind),
			"requester": e.Requester,
			"fee":       formatAmount(e.Fee),
			"ts":        strconv.FormatInt(e.TsMillis, 10),
		},
	}
}

// JobAssigned records a lease being issued to a provider.
type JobAssigned struct {
	JobID      types.JobID
	ProviderID types.ProviderID
	LeaseID    types.LeaseID
	Height     uint64
	TsMillis   int64
}

func (JobAssigned) EventType() string { return TypeJobAssigned }

func (e JobAssigned) Event() *types.Event {
	return &types.Event{
		Type: TypeJobAssigned,
		Attributes: map[string]string{
			"jobId":      string(e.JobID),
			"providerId": string(e.ProviderID),
			"leaseId":    string(e.LeaseID),
			"height":     strconv.FormatUint(e.Height, 10),
			"ts":         strconv.FormatInt(e.TsMillis, 10),
		},
	}
}

// JobCompleted records a validated completion submission.
type JobCompleted struct {
	JobID      types.JobID
	ProviderID types.ProviderID
	Success    bool
	Digest     types.Digest
	Height     uint64
	TsMillis   int64
}

func (JobCompleted) EventType() string { return TypeJobCompleted }

func (e JobCompleted) Event() *types.Event {
	return &types.Event{
		Type: TypeJobCompleted,
		Attributes: map[string]string{
			"jobId":      string(e.JobID),
			"providerId": string(e.ProviderID),
			"success":    strconv.FormatBool(e.Success),
			"digest":     string(e.Digest),
			"height":     strconv.FormatUint(e.Height, 10),
			"ts":         strconv.FormatInt(e.TsMillis, 10),
		},
	}
}

// EpochSettled records the outcome of a settlement plan application.
type EpochSettled struct {
	Epoch    uint64
	Payouts  int
	Amount   *big.Int
	Deferred *big.Int
	Height   uint64
	TsMillis int64
}

func (EpochSettled) EventType() string { return TypeEpochSettled }

func (e EpochSettled) Event() *types.Event {
	return &types.Event{
		Type: TypeEpochSettled,
		Attributes: map[string]string{
			"epoch":    strconv.FormatUint(e.Epoch, 10),
			"payouts":  strconv.Itoa(e.Payouts),
			"amount":   formatAmount(e.Amount),
			"deferred": formatAmount(e.Deferred),
			"height":   strconv.FormatUint(e.Height, 10),
			"ts":       strconv.FormatInt(e.TsMillis, 10),
		},
	}
}

// ProviderSlashed records a slash applied by the SLA engine.
type ProviderSlashed struct {
	ProviderID types.ProviderID
	Reason     string
	Penalty    *big.Int
	Jailed     bool
	Height     uint64
	TsMillis   int64
}

func (ProviderSlashed) EventType() string { return TypeProviderSlashed }

func (e ProviderSlashed) Event() *types.Event {
	return &types.Event{
		Type: TypeProviderSlashed,
		Attributes: map[string]string{
			"providerId": string(e.ProviderID),
			"reason":     e.Reason,
			"penalty":    formatAmount(e.Penalty),
			"jailed":     strconv.FormatBool(e.Jailed),
			"height":     strconv.FormatUint(e.Height, 10),
			"ts":         strconv.FormatInt(e.TsMillis, 10),
		},
	}
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
