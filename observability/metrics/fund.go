package metrics

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type FundMetrics struct {
	jobsAssigned       *prometheus.CounterVec
	jobsCompleted      *prometheus.CounterVec
	jobsTombstoned     *prometheus.CounterVec
	completionLatency  *prometheus.HistogramVec
	slashApplied       *prometheus.CounterVec
	epochBudget        *prometheus.GaugeVec
	settlementAccepted prometheus.Counter
	settlementRejected prometheus.Counter
	withdrawalExecuted prometheus.Counter
	withdrawalPending  prometheus.Gauge
}

var (
	fundOnce     sync.Once
	fundRegistry *FundMetrics
)

func Fund() *FundMetrics {
	fundOnce.Do(func() {
		fundRegistry = &FundMetrics{
			jobsAssigned: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "aicf_jobs_assigned_total",
				Help: "Count of job assignments by workload kind.",
			}, []string{"kind"}),
			jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "aicf_jobs_completed_total",
				Help: "Count of accepted completions by workload kind.",
			}, []string{"kind"}),
			jobsTombstoned: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "aicf_jobs_tombstoned_total",
				Help: "Count of jobs retired without completion by error code.",
			}, []string{"code"}),
			completionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "aicf_completion_latency_seconds",
				Help:    "Assignment-to-completion latency by workload kind.",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 14),
			}, []string{"kind"}),
			slashApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "aicf_slash_applied_total",
				Help: "Count of stake penalties applied by reason.",
			}, []string{"reason"}),
			epochBudget: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "aicf_epoch_budget",
				Help: "Remaining payout budget per epoch.",
			}, []string{"epoch"}),
			settlementAccepted: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "aicf_settlement_transfers_accepted_total",
				Help: "Count of settlement transfers accepted into plans.",
			}),
			settlementRejected: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "aicf_settlement_transfers_rejected_total",
				Help: "Count of settlement transfers rejected by the epoch budget.",
			}),
			withdrawalExecuted: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "aicf_withdrawals_executed_total",
				Help: "Count of executed provider withdrawals.",
			}),
			withdrawalPending: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "aicf_withdrawals_pending",
				Help: "Number of withdrawal requests awaiting execution.",
			}),
		}
		prometheus.MustRegister(
			fundRegistry.jobsAssigned,
			fundRegistry.jobsCompleted,
			fundRegistry.jobsTombstoned,
			fundRegistry.completionLatency,
			fundRegistry.slashApplied,
			fundRegistry.epochBudget,
			fundRegistry.settlementAccepted,
			fundRegistry.settlementRejected,
			fundRegistry.withdrawalExecuted,
			fundRegistry.withdrawalPending,
		)
	})
	return fundRegistry
}

func (m *FundMetrics) ObserveJobAssigned(kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.jobsAssigned.WithLabelValues(kind).Inc()
}

func (m *FundMetrics) ObserveJobCompleted(kind string, latencySeconds float64) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.jobsCompleted.WithLabelValues(kind).Inc()
	if latencySeconds >= 0 {
		m.completionLatency.WithLabelValues(kind).Observe(latencySeconds)
	}
}

func (m *FundMetrics) ObserveJobTombstoned(code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "unknown"
	}
	m.jobsTombstoned.WithLabelValues(code).Inc()
}

func (m *FundMetrics) ObserveSlash(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.slashApplied.WithLabelValues(reason).Inc()
}

func (m *FundMetrics) SetEpochBudget(epoch uint64, remaining float64) {
	if m == nil {
		return
	}
	label := fmt.Sprintf("%d", epoch)
	m.epochBudget.WithLabelValues(label).Set(remaining)
}

func (m *FundMetrics) ObserveSettlement(accepted, rejected int) {
	if m == nil {
		return
	}
	if accepted > 0 {
		m.settlementAccepted.Add(float64(accepted))
	}
	if rejected > 0 {
		m.settlementRejected.Add(float64(rejected))
	}
}

func (m *FundMetrics) ObserveWithdrawalExecuted() {
	if m == nil {
		return
	}
	m.withdrawalExecuted.Inc()
}

func (m *FundMetrics) SetWithdrawalsPending(count int) {
	if m == nil {
		return
	}
	m.withdrawalPending.Set(float64(count))
}
