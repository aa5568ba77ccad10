package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// CoordinatorMetrics tracks the task lifecycle from submission through
// payment release.
type CoordinatorMetrics struct {
	TasksSubmitted      prometheus.Counter
	TasksByStatus       *prometheus.GaugeVec
	OutputsReceived     prometheus.Counter
	EvaluationsReceived prometheus.Counter
	EvaluationsRejected *prometheus.CounterVec
	ConsensusRounds     *prometheus.CounterVec
	ConsensusDuration   prometheus.Histogram
	BootstrapTasks      *prometheus.CounterVec
	RedoRounds          prometheus.Counter
	PaymentsReleased    prometheus.Counter
	ArchiveFailures     prometheus.Counter
	PriceFallbacks      prometheus.Counter
	CollusionFlags      prometheus.Counter
	InvariantViolations *prometheus.CounterVec
	ValidatorsQualified prometheus.Gauge
}

// NewCoordinatorMetrics creates the coordinator metric set and registers it
// with the collector's registry.
func NewCoordinatorMetrics(c *Collector) *CoordinatorMetrics {
	ns := c.Namespace()
	const sub = "coordinator"

	m := &CoordinatorMetrics{
		TasksSubmitted: NewCounter(ns, sub, "tasks_submitted_total",
			"Tasks accepted for processing"),
		TasksByStatus: NewGaugeVec(ns, sub, "tasks_by_status",
			"Tasks currently in each lifecycle status", []string{"status"}),
		OutputsReceived: NewCounter(ns, sub, "outputs_received_total",
			"Miner outputs accepted"),
		EvaluationsReceived: NewCounter(ns, sub, "evaluations_received_total",
			"Validator evaluations accepted"),
		EvaluationsRejected: NewCounterVec(ns, sub, "evaluations_rejected_total",
			"Validator evaluations rejected", []string{"reason"}),
		ConsensusRounds: NewCounterVec(ns, sub, "consensus_rounds_total",
			"Completed consensus rounds", []string{"result"}),
		ConsensusDuration: NewHistogram(ns, sub, "consensus_duration_seconds",
			"Wall time from first evaluation to consensus decision",
			[]float64{0.1, 0.5, 1, 5, 15, 60, 300}),
		BootstrapTasks: NewCounterVec(ns, sub, "bootstrap_tasks_total",
			"Tasks processed under a bootstrap fallback mode", []string{"mode"}),
		RedoRounds: NewCounter(ns, sub, "redo_rounds_total",
			"Redo rounds requested by task owners"),
		PaymentsReleased: NewCounter(ns, sub, "payments_released_total",
			"Payments released after consensus"),
		ArchiveFailures: NewCounter(ns, sub, "archive_failures_total",
			"Archive uploads that failed without blocking settlement"),
		PriceFallbacks: NewCounter(ns, sub, "price_fallbacks_total",
			"Price conversions served from the static fallback table"),
		CollusionFlags: NewCounter(ns, sub, "collusion_flags_total",
			"Tasks flagged with a suspected collusion pattern"),
		InvariantViolations: NewCounterVec(ns, sub, "invariant_violations_total",
			"Runtime invariant violations detected", []string{"severity"}),
		ValidatorsQualified: NewGauge(ns, sub, "validators_qualified",
			"Validators whose evaluations survived the last processed round"),
	}

	c.MustRegister(
		m.TasksSubmitted,
		m.TasksByStatus,
		m.OutputsReceived,
		m.EvaluationsReceived,
		m.EvaluationsRejected,
		m.ConsensusRounds,
		m.ConsensusDuration,
		m.BootstrapTasks,
		m.RedoRounds,
		m.PaymentsReleased,
		m.ArchiveFailures,
		m.PriceFallbacks,
		m.CollusionFlags,
		m.InvariantViolations,
		m.ValidatorsQualified,
	)

	return m
}
