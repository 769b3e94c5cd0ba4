package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for change governance.
// A Metrics built with metrics disabled, or a nil *Metrics, records nothing.
type Metrics struct {
	config MetricsConfig

	// Workflow metrics
	transitions       *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec

	// Policy metrics
	policyDecisions *prometheus.CounterVec
	riskScores      prometheus.Histogram

	// Approval metrics
	votesCast      *prometheus.CounterVec
	quorumOutcomes *prometheus.CounterVec
	approvals      *prometheus.CounterVec

	// Scheduling metrics
	conflicts *prometheus.CounterVec

	// Sweep metrics
	sweepRecords  *prometheus.CounterVec
	sweepDuration *prometheus.HistogramVec
	sweepSkipped  *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec

	// Notification metrics
	notifications *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.LatencyBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "change_transitions_total",
				Help:      "Total number of change status transitions",
			},
			[]string{"from", "to"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of governance operations in seconds",
				Buckets:   buckets,
			},
			[]string{"operation", "outcome"},
		),

		policyDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_decisions_total",
				Help:      "Total number of policy evaluations by decision source",
			},
			[]string{"source", "cab", "auto_approve"},
		),
		riskScores: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "risk_score",
				Help:      "Distribution of computed change risk scores",
				Buckets:   prometheus.LinearBuckets(0, 10, 11),
			},
		),

		votesCast: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cab_votes_total",
				Help:      "Total number of CAB votes cast",
			},
			[]string{"vote"},
		),
		quorumOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cab_quorum_outcomes_total",
				Help:      "Total number of CAB quorum resolutions",
			},
			[]string{"outcome"},
		),
		approvals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "approvals_resolved_total",
				Help:      "Total number of resolved approvals",
			},
			[]string{"type", "status"},
		),

		conflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "schedule_conflicts_total",
				Help:      "Total number of scheduling conflicts detected",
			},
			[]string{"kind"},
		),

		sweepRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweep_records_total",
				Help:      "Total number of approvals handled by SLA sweeps",
			},
			[]string{"sweep", "result"},
		),
		sweepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sweep_duration_seconds",
				Help:      "Duration of SLA sweeps in seconds",
				Buckets:   buckets,
			},
			[]string{"sweep"},
		),
		sweepSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweep_runs_skipped_total",
				Help:      "Total number of sweep runs skipped because another instance held the lock",
			},
			[]string{"sweep"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of governance errors by class and code",
			},
			[]string{"class", "code"},
		),

		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Total number of notifications by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
	}

	registry.MustRegister(
		m.transitions,
		m.operationDuration,
		m.policyDecisions,
		m.riskScores,
		m.votesCast,
		m.quorumOutcomes,
		m.approvals,
		m.conflicts,
		m.sweepRecords,
		m.sweepDuration,
		m.sweepSkipped,
		m.errorsByClass,
		m.notifications,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RecordTransition counts a status transition.
func (m *Metrics) RecordTransition(from, to string) {
	if !m.enabled() {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// ObserveOperation records the latency of a governance operation.
func (m *Metrics) ObserveOperation(operation string, duration time.Duration, err error) {
	if !m.enabled() {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.operationDuration.WithLabelValues(operation, outcome).Observe(duration.Seconds())
}

// RecordPolicyDecision counts a policy evaluation and observes its risk score.
func (m *Metrics) RecordPolicyDecision(source string, cab, autoApprove bool, riskScore int) {
	if !m.enabled() {
		return
	}
	m.policyDecisions.WithLabelValues(source, fmt.Sprint(cab), fmt.Sprint(autoApprove)).Inc()
	m.riskScores.Observe(float64(riskScore))
}

// RecordVote counts a CAB ballot.
func (m *Metrics) RecordVote(vote string) {
	if !m.enabled() {
		return
	}
	m.votesCast.WithLabelValues(vote).Inc()
}

// RecordQuorumOutcome counts a CAB resolution (approved, approved_with_conditions, rejected).
func (m *Metrics) RecordQuorumOutcome(outcome string) {
	if !m.enabled() {
		return
	}
	m.quorumOutcomes.WithLabelValues(outcome).Inc()
}

// RecordApprovalResolved counts a resolved approval.
func (m *Metrics) RecordApprovalResolved(approvalType, status string) {
	if !m.enabled() {
		return
	}
	m.approvals.WithLabelValues(approvalType, status).Inc()
}

// RecordConflict counts a detected scheduling conflict by kind.
func (m *Metrics) RecordConflict(kind string, count int) {
	if !m.enabled() || count == 0 {
		return
	}
	m.conflicts.WithLabelValues(kind).Add(float64(count))
}

// RecordSweep records the outcome counts and duration of an SLA sweep.
func (m *Metrics) RecordSweep(sweep string, processed, skipped, failed int, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.sweepRecords.WithLabelValues(sweep, "processed").Add(float64(processed))
	m.sweepRecords.WithLabelValues(sweep, "skipped").Add(float64(skipped))
	m.sweepRecords.WithLabelValues(sweep, "failed").Add(float64(failed))
	m.sweepDuration.WithLabelValues(sweep).Observe(duration.Seconds())
}

// RecordSweepLocked counts a sweep run skipped because the lock was held elsewhere.
func (m *Metrics) RecordSweepLocked(sweep string) {
	if !m.enabled() {
		return
	}
	m.sweepSkipped.WithLabelValues(sweep).Inc()
}

// RecordError records an error by class and code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass, errorCode).Inc()
}

// RecordNotification counts a notification delivery attempt.
func (m *Metrics) RecordNotification(kind string, err error) {
	if !m.enabled() {
		return
	}
	outcome := "sent"
	if err != nil {
		outcome = "failed"
	}
	m.notifications.WithLabelValues(kind, outcome).Inc()
}

// Registry exposes the underlying registry, nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// NewServer builds the HTTP server exposing metrics, nil when metrics are disabled.
func (m *Metrics) NewServer() *http.Server {
	if !m.enabled() {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	return &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
