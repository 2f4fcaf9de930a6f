package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsPublished tracks bus events by type
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loginflow_events_published_total",
			Help: "Total number of events published on the bus",
		},
		[]string{"type"},
	)

	// RetryAttempts tracks attempt executions per platform and outcome
	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loginflow_retry_attempts_total",
			Help: "Total number of retry attempts executed",
		},
		[]string{"platform", "outcome"},
	)

	// RetrySessionsActive tracks live (non-terminal) retry sessions
	RetrySessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "loginflow_retry_sessions_active",
			Help: "Number of retry sessions not yet in a terminal state",
		},
	)

	// CircuitBreakerState tracks breaker state per platform (0=closed, 1=half-open, 2=open)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loginflow_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"platform", "account"},
	)

	// PatternsDetected tracks failure pattern detections
	PatternsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loginflow_patterns_detected_total",
			Help: "Total number of failure patterns detected",
		},
		[]string{"platform", "error_type", "severity"},
	)

	// TwoFactorVerifications tracks code verification outcomes
	TwoFactorVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loginflow_twofactor_verifications_total",
			Help: "Total number of two-factor code verifications",
		},
		[]string{"platform", "method", "outcome"},
	)

	// ProcessCrashes tracks detected worker crashes
	ProcessCrashes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loginflow_process_crashes_total",
			Help: "Total number of worker crashes detected",
		},
	)

	// ResourceAlerts tracks emitted resource alerts by type
	ResourceAlerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loginflow_resource_alerts_total",
			Help: "Total number of resource alerts emitted",
		},
		[]string{"type"},
	)

	// WorkersRunning tracks currently monitored running workers
	WorkersRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "loginflow_workers_running",
			Help: "Number of automation workers currently running",
		},
	)

	// AuditInsertErrors tracks failed audit store writes
	AuditInsertErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loginflow_audit_insert_errors_total",
			Help: "Total number of failed audit event inserts",
		},
	)
)
