package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/miradorstack/mirador-recovery/internal/models"
)

const namespace = "mirador_recovery"

var (
	healthChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_checks_total",
			Help:      "Health probes performed, partitioned by target and outcome.",
		},
		[]string{"target", "outcome"},
	)

	incidentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incidents_total",
			Help:      "Incident transitions, partitioned by resulting status.",
		},
		[]string{"status"},
	)

	openIncidents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_incidents",
			Help:      "Incidents currently not resolved or abandoned.",
		},
	)

	attemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_attempts_total",
			Help:      "Recovery attempts, partitioned by strategy and outcome.",
		},
		[]string{"strategy", "outcome"},
	)

	attemptDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recovery_attempt_seconds",
			Help:      "Recovery attempt duration in seconds.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 7200},
		},
		[]string{"strategy"},
	)

	escalationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Escalation notifications fired, partitioned by level.",
		},
		[]string{"level"},
	)

	notificationFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_failures_total",
			Help:      "Notification deliveries that failed, partitioned by sink.",
		},
		[]string{"sink"},
	)

	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state per dependency (0 closed, 1 half-open, 2 open).",
		},
		[]string{"dependency"},
	)

	checkpointsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_total",
			Help:      "Checkpoint operations, partitioned by operation and result.",
		},
		[]string{"operation", "result"},
	)
)

// Register attaches mirador-recovery collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		healthChecksTotal,
		incidentsTotal,
		openIncidents,
		attemptsTotal,
		attemptDurationSeconds,
		escalationsTotal,
		notificationFailuresTotal,
		breakerState,
		checkpointsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveHealthCheck counts one probe result.
func ObserveHealthCheck(result models.HealthCheckResult) {
	healthChecksTotal.WithLabelValues(result.TargetID, string(result.Outcome)).Inc()
}

// ObserveIncident counts an incident reaching status and tracks the open gauge.
func ObserveIncident(status models.IncidentStatus) {
	incidentsTotal.WithLabelValues(string(status)).Inc()
	switch status {
	case models.IncidentOpen:
		openIncidents.Inc()
	case models.IncidentResolved, models.IncidentAbandoned:
		openIncidents.Dec()
	}
}

// SetOpenIncidents resets the open gauge, used after reloading persisted incidents.
func SetOpenIncidents(n int) {
	openIncidents.Set(float64(n))
}

// ObserveAttempt records a finished recovery attempt.
func ObserveAttempt(strategy models.Strategy, outcome models.AttemptOutcome, duration time.Duration) {
	attemptsTotal.WithLabelValues(string(strategy), string(outcome)).Inc()
	if duration < 0 {
		duration = 0
	}
	attemptDurationSeconds.WithLabelValues(string(strategy)).Observe(duration.Seconds())
}

// ObserveEscalation counts an escalation at level.
func ObserveEscalation(level int) {
	escalationsTotal.WithLabelValues(strconv.Itoa(level)).Inc()
}

// ObserveNotificationFailure counts a failed delivery on sink.
func ObserveNotificationFailure(sink string) {
	notificationFailuresTotal.WithLabelValues(sink).Inc()
}

// SetBreakerState publishes the current state of a dependency breaker.
func SetBreakerState(dependency string, state models.BreakerStateName) {
	value := 0.0
	switch state {
	case models.BreakerHalfOpen:
		value = 1
	case models.BreakerOpen:
		value = 2
	}
	breakerState.WithLabelValues(dependency).Set(value)
}

// ObserveCheckpoint counts a checkpoint operation.
func ObserveCheckpoint(operation string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	checkpointsTotal.WithLabelValues(operation, result).Inc()
}
