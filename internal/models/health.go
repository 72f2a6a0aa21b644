package models

import "time"

// HealthOutcome classifies a single health probe.
type HealthOutcome string

const (
	HealthHealthy     HealthOutcome = "HEALTHY"
	HealthDegraded    HealthOutcome = "DEGRADED"
	HealthUnreachable HealthOutcome = "UNREACHABLE"
)

// HealthCheckResult is produced once per poll interval per target.
type HealthCheckResult struct {
	TargetID  string        `json:"target_id"`
	Timestamp time.Time     `json:"timestamp"`
	Outcome   HealthOutcome `json:"outcome"`
	Latency   time.Duration `json:"latency"`
	Detail    string        `json:"detail,omitempty"`
}

// Healthy reports whether the probe passed.
func (r HealthCheckResult) Healthy() bool {
	return r.Outcome == HealthHealthy
}

// Criticality describes how important a supervised target is to the domain.
type Criticality string

const (
	CriticalityCritical Criticality = "critical"
	CriticalityHigh     Criticality = "high"
	CriticalityMedium   Criticality = "medium"
	CriticalityLow      Criticality = "low"
)

// Target describes a supervised process or service.
type Target struct {
	ID           string        `json:"id"`
	Class        string        `json:"class"`
	Criticality  Criticality   `json:"criticality"`
	Dependencies []string      `json:"dependencies,omitempty"`
	PollInterval time.Duration `json:"poll_interval"`
}
