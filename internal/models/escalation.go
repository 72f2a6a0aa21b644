package models

import "time"

// Escalation levels. Level 5 is the declared disaster-recovery state.
const (
	EscalationLevelMin      = 1
	EscalationLevelDisaster = 5
)

// EscalationEvent is emitted to notification sinks.
type EscalationEvent struct {
	IncidentID string            `json:"incident_id"`
	Level      int               `json:"level"`
	TargetID   string            `json:"target_id"`
	Summary    string            `json:"summary"`
	Timestamp  time.Time         `json:"timestamp"`
	Reason     string            `json:"reason"`
	Kind       string            `json:"kind,omitempty"`
	Severity   Severity          `json:"severity"`
	Status     IncidentStatus    `json:"status"`
	Attempts   []RecoveryAttempt `json:"attempts"`
}
