package models

import "time"

// Severity captures incident impact, P1 being the most severe.
type Severity string

const (
	SeverityP1 Severity = "P1"
	SeverityP2 Severity = "P2"
	SeverityP3 Severity = "P3"
	SeverityP4 Severity = "P4"
)

// SeverityForCriticality maps target criticality onto an incident severity.
func SeverityForCriticality(c Criticality) Severity {
	switch c {
	case CriticalityCritical:
		return SeverityP1
	case CriticalityHigh:
		return SeverityP2
	case CriticalityLow:
		return SeverityP4
	default:
		return SeverityP3
	}
}

// IncidentStatus is the lifecycle state of an incident.
type IncidentStatus string

const (
	IncidentOpen       IncidentStatus = "OPEN"
	IncidentRecovering IncidentStatus = "RECOVERING"
	IncidentResolved   IncidentStatus = "RESOLVED"
	IncidentEscalated  IncidentStatus = "ESCALATED"
	IncidentAbandoned  IncidentStatus = "ABANDONED"
)

// Terminal reports whether no further transitions are possible.
func (s IncidentStatus) Terminal() bool {
	return s == IncidentResolved || s == IncidentAbandoned
}

// Active reports whether the incident still blocks a new incident for the same target.
func (s IncidentStatus) Active() bool {
	return !s.Terminal()
}

// AttemptOutcome is the result of a finished recovery attempt.
type AttemptOutcome string

const (
	AttemptSuccess AttemptOutcome = "SUCCESS"
	AttemptFailure AttemptOutcome = "FAILURE"
	AttemptTimeout AttemptOutcome = "TIMEOUT"
)

// RecoveryAttempt records one strategy execution. It is never modified once FinishedAt is set.
type RecoveryAttempt struct {
	AttemptID    string         `json:"attempt_id"`
	IncidentID   string         `json:"incident_id"`
	Strategy     Strategy       `json:"strategy"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
	Outcome      AttemptOutcome `json:"outcome,omitempty"`
	Notes        string         `json:"notes,omitempty"`
	Forced       bool           `json:"forced,omitempty"`
	CheckpointID string         `json:"checkpoint_id,omitempty"`
}

// InProgress reports whether the attempt has not finished yet.
func (a RecoveryAttempt) InProgress() bool {
	return a.FinishedAt == nil
}

// Duration returns the elapsed execution time of a finished attempt.
func (a RecoveryAttempt) Duration() time.Duration {
	if a.FinishedAt == nil {
		return 0
	}
	return a.FinishedAt.Sub(a.StartedAt)
}

// Incident tracks one sustained failure of a target and every recovery attempt made against it.
type Incident struct {
	IncidentID       string            `json:"incident_id"`
	TargetID         string            `json:"target_id"`
	OpenedAt         time.Time         `json:"opened_at"`
	ClosedAt         *time.Time        `json:"closed_at,omitempty"`
	Severity         Severity          `json:"severity"`
	FailureSignature string            `json:"failure_signature"`
	Attempts         []RecoveryAttempt `json:"attempts"`
	Status           IncidentStatus    `json:"status"`

	// Context keeps the most recent failure details reported while the incident was open.
	Context         []string   `json:"context,omitempty"`
	HealthySince    *time.Time `json:"healthy_since,omitempty"`
	EscalationLevel int        `json:"escalation_level,omitempty"`
	// LadderBase is the index into Attempts from which automatic ladder progression is computed.
	LadderBase       int        `json:"ladder_base,omitempty"`
	AwaitingApproval Strategy   `json:"awaiting_approval,omitempty"`
	Approved         []Strategy `json:"approved,omitempty"`
	Resolution       string     `json:"resolution,omitempty"`
}

// Clone returns a deep copy safe to hand out of the owning manager.
func (i *Incident) Clone() *Incident {
	if i == nil {
		return nil
	}
	out := *i
	out.Attempts = append([]RecoveryAttempt(nil), i.Attempts...)
	out.Context = append([]string(nil), i.Context...)
	out.Approved = append([]Strategy(nil), i.Approved...)
	if i.ClosedAt != nil {
		closed := *i.ClosedAt
		out.ClosedAt = &closed
	}
	if i.HealthySince != nil {
		since := *i.HealthySince
		out.HealthySince = &since
	}
	for idx := range out.Attempts {
		if f := out.Attempts[idx].FinishedAt; f != nil {
			finished := *f
			out.Attempts[idx].FinishedAt = &finished
		}
	}
	return &out
}

// InFlight returns the attempt that has not finished yet, if any.
func (i *Incident) InFlight() (RecoveryAttempt, bool) {
	for _, attempt := range i.Attempts {
		if attempt.InProgress() {
			return attempt, true
		}
	}
	return RecoveryAttempt{}, false
}

// IsApproved reports whether an operator acknowledged the strategy for this incident.
func (i *Incident) IsApproved(s Strategy) bool {
	for _, approved := range i.Approved {
		if approved == s {
			return true
		}
	}
	return false
}
