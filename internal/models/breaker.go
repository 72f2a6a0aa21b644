package models

import "time"

// BreakerStateName is the circuit breaker state.
type BreakerStateName string

const (
	BreakerClosed   BreakerStateName = "CLOSED"
	BreakerOpen     BreakerStateName = "OPEN"
	BreakerHalfOpen BreakerStateName = "HALF_OPEN"
)

// CircuitBreakerState is a point-in-time view of one dependency breaker.
type CircuitBreakerState struct {
	DependencyID          string           `json:"dependency_id"`
	State                 BreakerStateName `json:"state"`
	ConsecutiveFailures   uint32           `json:"consecutive_failures"`
	OpenedAt              *time.Time       `json:"opened_at,omitempty"`
	HalfOpenTrialInFlight bool             `json:"half_open_trial_in_flight"`
}
