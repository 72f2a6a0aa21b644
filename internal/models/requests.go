package models

// ListIncidentsRequest filters the incident listing.
type ListIncidentsRequest struct {
	OpenOnly bool `form:"open"`
}

// AbandonRequest stops automation on an incident.
type AbandonRequest struct {
	IncidentID string `json:"-" validate:"required"`
	Reason     string `json:"reason" validate:"max=512"`
}

// ForceStrategyRequest queues one operator-chosen strategy.
type ForceStrategyRequest struct {
	IncidentID string `json:"-" validate:"required"`
	Strategy   string `json:"strategy" validate:"required"`
}

// CheckpointRequest captures an on-demand checkpoint. An empty component means full scope.
type CheckpointRequest struct {
	TargetID  string `json:"target_id" validate:"required"`
	Component string `json:"component" validate:"omitempty,oneof=config data"`
}

// SimilarIncidentsRequest looks up archived incidents sharing a failure signature.
type SimilarIncidentsRequest struct {
	IncidentID string `json:"-" validate:"required"`
	Limit      int    `form:"limit" validate:"gte=0,lte=50"`
}
