package models

import "time"

// ScopeKind distinguishes full and component-scoped checkpoints.
type ScopeKind string

const (
	ScopeFull    ScopeKind = "FULL"
	ScopePartial ScopeKind = "PARTIAL"
)

// Well-known state components of a supervised target.
const (
	ComponentConfig = "config"
	ComponentData   = "data"
)

// Scope selects which part of a target's state a checkpoint covers.
type Scope struct {
	Kind      ScopeKind `json:"kind"`
	Component string    `json:"component,omitempty"`
}

// FullScope covers every component.
func FullScope() Scope {
	return Scope{Kind: ScopeFull}
}

// PartialScope covers a single component.
func PartialScope(component string) Scope {
	return Scope{Kind: ScopePartial, Component: component}
}

// Includes reports whether the scope covers component.
func (s Scope) Includes(component string) bool {
	return s.Kind == ScopeFull || s.Component == component
}

// Covers reports whether s contains every component of other.
func (s Scope) Covers(other Scope) bool {
	if s.Kind == ScopeFull {
		return true
	}
	return other.Kind == ScopePartial && other.Component == s.Component
}

func (s Scope) String() string {
	if s.Kind == ScopeFull {
		return string(ScopeFull)
	}
	return string(ScopePartial) + "(" + s.Component + ")"
}

// CheckpointLabel distinguishes why a checkpoint was taken.
type CheckpointLabel string

const (
	LabelRoutine     CheckpointLabel = "routine"
	LabelPreRecovery CheckpointLabel = "pre-recovery"
	LabelKnownGood   CheckpointLabel = "known-good"
	LabelOnDemand    CheckpointLabel = "on-demand"
)

// CheckpointSnapshot is the metadata of a stored snapshot. The payload lives in a blob store.
type CheckpointSnapshot struct {
	CheckpointID string          `json:"checkpoint_id"`
	TargetID     string          `json:"target_id"`
	CreatedAt    time.Time       `json:"created_at"`
	Scope        Scope           `json:"scope"`
	ContentHash  string          `json:"content_hash"`
	StorageRef   string          `json:"storage_ref"`
	Size         int64           `json:"size"`
	Valid        bool            `json:"valid"`
	Label        CheckpointLabel `json:"label"`
	IncidentID   string          `json:"incident_id,omitempty"`
	// RetainUntil is set once a pre-recovery checkpoint's incident closes.
	RetainUntil *time.Time `json:"retain_until,omitempty"`
}
