package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/miradorstack/mirador-recovery/internal/incident"
	"github.com/miradorstack/mirador-recovery/internal/models"
	"github.com/miradorstack/mirador-recovery/internal/repo"
	"github.com/miradorstack/mirador-recovery/internal/storage"
)

// GetIncident returns a copy of one incident.
func (o *Orchestrator) GetIncident(incidentID string) (*models.Incident, error) {
	return o.deps.Incidents.Get(incidentID)
}

// Events returns the append-only log of one incident.
func (o *Orchestrator) Events(ctx context.Context, incidentID string) ([]storage.IncidentEvent, error) {
	return o.deps.Incidents.Events(ctx, incidentID)
}

// ListOpenIncidents returns every active incident, oldest first.
func (o *Orchestrator) ListOpenIncidents() []*models.Incident {
	return o.deps.Incidents.ListOpen()
}

// ListIncidents returns every incident known to this process, oldest first.
func (o *Orchestrator) ListIncidents() []*models.Incident {
	return o.deps.Incidents.List()
}

// Abandon stops automation on an incident. An attempt in flight halts at its next safe point
// and is still recorded.
func (o *Orchestrator) Abandon(ctx context.Context, incidentID, reason string) (*models.Incident, error) {
	inc, err := o.deps.Incidents.Abandon(ctx, incidentID, reason)
	if err != nil {
		return nil, err
	}
	o.finalize(ctx, inc, false)
	return inc, nil
}

// ForceStrategy queues one out-of-order attempt. The ladder position of later automatic attempts
// is unaffected.
func (o *Orchestrator) ForceStrategy(ctx context.Context, incidentID string, strategy models.Strategy) (*models.Incident, error) {
	if !strategy.Valid() {
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownStrategy, strategy)
	}
	inc, err := o.deps.Incidents.Get(incidentID)
	if err != nil {
		return nil, err
	}
	if inc.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", incident.ErrIncidentClosed, incidentID, inc.Status)
	}
	if running, ok := inc.InFlight(); ok {
		return nil, fmt.Errorf("%w: %s (%s)", incident.ErrAttemptInFlight, running.AttemptID, running.Strategy)
	}
	d, err := o.driverFor(incidentID)
	if err != nil {
		return nil, err
	}
	d.force(strategy)
	o.logger.Info("strategy forced by operator",
		slog.String("incident_id", incidentID),
		slog.String("strategy", string(strategy)))
	return inc, nil
}

// Acknowledge approves the strategy an incident waits on. After a level 5 escalation the
// approved FullBootstrap runs immediately.
func (o *Orchestrator) Acknowledge(ctx context.Context, incidentID string) (*models.Incident, error) {
	strategy, inc, err := o.deps.Incidents.Acknowledge(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	d, err := o.driverFor(incidentID)
	if err != nil {
		return inc, err
	}
	if inc.Status == models.IncidentEscalated && strategy == models.StrategyFullBootstrap {
		d.force(strategy)
	} else {
		d.signal()
	}
	return inc, nil
}

// Close resolves an incident at operator request.
func (o *Orchestrator) Close(ctx context.Context, incidentID string) (*models.Incident, error) {
	inc, err := o.deps.Incidents.Close(ctx, incidentID)
	if err != nil {
		return nil, err
	}
	o.finalize(ctx, inc, false)
	return inc, nil
}

// PauseAutomation stops automatic strategy selection. Forced strategies still run.
func (o *Orchestrator) PauseAutomation() {
	o.mu.Lock()
	o.paused = true
	o.mu.Unlock()
	o.logger.Info("automation paused")
}

// ResumeAutomation clears a pause and returns every escalated incident to the bottom of a fresh
// ladder. It returns the incidents that were resumed.
func (o *Orchestrator) ResumeAutomation(ctx context.Context) ([]*models.Incident, error) {
	o.mu.Lock()
	o.paused = false
	o.mu.Unlock()

	var resumed []*models.Incident
	for _, inc := range o.deps.Incidents.ListOpen() {
		if inc.Status != models.IncidentEscalated {
			if d := o.driver(inc.IncidentID); d != nil {
				d.signal()
			}
			continue
		}
		updated, err := o.deps.Incidents.ResumeAutomation(ctx, inc.IncidentID)
		if err != nil {
			return resumed, fmt.Errorf("resume %s: %w", inc.IncidentID, err)
		}
		o.deps.Escalation.Reset(inc.IncidentID)
		if d := o.driver(inc.IncidentID); d != nil {
			d.rearm()
		} else {
			o.spawn(inc.IncidentID)
		}
		resumed = append(resumed, updated)
	}
	o.logger.Info("automation resumed", slog.Int("incidents", len(resumed)))
	return resumed, nil
}

// Status reports activity counters.
func (o *Orchestrator) Status() Stats {
	o.mu.Lock()
	paused := o.paused
	o.mu.Unlock()

	stats := Stats{
		Mode:                 o.opts.Mode,
		Paused:               paused,
		Targets:              len(o.opts.Targets),
		HealthChecks:         o.healthChecks.Load(),
		Incidents:            len(o.deps.Incidents.List()),
		OpenIncidents:        len(o.deps.Incidents.ListOpen()),
		Recoveries:           o.recoveries.Load(),
		SuccessfulRecoveries: o.successes.Load(),
		FailedRecoveries:     o.failures.Load(),
		Escalations:          o.deps.Escalation.Fired(),
	}
	stats.RecoveryDurations = o.durations.Summary()
	stats.P95RecoveryDuration = stats.RecoveryDurations.P95
	if stats.Recoveries > 0 {
		stats.SuccessRate = float64(stats.SuccessfulRecoveries) / float64(stats.Recoveries)
	}
	return stats
}

// Breakers returns the state of every circuit breaker.
func (o *Orchestrator) Breakers() []models.CircuitBreakerState {
	if o.deps.Breakers == nil {
		return nil
	}
	return o.deps.Breakers.States()
}

// Checkpoints lists checkpoint metadata of a target, newest first.
func (o *Orchestrator) Checkpoints(ctx context.Context, targetID string) ([]models.CheckpointSnapshot, error) {
	if o.deps.Checkpoints == nil {
		return nil, nil
	}
	if !o.supervises(targetID) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, targetID)
	}
	return o.deps.Checkpoints.List(ctx, targetID)
}

// TakeCheckpoint captures an on-demand snapshot. An empty component captures the full scope.
func (o *Orchestrator) TakeCheckpoint(ctx context.Context, targetID, component string) (models.CheckpointSnapshot, error) {
	if o.deps.Checkpoints == nil {
		return models.CheckpointSnapshot{}, ErrNotStarted
	}
	if !o.supervises(targetID) {
		return models.CheckpointSnapshot{}, fmt.Errorf("%w: %s", ErrUnknownTarget, targetID)
	}
	scope := models.FullScope()
	if component != "" {
		scope = models.PartialScope(component)
	}
	var snap models.CheckpointSnapshot
	err := o.guardCheckpoints(ctx, func(ctx context.Context) error {
		var err error
		snap, err = o.deps.Checkpoints.Snapshot(ctx, targetID, scope, models.LabelOnDemand, "")
		return err
	})
	return snap, err
}

// Learning reports recorded strategy outcomes and the profiles mined from incident history.
func (o *Orchestrator) Learning(ctx context.Context) (LearningReport, error) {
	var report LearningReport
	if o.deps.Learning != nil {
		records, err := o.deps.Learning.All(ctx)
		if err != nil {
			return report, err
		}
		report.Records = records
	}
	if o.deps.Miner != nil {
		report.Profiles = o.deps.Miner.Mine(o.deps.Incidents.List())
	}
	return report, nil
}

// SimilarIncidents returns archived incidents sharing the failure signature of incidentID.
func (o *Orchestrator) SimilarIncidents(ctx context.Context, incidentID string, limit int) ([]repo.ArchivedIncident, error) {
	inc, err := o.deps.Incidents.Get(incidentID)
	if err != nil {
		return nil, err
	}
	if o.deps.Archive == nil {
		return nil, nil
	}
	return o.deps.Archive.SimilarIncidents(ctx, inc.FailureSignature, limit)
}

func (o *Orchestrator) driverFor(incidentID string) (*driver, error) {
	o.mu.Lock()
	started := o.started && !o.stopping
	o.mu.Unlock()
	if !started {
		return nil, ErrNotStarted
	}
	o.spawn(incidentID)
	if d := o.driver(incidentID); d != nil {
		return d, nil
	}
	return nil, ErrNotStarted
}

func (o *Orchestrator) supervises(targetID string) bool {
	_, ok := o.deps.Incidents.Target(targetID)
	return ok
}
