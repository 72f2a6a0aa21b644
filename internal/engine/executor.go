package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/miradorstack/mirador-recovery/internal/checkpoint"
	"github.com/miradorstack/mirador-recovery/internal/metrics"
	"github.com/miradorstack/mirador-recovery/internal/models"
	"github.com/miradorstack/mirador-recovery/internal/utils"
)

var tracer = otel.Tracer("mirador-recovery/engine")

// Breaker-guarded dependencies used by strategies.
const (
	DependencyControlPlane    = "control-plane"
	DependencyCheckpointStore = "checkpoint-store"
)

// ErrHalted is recorded when an abandoned incident stops a strategy between steps.
var ErrHalted = errors.New("halted at safe point: incident abandoned")

// TargetController is the control surface of a supervised target.
type TargetController interface {
	Stop(ctx context.Context, targetID string) error
	Start(ctx context.Context, targetID string) error
	Restart(ctx context.Context, targetID string) error
	RestartSafeMode(ctx context.Context, targetID, profile string) error
	Reprovision(ctx context.Context, targetID string) error
}

// Checkpoints is the part of the checkpoint store strategies rely on.
type Checkpoints interface {
	Snapshot(ctx context.Context, targetID string, scope models.Scope, label models.CheckpointLabel, incidentID string) (models.CheckpointSnapshot, error)
	LatestValid(ctx context.Context, targetID string, scope models.Scope, before time.Time) (models.CheckpointSnapshot, error)
	LastKnownGood(ctx context.Context, targetID, component string) (models.CheckpointSnapshot, error)
	Restore(ctx context.Context, id string, scope models.Scope) (checkpoint.RestoreResult, error)
}

// HealthChecker probes a target once, outside the regular polling schedule.
type HealthChecker interface {
	Check(ctx context.Context, targetID string) models.HealthCheckResult
}

// AttemptLog records attempt lifecycles. incident.Manager implements it.
type AttemptLog interface {
	BeginAttempt(ctx context.Context, incidentID string, strategy models.Strategy, forced bool) (models.RecoveryAttempt, error)
	FinishAttempt(ctx context.Context, incidentID, attemptID string, outcome models.AttemptOutcome, notes, checkpointID string) (*models.Incident, error)
}

// OutcomeRecorder feeds finished attempts into the learning store.
type OutcomeRecorder interface {
	Record(ctx context.Context, signature string, attempt models.RecoveryAttempt) (models.LearningRecord, error)
}

// Breakers guards calls to external dependencies.
type Breakers interface {
	Execute(ctx context.Context, dependency string, fn func(ctx context.Context) error) error
}

// ExecutorDeps wires the collaborators of an Executor.
type ExecutorDeps struct {
	Attempts     AttemptLog
	Controller   TargetController
	Checkpoints  Checkpoints
	Breakers     Breakers
	Health       HealthChecker
	Learning     OutcomeRecorder
	Dependencies *DependencyPlanner
}

// ExecutorOptions tunes strategy execution.
type ExecutorOptions struct {
	// Timeout returns the execution budget of a strategy; nil uses the ladder defaults.
	Timeout         func(models.Strategy) time.Duration
	SafeModeProfile string
	RecheckTimeout  time.Duration
	RecheckInterval time.Duration
	Now             utils.Clock
	Logger          *slog.Logger
}

// ExecOptions carries per-attempt flags.
type ExecOptions struct {
	Forced bool
	// Halt is closed when the incident is abandoned. Strategies stop at the next step boundary.
	Halt <-chan struct{}
}

// Executor runs recovery strategies against targets.
type Executor struct {
	deps   ExecutorDeps
	opts   ExecutorOptions
	logger *slog.Logger
}

// NewExecutor constructs an Executor.
func NewExecutor(deps ExecutorDeps, opts ExecutorOptions) *Executor {
	if opts.RecheckTimeout <= 0 {
		opts.RecheckTimeout = 60 * time.Second
	}
	if opts.RecheckInterval <= 0 {
		opts.RecheckInterval = 5 * time.Second
	}
	if opts.SafeModeProfile == "" {
		opts.SafeModeProfile = "minimal"
	}
	if opts.Now == nil {
		opts.Now = utils.SystemClock
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{deps: deps, opts: opts, logger: logger}
}

func (e *Executor) timeout(strategy models.Strategy) time.Duration {
	if e.opts.Timeout != nil {
		if d := e.opts.Timeout(strategy); d > 0 {
			return d
		}
	}
	spec, _ := strategy.Spec()
	return spec.Timeout
}

// run carries per-attempt state through the strategy steps.
type run struct {
	incident *models.Incident
	strategy models.Strategy
	halt     <-chan struct{}
	notes    []string
	restored string
}

func (r *run) note(format string, args ...interface{}) {
	r.notes = append(r.notes, fmt.Sprintf(format, args...))
}

func (r *run) step(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case <-r.halt:
		return ErrHalted
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

// Preflight checks that the checkpoint a strategy restores from exists and validates. It
// returns an error wrapping checkpoint.ErrNoValidCheckpoint when the strategy cannot run.
func (e *Executor) Preflight(ctx context.Context, incident *models.Incident, strategy models.Strategy) error {
	_, _, err := e.restoreSource(ctx, incident, strategy)
	return err
}

// restoreSource picks the checkpoint and scope a strategy restores. Strategies that do not
// restore return a zero snapshot.
func (e *Executor) restoreSource(ctx context.Context, incident *models.Incident, strategy models.Strategy) (models.CheckpointSnapshot, models.Scope, error) {
	var (
		scope  models.Scope
		lookup func(ctx context.Context) (models.CheckpointSnapshot, error)
	)
	switch strategy {
	case models.StrategyConfigRollback:
		scope = models.PartialScope(models.ComponentConfig)
		lookup = func(ctx context.Context) (models.CheckpointSnapshot, error) {
			return e.deps.Checkpoints.LastKnownGood(ctx, incident.TargetID, models.ComponentConfig)
		}
	case models.StrategyBackupRestore:
		scope = models.PartialScope(models.ComponentData)
		lookup = func(ctx context.Context) (models.CheckpointSnapshot, error) {
			return e.deps.Checkpoints.LatestValid(ctx, incident.TargetID, scope, incident.OpenedAt)
		}
	case models.StrategyFullBootstrap:
		scope = models.FullScope()
		lookup = func(ctx context.Context) (models.CheckpointSnapshot, error) {
			return e.deps.Checkpoints.LatestValid(ctx, incident.TargetID, scope, incident.OpenedAt)
		}
	default:
		return models.CheckpointSnapshot{}, models.Scope{}, nil
	}
	if e.deps.Checkpoints == nil {
		return models.CheckpointSnapshot{}, scope, fmt.Errorf("%w: checkpoint store not configured", checkpoint.ErrNoValidCheckpoint)
	}

	var (
		snap    models.CheckpointSnapshot
		missing error
	)
	err := e.guard(ctx, DependencyCheckpointStore, func(ctx context.Context) error {
		found, err := lookup(ctx)
		if errors.Is(err, checkpoint.ErrNoValidCheckpoint) {
			// an empty store is an answer, not a dependency failure
			missing = err
			return nil
		}
		snap = found
		return err
	})
	if err != nil {
		return models.CheckpointSnapshot{}, scope, err
	}
	if missing != nil {
		return models.CheckpointSnapshot{}, scope, missing
	}
	return snap, scope, nil
}

func (e *Executor) guard(ctx context.Context, dependency string, fn func(ctx context.Context) error) error {
	if e.deps.Breakers == nil {
		return fn(ctx)
	}
	return e.deps.Breakers.Execute(ctx, dependency, fn)
}

func (e *Executor) control(ctx context.Context, fn func(ctx context.Context) error) error {
	if e.deps.Controller == nil {
		return errors.New("target controller not configured")
	}
	return e.guard(ctx, DependencyControlPlane, fn)
}

// Execute runs strategy against the incident's target and records the attempt. Strategy
// failures are reported through the attempt outcome; the error is only set when the attempt
// could not be started or recorded.
func (e *Executor) Execute(ctx context.Context, incident *models.Incident, strategy models.Strategy, opts ExecOptions) (models.RecoveryAttempt, error) {
	attempt, err := e.deps.Attempts.BeginAttempt(ctx, incident.IncidentID, strategy, opts.Forced)
	if err != nil {
		return models.RecoveryAttempt{}, err
	}

	ctx, span := tracer.Start(ctx, "recovery.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("incident_id", incident.IncidentID),
		attribute.String("target_id", incident.TargetID),
		attribute.String("strategy", string(strategy)),
		attribute.Bool("forced", opts.Forced),
	)

	budget := e.timeout(strategy)
	r := &run{incident: incident, strategy: strategy, halt: opts.Halt}
	runCtx, cancel := context.WithTimeout(ctx, budget)
	runErr := e.runStrategy(runCtx, r)
	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded)
	cancel()

	outcome := models.AttemptSuccess
	switch {
	case timedOut:
		outcome = models.AttemptTimeout
		r.note("exceeded %s timeout", budget)
	case runErr != nil:
		outcome = models.AttemptFailure
		r.note("%s", runErr.Error())
	default:
		healthy, detail := e.recheck(ctx, r)
		if !healthy {
			outcome = models.AttemptFailure
			r.note("post-recovery health check failed: %s", detail)
		} else {
			r.note("post-recovery health check passed")
		}
	}

	finishCtx := context.WithoutCancel(ctx)
	updated, err := e.deps.Attempts.FinishAttempt(finishCtx, incident.IncidentID, attempt.AttemptID, outcome, strings.Join(r.notes, "; "), r.restored)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return attempt, fmt.Errorf("record attempt %s: %w", attempt.AttemptID, err)
	}
	for _, a := range updated.Attempts {
		if a.AttemptID == attempt.AttemptID {
			attempt = a
			break
		}
	}

	metrics.ObserveAttempt(strategy, outcome, attempt.Duration())
	span.SetAttributes(attribute.String("outcome", string(outcome)))
	if outcome != models.AttemptSuccess {
		span.SetStatus(codes.Error, attempt.Notes)
	}

	if e.deps.Learning != nil && incident.FailureSignature != "" {
		if _, err := e.deps.Learning.Record(finishCtx, incident.FailureSignature, attempt); err != nil {
			e.logger.Warn("learning update failed",
				slog.String("incident_id", incident.IncidentID),
				slog.String("strategy", string(strategy)),
				slog.Any("error", err))
		}
	}
	return attempt, nil
}

func (e *Executor) runStrategy(ctx context.Context, r *run) error {
	target := r.incident.TargetID
	switch r.strategy {
	case models.StrategyQuickRestart:
		if err := r.step(ctx, func(ctx context.Context) error {
			return e.control(ctx, func(ctx context.Context) error { return e.deps.Controller.Stop(ctx, target) })
		}); err != nil {
			return fmt.Errorf("stop: %w", err)
		}
		if err := r.step(ctx, func(ctx context.Context) error {
			return e.control(ctx, func(ctx context.Context) error { return e.deps.Controller.Start(ctx, target) })
		}); err != nil {
			return fmt.Errorf("start: %w", err)
		}
		r.note("process restarted")
		return nil

	case models.StrategySafeModeRestart:
		profile := e.opts.SafeModeProfile
		if err := r.step(ctx, func(ctx context.Context) error {
			return e.control(ctx, func(ctx context.Context) error { return e.deps.Controller.RestartSafeMode(ctx, target, profile) })
		}); err != nil {
			return fmt.Errorf("safe mode restart: %w", err)
		}
		r.note("restarted with %q profile", profile)
		return nil

	case models.StrategyConfigRollback:
		snap, scope, err := e.restoreSource(ctx, r.incident, r.strategy)
		if err != nil {
			return err
		}
		e.preRecovery(ctx, r, scope)
		if err := e.restore(ctx, r, snap, scope); err != nil {
			return err
		}
		return e.restart(ctx, r)

	case models.StrategyDependencyRestart:
		order, err := e.deps.Dependencies.RestartOrder(ctx, target)
		if err != nil {
			return err
		}
		for _, dep := range order {
			if err := r.step(ctx, func(ctx context.Context) error {
				return e.control(ctx, func(ctx context.Context) error { return e.deps.Controller.Restart(ctx, dep) })
			}); err != nil {
				return fmt.Errorf("restart dependency %s: %w", dep, err)
			}
		}
		if len(order) > 0 {
			r.note("restarted dependencies %s", strings.Join(order, ", "))
		} else {
			r.note("no declared dependencies")
		}
		return e.restart(ctx, r)

	case models.StrategyBackupRestore:
		snap, scope, err := e.restoreSource(ctx, r.incident, r.strategy)
		if err != nil {
			return err
		}
		e.preRecovery(ctx, r, models.FullScope())
		if err := r.step(ctx, func(ctx context.Context) error {
			return e.control(ctx, func(ctx context.Context) error { return e.deps.Controller.Stop(ctx, target) })
		}); err != nil {
			return fmt.Errorf("stop: %w", err)
		}
		if err := e.restore(ctx, r, snap, scope); err != nil {
			return err
		}
		if err := r.step(ctx, func(ctx context.Context) error {
			return e.control(ctx, func(ctx context.Context) error { return e.deps.Controller.Start(ctx, target) })
		}); err != nil {
			return fmt.Errorf("start: %w", err)
		}
		return nil

	case models.StrategyFullBootstrap:
		snap, scope, err := e.restoreSource(ctx, r.incident, r.strategy)
		if err != nil {
			return err
		}
		e.preRecovery(ctx, r, scope)
		if err := r.step(ctx, func(ctx context.Context) error {
			return e.control(ctx, func(ctx context.Context) error { return e.deps.Controller.Stop(ctx, target) })
		}); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		if err := r.step(ctx, func(ctx context.Context) error {
			return e.control(ctx, func(ctx context.Context) error { return e.deps.Controller.Reprovision(ctx, target) })
		}); err != nil {
			return fmt.Errorf("re-provision: %w", err)
		}
		r.note("re-provisioned")
		if err := e.restore(ctx, r, snap, scope); err != nil {
			return err
		}
		if err := r.step(ctx, func(ctx context.Context) error {
			return e.control(ctx, func(ctx context.Context) error { return e.deps.Controller.Start(ctx, target) })
		}); err != nil {
			return fmt.Errorf("start: %w", err)
		}
		return nil
	}
	return fmt.Errorf("unknown strategy %q", r.strategy)
}

func (e *Executor) restart(ctx context.Context, r *run) error {
	target := r.incident.TargetID
	if err := r.step(ctx, func(ctx context.Context) error {
		return e.control(ctx, func(ctx context.Context) error { return e.deps.Controller.Restart(ctx, target) })
	}); err != nil {
		return fmt.Errorf("restart: %w", err)
	}
	return nil
}

// preRecovery snapshots the target before an invasive action. A failed snapshot is noted but
// does not block recovery of a target that is already down.
func (e *Executor) preRecovery(ctx context.Context, r *run, scope models.Scope) {
	var snap models.CheckpointSnapshot
	err := r.step(ctx, func(ctx context.Context) error {
		return e.guard(ctx, DependencyCheckpointStore, func(ctx context.Context) (err error) {
			snap, err = e.deps.Checkpoints.Snapshot(ctx, r.incident.TargetID, scope, models.LabelPreRecovery, r.incident.IncidentID)
			return err
		})
	})
	if err != nil {
		r.note("pre-recovery snapshot failed: %v", err)
		e.logger.Warn("pre-recovery snapshot failed",
			slog.String("incident_id", r.incident.IncidentID),
			slog.String("target_id", r.incident.TargetID),
			slog.Any("error", err))
		return
	}
	r.note("pre-recovery checkpoint %s", snap.CheckpointID)
}

func (e *Executor) restore(ctx context.Context, r *run, snap models.CheckpointSnapshot, scope models.Scope) error {
	var result checkpoint.RestoreResult
	err := r.step(ctx, func(ctx context.Context) error {
		return e.guard(ctx, DependencyCheckpointStore, func(ctx context.Context) (err error) {
			result, err = e.deps.Checkpoints.Restore(ctx, snap.CheckpointID, scope)
			return err
		})
	})
	if err != nil {
		return fmt.Errorf("restore %s: %w", snap.CheckpointID, err)
	}
	r.restored = snap.CheckpointID
	r.note("restored checkpoint %s (%d applied, %d unchanged)", snap.CheckpointID, len(result.Applied), len(result.Unchanged))
	return nil
}

// recheck polls the target until it reports healthy or the recheck budget runs out.
func (e *Executor) recheck(ctx context.Context, r *run) (bool, string) {
	if e.deps.Health == nil {
		return true, ""
	}
	ctx, cancel := context.WithTimeout(ctx, e.opts.RecheckTimeout)
	defer cancel()

	ticker := time.NewTicker(e.opts.RecheckInterval)
	defer ticker.Stop()
	detail := "no health result"
	for {
		result := e.deps.Health.Check(ctx, r.incident.TargetID)
		if result.Healthy() {
			return true, ""
		}
		detail = string(result.Outcome)
		if result.Detail != "" {
			detail += ": " + result.Detail
		}
		select {
		case <-ctx.Done():
			return false, detail
		case <-r.halt:
			return false, ErrHalted.Error()
		case <-ticker.C:
		}
	}
}
