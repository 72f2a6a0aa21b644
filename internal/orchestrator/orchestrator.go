package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/miradorstack/mirador-recovery/internal/breaker"
	"github.com/miradorstack/mirador-recovery/internal/checkpoint"
	"github.com/miradorstack/mirador-recovery/internal/engine"
	"github.com/miradorstack/mirador-recovery/internal/escalation"
	"github.com/miradorstack/mirador-recovery/internal/health"
	"github.com/miradorstack/mirador-recovery/internal/incident"
	"github.com/miradorstack/mirador-recovery/internal/learning"
	"github.com/miradorstack/mirador-recovery/internal/models"
	"github.com/miradorstack/mirador-recovery/internal/repo"
	"github.com/miradorstack/mirador-recovery/internal/utils"
)

var (
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("orchestrator already started")
	// ErrNotStarted is returned by operations that need the running orchestrator.
	ErrNotStarted = errors.New("orchestrator not started")
	// ErrUnknownTarget is returned for targets that are not supervised.
	ErrUnknownTarget = errors.New("unknown target")
)

// ServingStatus publishes per-target availability, typically a grpc health.Server.
type ServingStatus interface {
	SetServingStatus(service string, status healthpb.HealthCheckResponse_ServingStatus)
}

// Archive stores closed incidents for post-mortems.
type Archive interface {
	Archive(ctx context.Context, incident *models.Incident) error
	SimilarIncidents(ctx context.Context, signature string, limit int) ([]repo.ArchivedIncident, error)
}

// Deps wires the components the orchestrator coordinates. Monitor, Scheduler, ConfigStore,
// Archive and Health are optional.
type Deps struct {
	Incidents   *incident.Manager
	Selector    *engine.Selector
	Executor    *engine.Executor
	Escalation  *escalation.Engine
	Monitor     *health.Monitor
	Checkpoints *checkpoint.Store
	Scheduler   *checkpoint.Scheduler
	Breakers    *breaker.Registry
	Learning    *learning.Store
	Miner       *learning.Miner
	ConfigStore repo.ConfigStore
	Archive     Archive
	Health      ServingStatus
}

// Options tunes automation.
type Options struct {
	Mode models.OperatingMode
	// Targets lists supervised targets; defaults to the monitor's targets.
	Targets []models.Target
	// RetryDelay separates consecutive automatic attempts on one incident.
	RetryDelay          time.Duration
	NoCheckpointLevel   int
	ApprovalLevel       int
	BootstrapWithoutAck bool
	InboxSize           int
	ArchiveTimeout      time.Duration
	Now                 utils.Clock
	Logger              *slog.Logger
}

// Stats summarises orchestrator activity since start.
type Stats struct {
	Mode                 models.OperatingMode `json:"mode"`
	Paused               bool                 `json:"paused"`
	Targets              int                  `json:"targets"`
	HealthChecks         int64                `json:"health_checks"`
	Incidents            int                  `json:"incidents"`
	OpenIncidents        int                  `json:"open_incidents"`
	Recoveries           int64                `json:"recoveries"`
	SuccessfulRecoveries int64                `json:"successful_recoveries"`
	FailedRecoveries     int64                `json:"failed_recoveries"`
	Escalations          int64                `json:"escalations"`
	SuccessRate          float64              `json:"success_rate"`
	P95RecoveryDuration  time.Duration        `json:"p95_recovery_duration"`
	RecoveryDurations    utils.LatencySummary `json:"recovery_durations"`
}

// LearningReport pairs raw outcome records with profiles mined from incident history.
type LearningReport struct {
	Records  []models.LearningRecord   `json:"records"`
	Profiles []models.SignatureProfile `json:"profiles"`
}

// Orchestrator is the process singleton tying health monitoring, incident management,
// recovery execution and escalation together.
type Orchestrator struct {
	deps   Deps
	opts   Options
	logger *slog.Logger

	inbox     chan models.HealthCheckResult
	durations *utils.LatencyTracker

	healthChecks atomic.Int64
	recoveries   atomic.Int64
	successes    atomic.Int64
	failures     atomic.Int64

	mu       sync.Mutex
	started  bool
	stopping bool
	paused   bool
	runCtx   context.Context
	cancel   context.CancelFunc
	group    *errgroup.Group
	drivers  map[string]*driver
	driverWG sync.WaitGroup
}

// New constructs an Orchestrator. When a monitor is supplied its results are routed to the
// orchestrator.
func New(deps Deps, opts Options) (*Orchestrator, error) {
	if deps.Incidents == nil || deps.Selector == nil || deps.Executor == nil || deps.Escalation == nil {
		return nil, errors.New("orchestrator requires incidents, selector, executor and escalation")
	}
	if opts.Mode == "" {
		opts.Mode = models.ModeSupervised
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	}
	if opts.NoCheckpointLevel <= 0 {
		opts.NoCheckpointLevel = 4
	}
	if opts.ApprovalLevel <= 0 {
		opts.ApprovalLevel = 4
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = 1024
	}
	if opts.ArchiveTimeout <= 0 {
		opts.ArchiveTimeout = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = utils.SystemClock
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if len(opts.Targets) == 0 && deps.Monitor != nil {
		opts.Targets = deps.Monitor.Targets()
	}
	o := &Orchestrator{
		deps:      deps,
		opts:      opts,
		logger:    opts.Logger,
		inbox:     make(chan models.HealthCheckResult, opts.InboxSize),
		durations: utils.NewLatencyTracker(1024),
		drivers:   make(map[string]*driver),
	}
	for _, target := range opts.Targets {
		deps.Incidents.RegisterTarget(target)
	}
	if deps.Monitor != nil {
		deps.Monitor.SetSink(func(ctx context.Context, result models.HealthCheckResult) {
			if err := o.Report(ctx, result); err != nil && ctx.Err() == nil {
				o.logger.Warn("health result dropped", slog.String("target_id", result.TargetID), slog.Any("error", err))
			}
		})
	}
	if deps.Scheduler != nil {
		deps.Scheduler.Skip = func(targetID string) bool {
			_, open := deps.Incidents.GetOpenIncident(targetID)
			return open
		}
	}
	return o, nil
}

// Start reloads persisted incidents, resumes their recovery and starts every background loop.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	group, groupCtx := errgroup.WithContext(runCtx)
	o.started = true
	o.runCtx = groupCtx
	o.cancel = cancel
	o.group = group
	o.mu.Unlock()

	active, err := o.deps.Incidents.Load(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("reload incidents: %w", err)
	}

	o.setServing("", healthpb.HealthCheckResponse_SERVING)
	for _, target := range o.opts.Targets {
		status := healthpb.HealthCheckResponse_SERVING
		if _, open := o.deps.Incidents.GetOpenIncident(target.ID); open {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		o.setServing(serviceName(target.ID), status)
	}
	o.seedKnownGood(ctx)

	for _, inc := range active {
		o.logger.Info("resuming incident",
			slog.String("incident_id", inc.IncidentID),
			slog.String("target_id", inc.TargetID),
			slog.String("status", string(inc.Status)))
		o.deps.Escalation.Watch(inc)
		o.spawn(inc.IncidentID)
	}

	group.Go(func() error { return o.consume(groupCtx) })
	group.Go(func() error { return o.deps.Escalation.Run(groupCtx) })
	if o.deps.Monitor != nil {
		group.Go(func() error { return o.deps.Monitor.Run(groupCtx) })
	}
	if o.deps.Scheduler != nil {
		group.Go(func() error { return o.deps.Scheduler.Run(groupCtx) })
	}

	o.logger.Info("orchestrator started",
		slog.String("mode", string(o.opts.Mode)),
		slog.Int("targets", len(o.opts.Targets)),
		slog.Int("open_incidents", len(active)))
	return nil
}

// Shutdown stops every loop and waits for in-flight attempts to be recorded.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if !o.started || o.stopping {
		o.mu.Unlock()
		return nil
	}
	o.stopping = true
	cancel, group := o.cancel, o.group
	o.mu.Unlock()

	cancel()
	done := make(chan error, 1)
	go func() {
		err := group.Wait()
		o.driverWG.Wait()
		done <- err
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	o.deps.Escalation.Stop()
	o.setServing("", healthpb.HealthCheckResponse_NOT_SERVING)
	o.logger.Info("orchestrator stopped")
	return err
}

// Report queues a health result for the incident manager.
func (o *Orchestrator) Report(ctx context.Context, result models.HealthCheckResult) error {
	select {
	case o.inbox <- result:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) consume(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case result := <-o.inbox:
			o.handle(ctx, result)
		}
	}
}

func (o *Orchestrator) handle(ctx context.Context, result models.HealthCheckResult) {
	o.healthChecks.Add(1)
	update, err := o.deps.Incidents.ReportHealth(ctx, result)
	if err != nil {
		o.logger.Error("health report failed", slog.String("target_id", result.TargetID), slog.Any("error", err))
		return
	}
	switch update.Kind {
	case incident.UpdateOpened:
		o.setServing(serviceName(result.TargetID), healthpb.HealthCheckResponse_NOT_SERVING)
		o.deps.Escalation.Watch(update.Incident)
		o.spawn(update.Incident.IncidentID)
	case incident.UpdateAppended:
		if d := o.driver(update.Incident.IncidentID); d != nil {
			d.relapse(result.Timestamp)
		} else {
			o.spawn(update.Incident.IncidentID)
		}
	case incident.UpdateResolved:
		o.finalize(ctx, update.Incident, true)
	}
}

func (o *Orchestrator) spawn(incidentID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.started || o.stopping {
		return
	}
	if _, ok := o.drivers[incidentID]; ok {
		return
	}
	d := newDriver(incidentID)
	o.drivers[incidentID] = d
	ctx := o.runCtx
	o.driverWG.Add(1)
	go func() {
		defer o.driverWG.Done()
		defer o.dropDriver(incidentID, d)
		o.drive(ctx, d)
	}()
}

func (o *Orchestrator) driver(incidentID string) *driver {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.drivers[incidentID]
}

func (o *Orchestrator) dropDriver(incidentID string, d *driver) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.drivers[incidentID] == d {
		delete(o.drivers, incidentID)
	}
}

func (o *Orchestrator) automationEnabled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return !o.paused && o.opts.Mode != models.ModeManual
}

// drive walks the ladder for one incident until it closes.
func (o *Orchestrator) drive(ctx context.Context, d *driver) {
	for ctx.Err() == nil {
		inc, err := o.deps.Incidents.Get(d.incidentID)
		if err != nil || inc.Status.Terminal() {
			return
		}

		if strategy, ok := d.takeForced(); ok {
			if retry := o.execute(ctx, d, inc, strategy, true); retry {
				o.pause(ctx, d, o.opts.RetryDelay)
			}
			continue
		}

		if !o.ready(inc, d) {
			if !o.wait(ctx, d) {
				return
			}
			continue
		}
		if retry := o.step(ctx, d, inc); retry {
			o.pause(ctx, d, o.opts.RetryDelay)
		}
	}
}

// ready reports whether automation may pick the next strategy for inc.
func (o *Orchestrator) ready(inc *models.Incident, d *driver) bool {
	if inc.Status == models.IncidentEscalated || inc.AwaitingApproval != models.StrategyNone {
		return false
	}
	if _, running := inc.InFlight(); running {
		return false
	}
	return o.automationEnabled() && d.isPending()
}

func (o *Orchestrator) wait(ctx context.Context, d *driver) bool {
	select {
	case <-ctx.Done():
		return false
	case <-d.halt:
		return true
	case <-d.wake:
		return true
	}
}

func (o *Orchestrator) pause(ctx context.Context, d *driver, delay time.Duration) {
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-d.halt:
	case <-timer.C:
	}
}

// step takes one automatic ladder decision. It returns true when the retry delay applies.
func (o *Orchestrator) step(ctx context.Context, d *driver, inc *models.Incident) bool {
	selection, err := o.deps.Selector.Next(ctx, inc)
	if err != nil {
		o.logger.Error("strategy selection failed", slog.String("incident_id", inc.IncidentID), slog.Any("error", err))
		return true
	}
	if selection.Exhausted() {
		o.stopAndPage(ctx, inc, escalation.KindExhausted, models.EscalationLevelDisaster, "all recovery strategies exhausted")
		return false
	}
	strategy := selection.Strategy

	if o.needsApproval(inc, strategy) {
		updated, err := o.deps.Incidents.AwaitApproval(ctx, inc.IncidentID, strategy)
		if err != nil {
			o.logger.Error("approval request failed", slog.String("incident_id", inc.IncidentID), slog.Any("error", err))
			return true
		}
		level := o.opts.ApprovalLevel
		if strategy == models.StrategyFullBootstrap {
			level = models.EscalationLevelDisaster
		}
		o.page(ctx, updated, escalation.KindApproval, level, fmt.Sprintf("%s requires operator approval", strategy))
		return false
	}

	if err := o.deps.Executor.Preflight(ctx, inc, strategy); err != nil {
		if errors.Is(err, checkpoint.ErrNoValidCheckpoint) {
			o.stopAndPage(ctx, inc, escalation.KindNoCheckpoint, o.opts.NoCheckpointLevel, fmt.Sprintf("%s cannot run: %v", strategy, err))
			return false
		}
		o.logger.Warn("strategy preflight failed",
			slog.String("incident_id", inc.IncidentID),
			slog.String("strategy", string(strategy)),
			slog.Any("error", err))
	}
	return o.execute(ctx, d, inc, strategy, false)
}

func (o *Orchestrator) needsApproval(inc *models.Incident, strategy models.Strategy) bool {
	if inc.IsApproved(strategy) {
		return false
	}
	switch strategy {
	case models.StrategyBackupRestore:
		return o.opts.Mode != models.ModeAutonomous
	case models.StrategyFullBootstrap:
		return !o.opts.BootstrapWithoutAck
	default:
		return false
	}
}

func (o *Orchestrator) execute(ctx context.Context, d *driver, inc *models.Incident, strategy models.Strategy, forced bool) bool {
	attempt, err := o.deps.Executor.Execute(ctx, inc, strategy, engine.ExecOptions{Forced: forced, Halt: d.halt})
	if err != nil {
		o.logger.Warn("recovery attempt not run",
			slog.String("incident_id", inc.IncidentID),
			slog.String("strategy", string(strategy)),
			slog.Bool("forced", forced),
			slog.Any("error", err))
		return !errors.Is(err, incident.ErrIncidentClosed)
	}

	o.recoveries.Add(1)
	o.durations.Observe(attempt.Duration())
	if attempt.Outcome == models.AttemptSuccess {
		o.successes.Add(1)
		if attempt.FinishedAt != nil {
			d.settle(*attempt.FinishedAt)
		}
		return false
	}
	o.failures.Add(1)
	return true
}

// stopAndPage escalates inc so automation stops, then notifies at level.
func (o *Orchestrator) stopAndPage(ctx context.Context, inc *models.Incident, kind escalation.Kind, level int, reason string) {
	updated, err := o.deps.Incidents.Escalate(ctx, inc.IncidentID, reason)
	if err != nil {
		o.logger.Error("escalation failed", slog.String("incident_id", inc.IncidentID), slog.Any("error", err))
		return
	}
	o.page(ctx, updated, kind, level, reason)
}

func (o *Orchestrator) page(ctx context.Context, inc *models.Incident, kind escalation.Kind, level int, reason string) {
	if _, err := o.deps.Escalation.Escalate(ctx, inc, kind, level, reason); err != nil {
		o.logger.Error("notification failed",
			slog.String("incident_id", inc.IncidentID),
			slog.Int("level", level),
			slog.Any("error", err))
	}
}

// finalize releases everything attached to a closed incident. healthy is set when the target
// itself proved recovery through the stabilization window.
func (o *Orchestrator) finalize(ctx context.Context, inc *models.Incident, healthy bool) {
	o.deps.Escalation.Cancel(inc.IncidentID)
	o.setServing(serviceName(inc.TargetID), healthpb.HealthCheckResponse_SERVING)
	if d := o.driver(inc.IncidentID); d != nil {
		d.stop()
	}

	if o.deps.Checkpoints != nil && inc.ClosedAt != nil {
		if err := o.deps.Checkpoints.ReleaseIncident(ctx, inc.IncidentID, *inc.ClosedAt); err != nil {
			o.logger.Warn("checkpoint release failed", slog.String("incident_id", inc.IncidentID), slog.Any("error", err))
		}
	}
	if healthy {
		o.captureKnownGood(ctx, inc.TargetID)
	}
	if o.deps.Archive != nil {
		archiveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.ArchiveTimeout)
		if err := o.deps.Archive.Archive(archiveCtx, inc); err != nil {
			o.logger.Warn("incident archive failed", slog.String("incident_id", inc.IncidentID), slog.Any("error", err))
		}
		cancel()
	}
	o.logger.Info("incident closed",
		slog.String("incident_id", inc.IncidentID),
		slog.String("target_id", inc.TargetID),
		slog.String("status", string(inc.Status)),
		slog.Int("attempts", len(inc.Attempts)))
}

func (o *Orchestrator) guardCheckpoints(ctx context.Context, fn func(ctx context.Context) error) error {
	if o.deps.Breakers == nil {
		return fn(ctx)
	}
	return o.deps.Breakers.Execute(ctx, engine.DependencyCheckpointStore, fn)
}

// captureKnownGood records the configuration a target just recovered with.
func (o *Orchestrator) captureKnownGood(ctx context.Context, targetID string) {
	if o.deps.Checkpoints != nil {
		err := o.guardCheckpoints(ctx, func(ctx context.Context) error {
			_, err := o.deps.Checkpoints.Snapshot(ctx, targetID, models.PartialScope(models.ComponentConfig), models.LabelKnownGood, "")
			return err
		})
		if err != nil {
			o.logger.Warn("known-good checkpoint failed", slog.String("target_id", targetID), slog.Any("error", err))
		}
	}
	if o.deps.ConfigStore != nil {
		current, err := o.deps.ConfigStore.GetCurrentConfig(ctx, targetID)
		if err == nil {
			err = o.deps.ConfigStore.SetLastKnownGood(ctx, targetID, current)
		}
		if err != nil && !errors.Is(err, repo.ErrConfigNotFound) {
			o.logger.Warn("known-good config update failed", slog.String("target_id", targetID), slog.Any("error", err))
		}
	}
}

// seedKnownGood stores the config store's last-known-good configuration for targets that have
// no known-good checkpoint yet.
func (o *Orchestrator) seedKnownGood(ctx context.Context) {
	if o.deps.ConfigStore == nil || o.deps.Checkpoints == nil {
		return
	}
	for _, target := range o.opts.Targets {
		if _, err := o.deps.Checkpoints.LastKnownGood(ctx, target.ID, models.ComponentConfig); err == nil {
			continue
		}
		cfg, err := o.deps.ConfigStore.GetLastKnownGood(ctx, target.ID)
		if err != nil {
			if !errors.Is(err, repo.ErrConfigNotFound) {
				o.logger.Warn("known-good config unavailable", slog.String("target_id", target.ID), slog.Any("error", err))
			}
			continue
		}
		if _, err := o.deps.Checkpoints.Seed(ctx, target.ID, models.ComponentConfig, cfg, models.LabelKnownGood); err != nil {
			o.logger.Warn("known-good seed failed", slog.String("target_id", target.ID), slog.Any("error", err))
			continue
		}
		o.logger.Info("seeded known-good configuration", slog.String("target_id", target.ID))
	}
}

func (o *Orchestrator) setServing(service string, status healthpb.HealthCheckResponse_ServingStatus) {
	if o.deps.Health != nil {
		o.deps.Health.SetServingStatus(service, status)
	}
}

func serviceName(targetID string) string {
	return "target/" + targetID
}
