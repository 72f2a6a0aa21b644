package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

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
	"github.com/miradorstack/mirador-recovery/internal/storage"
)

type fakeController struct {
	mu      sync.Mutex
	calls   []string
	onStart func()
}

func (f *fakeController) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	hook := f.onStart
	f.mu.Unlock()
	if hook != nil && (strings.HasPrefix(call, "start:") || strings.HasPrefix(call, "restart:")) {
		hook()
	}
}

func (f *fakeController) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeController) Stop(_ context.Context, id string) error    { f.record("stop:" + id); return nil }
func (f *fakeController) Start(_ context.Context, id string) error   { f.record("start:" + id); return nil }
func (f *fakeController) Restart(_ context.Context, id string) error { f.record("restart:" + id); return nil }
func (f *fakeController) RestartSafeMode(_ context.Context, id, _ string) error {
	f.record("safemode:" + id)
	return nil
}
func (f *fakeController) Reprovision(_ context.Context, id string) error {
	f.record("reprovision:" + id)
	return nil
}

type stateSource struct {
	mu    sync.Mutex
	state map[string]map[string]interface{}
}

func (s *stateSource) Capture(_ context.Context, target string) (map[string]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]interface{}{}
	for k, v := range s.state[target] {
		out[k] = v
	}
	return out, nil
}

func (s *stateSource) Apply(_ context.Context, target string, value map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[target] = value
	return nil
}

type servingRecorder struct {
	mu     sync.Mutex
	status map[string]healthpb.HealthCheckResponse_ServingStatus
}

func (r *servingRecorder) SetServingStatus(service string, status healthpb.HealthCheckResponse_ServingStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status[service] = status
}

func (r *servingRecorder) get(service string) healthpb.HealthCheckResponse_ServingStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status[service]
}

type levelLog struct {
	mu     sync.Mutex
	levels []int
}

func (l *levelLog) add(level int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.levels = append(l.levels, level)
}

func (l *levelLog) contains(level int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, got := range l.levels {
		if got == level {
			return true
		}
	}
	return false
}

func (l *levelLog) count(level int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, got := range l.levels {
		if got == level {
			n++
		}
	}
	return n
}

type harness struct {
	db          *storage.DB
	manager     *incident.Manager
	monitor     *health.Monitor
	controller  *fakeController
	checkpoints *checkpoint.Store
	configs     *repo.FileConfigStore
	serving     *servingRecorder
	pages       *levelLog
	healthy     atomic.Bool
	orch        *Orchestrator
}

type harnessOptions struct {
	mode      models.OperatingMode
	db        *storage.DB
	seedGood  bool
	bootstrap bool
}

func newHarness(t *testing.T, ho harnessOptions) *harness {
	t.Helper()
	db := ho.db
	if db == nil {
		var err error
		db, err = storage.OpenInMemory()
		if err != nil {
			t.Fatalf("open storage: %v", err)
		}
		t.Cleanup(func() { _ = db.Close() })
	}
	configs, err := repo.NewFileConfigStore(t.TempDir())
	if err != nil {
		t.Fatalf("config store: %v", err)
	}
	if ho.seedGood {
		if err := configs.SetLastKnownGood(context.Background(), "api", map[string]interface{}{"workers": float64(4)}); err != nil {
			t.Fatalf("seed config: %v", err)
		}
	}

	h := &harness{
		db:         db,
		controller: &fakeController{},
		configs:    configs,
		serving:    &servingRecorder{status: map[string]healthpb.HealthCheckResponse_ServingStatus{}},
		pages:      &levelLog{},
	}
	target := models.Target{ID: "api", Class: "http", Criticality: models.CriticalityHigh, PollInterval: 10 * time.Millisecond}

	h.manager = incident.NewManager(incident.Options{Threshold: 1, Store: db})
	h.monitor = health.NewMonitor(health.MonitorOptions{ProbeTimeout: time.Second})
	if err := h.monitor.Add(target, health.ProberFunc(func(context.Context) (models.HealthOutcome, string, error) {
		if h.healthy.Load() {
			return models.HealthHealthy, "ok", nil
		}
		return models.HealthUnreachable, "connection refused", nil
	})); err != nil {
		t.Fatalf("add target: %v", err)
	}

	sources := map[string]checkpoint.Source{
		models.ComponentConfig: &stateSource{state: map[string]map[string]interface{}{"api": {"workers": float64(2)}}},
		models.ComponentData:   &stateSource{state: map[string]map[string]interface{}{"api": {"rows": float64(10)}}},
	}
	h.checkpoints = checkpoint.NewStore(db, checkpoint.NewBadgerBlobs(db), sources, checkpoint.Options{Retention: time.Hour})
	breakers := breaker.NewRegistry(breaker.Settings{FailureThreshold: 5, Cooldown: time.Minute, CallTimeout: 5 * time.Second}, nil)
	learned := learning.NewStore(db, nil, nil)

	executor := engine.NewExecutor(engine.ExecutorDeps{
		Attempts:    h.manager,
		Controller:  h.controller,
		Checkpoints: h.checkpoints,
		Breakers:    breakers,
		Health:      h.monitor,
		Learning:    learned,
	}, engine.ExecutorOptions{RecheckTimeout: 50 * time.Millisecond, RecheckInterval: 5 * time.Millisecond})

	escalations := escalation.NewEngine([]escalation.Notifier{escalation.NewLogSink(nil)}, escalation.Options{
		Lookup: h.manager.Get,
		OnLevel: func(ctx context.Context, incidentID string, level int) {
			h.pages.add(level)
			_ = h.manager.NoteEscalationLevel(ctx, incidentID, level)
		},
	})

	mode := ho.mode
	if mode == "" {
		mode = models.ModeSupervised
	}
	h.orch, err = New(Deps{
		Incidents:   h.manager,
		Selector:    engine.NewSelector(learned, engine.SelectorOptions{}),
		Executor:    executor,
		Escalation:  escalations,
		Monitor:     h.monitor,
		Checkpoints: h.checkpoints,
		Breakers:    breakers,
		Learning:    learned,
		Miner:       learning.NewMiner(1),
		ConfigStore: configs,
		Health:      h.serving,
	}, Options{Mode: mode, RetryDelay: time.Millisecond, BootstrapWithoutAck: ho.bootstrap})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.orch.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.orch.Shutdown(ctx)
	})
}

func (h *harness) openIncident(t *testing.T) *models.Incident {
	t.Helper()
	var inc *models.Incident
	waitFor(t, "incident opened", func() bool {
		var ok bool
		inc, ok = h.manager.GetOpenIncident("api")
		return ok
	})
	return inc
}

func (h *harness) incident(t *testing.T, id string) *models.Incident {
	t.Helper()
	inc, err := h.orch.GetIncident(id)
	if err != nil {
		t.Fatalf("get incident: %v", err)
	}
	return inc
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func strategies(inc *models.Incident) []models.Strategy {
	out := make([]models.Strategy, 0, len(inc.Attempts))
	for _, a := range inc.Attempts {
		out = append(out, a.Strategy)
	}
	return out
}

func TestQuickRestartRecoversAndResolves(t *testing.T) {
	h := newHarness(t, harnessOptions{mode: models.ModeAutonomous})
	h.controller.onStart = func() { h.healthy.Store(true) }
	h.start(t)

	inc := h.openIncident(t)
	waitFor(t, "incident resolved", func() bool {
		return h.incident(t, inc.IncidentID).Status == models.IncidentResolved
	})

	final := h.incident(t, inc.IncidentID)
	if len(final.Attempts) != 1 || final.Attempts[0].Strategy != models.StrategyQuickRestart || final.Attempts[0].Outcome != models.AttemptSuccess {
		t.Fatalf("unexpected attempts: %+v", final.Attempts)
	}
	if got := strings.Join(h.controller.Calls(), ","); got != "stop:api,start:api" {
		t.Fatalf("unexpected control calls %s", got)
	}
	waitFor(t, "target serving", func() bool {
		return h.serving.get("target/api") == healthpb.HealthCheckResponse_SERVING
	})

	waitFor(t, "known-good checkpoint", func() bool {
		snaps, err := h.orch.Checkpoints(context.Background(), "api")
		if err != nil {
			t.Fatalf("checkpoints: %v", err)
		}
		for _, snap := range snaps {
			if snap.Label == models.LabelKnownGood {
				return true
			}
		}
		return false
	})

	events, err := h.orch.Events(context.Background(), inc.IncidentID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) == 0 || events[0].Kind != "opened" || events[len(events)-1].Kind != "resolved" {
		t.Fatalf("unexpected incident log %+v", events)
	}

	stats := h.orch.Status()
	if stats.Recoveries != 1 || stats.SuccessfulRecoveries != 1 || stats.SuccessRate != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.HealthChecks == 0 {
		t.Fatalf("expected health checks to be counted")
	}
	if stats.RecoveryDurations.Count != 1 || stats.P95RecoveryDuration != stats.RecoveryDurations.Max {
		t.Fatalf("unexpected recovery durations: %+v", stats.RecoveryDurations)
	}
}

func TestMissingKnownGoodEscalatesInsteadOfRollback(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.start(t)

	inc := h.openIncident(t)
	waitFor(t, "incident escalated", func() bool {
		return h.incident(t, inc.IncidentID).Status == models.IncidentEscalated
	})

	final := h.incident(t, inc.IncidentID)
	got := strategies(final)
	if len(got) != 2 || got[0] != models.StrategyQuickRestart || got[1] != models.StrategySafeModeRestart {
		t.Fatalf("expected restarts before escalation, got %v", got)
	}
	if h.serving.get("target/api") != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected target to be NOT_SERVING while incident is open")
	}
}

func TestBackupRestoreWaitsForApproval(t *testing.T) {
	h := newHarness(t, harnessOptions{seedGood: true})
	ctx := context.Background()
	before, err := h.orch.TakeCheckpoint(ctx, "api", "")
	if err != nil || before.Label != models.LabelOnDemand {
		t.Fatalf("on-demand checkpoint: %+v %v", before, err)
	}
	time.Sleep(2 * time.Millisecond)
	h.start(t)

	inc := h.openIncident(t)
	waitFor(t, "approval requested", func() bool {
		return h.incident(t, inc.IncidentID).AwaitingApproval == models.StrategyBackupRestore
	})
	got := strategies(h.incident(t, inc.IncidentID))
	want := []models.Strategy{models.StrategyQuickRestart, models.StrategySafeModeRestart, models.StrategyConfigRollback, models.StrategyDependencyRestart}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	waitFor(t, "approval page", func() bool { return h.pages.contains(4) })

	acked, err := h.orch.Acknowledge(ctx, inc.IncidentID)
	if err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if !acked.IsApproved(models.StrategyBackupRestore) {
		t.Fatalf("expected BackupRestore approved: %+v", acked.Approved)
	}
	waitFor(t, "bootstrap approval requested", func() bool {
		return h.incident(t, inc.IncidentID).AwaitingApproval == models.StrategyFullBootstrap
	})
	final := h.incident(t, inc.IncidentID)
	last := final.Attempts[len(final.Attempts)-1]
	if last.Strategy != models.StrategyBackupRestore || last.CheckpointID != before.CheckpointID {
		t.Fatalf("expected restore of %s, got %+v", before.CheckpointID, last)
	}
	waitFor(t, "bootstrap page", func() bool { return h.pages.contains(models.EscalationLevelDisaster) })
}

func TestSupervisedBootstrapFailurePagesExhaustion(t *testing.T) {
	h := newHarness(t, harnessOptions{seedGood: true})
	ctx := context.Background()
	if _, err := h.orch.TakeCheckpoint(ctx, "api", ""); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	h.start(t)

	inc := h.openIncident(t)
	waitFor(t, "restore approval requested", func() bool {
		return h.incident(t, inc.IncidentID).AwaitingApproval == models.StrategyBackupRestore
	})
	if _, err := h.orch.Acknowledge(ctx, inc.IncidentID); err != nil {
		t.Fatalf("acknowledge restore: %v", err)
	}
	waitFor(t, "bootstrap approval requested", func() bool {
		return h.incident(t, inc.IncidentID).AwaitingApproval == models.StrategyFullBootstrap
	})
	waitFor(t, "bootstrap approval page", func() bool { return h.pages.count(models.EscalationLevelDisaster) == 1 })
	if _, err := h.orch.Acknowledge(ctx, inc.IncidentID); err != nil {
		t.Fatalf("acknowledge bootstrap: %v", err)
	}

	waitFor(t, "exhaustion page", func() bool { return h.pages.count(models.EscalationLevelDisaster) == 2 })
	final := h.incident(t, inc.IncidentID)
	if final.Status != models.IncidentEscalated {
		t.Fatalf("expected escalated incident, got %s", final.Status)
	}
	if len(final.Attempts) != len(models.Ladder()) {
		t.Fatalf("expected every rung attempted once, got %v", strategies(final))
	}
}

func TestExhaustedLadderEscalatesToDisaster(t *testing.T) {
	h := newHarness(t, harnessOptions{mode: models.ModeAutonomous, seedGood: true, bootstrap: true})
	ctx := context.Background()
	if _, err := h.orch.TakeCheckpoint(ctx, "api", ""); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	h.start(t)

	inc := h.openIncident(t)
	waitFor(t, "disaster page", func() bool {
		return h.pages.contains(models.EscalationLevelDisaster)
	})
	final := h.incident(t, inc.IncidentID)
	if final.Status != models.IncidentEscalated {
		t.Fatalf("expected escalated incident, got %s", final.Status)
	}
	if len(final.Attempts) != len(models.Ladder()) {
		t.Fatalf("expected every rung attempted once, got %v", strategies(final))
	}
	if h.orch.Status().FailedRecoveries != int64(len(models.Ladder())) {
		t.Fatalf("unexpected stats: %+v", h.orch.Status())
	}

	h.controller.onStart = func() { h.healthy.Store(true) }
	if _, err := h.orch.Acknowledge(ctx, inc.IncidentID); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	waitFor(t, "forced bootstrap", func() bool {
		attempts := h.incident(t, inc.IncidentID).Attempts
		last := attempts[len(attempts)-1]
		return len(attempts) == len(models.Ladder())+1 && last.Forced && last.Strategy == models.StrategyFullBootstrap
	})
}

func TestForceStrategyLeavesLadderPosition(t *testing.T) {
	h := newHarness(t, harnessOptions{mode: models.ModeManual})
	h.start(t)
	ctx := context.Background()

	inc := h.openIncident(t)
	if _, err := h.orch.ForceStrategy(ctx, inc.IncidentID, models.Strategy("Reboot")); !errors.Is(err, models.ErrUnknownStrategy) {
		t.Fatalf("expected unknown strategy, got %v", err)
	}
	if _, err := h.orch.ForceStrategy(ctx, inc.IncidentID, models.StrategySafeModeRestart); err != nil {
		t.Fatalf("force: %v", err)
	}
	waitFor(t, "forced attempt recorded", func() bool {
		attempts := h.incident(t, inc.IncidentID).Attempts
		return len(attempts) == 1 && !attempts[0].InProgress()
	})
	forced := h.incident(t, inc.IncidentID)
	if !forced.Attempts[0].Forced || forced.Attempts[0].Strategy != models.StrategySafeModeRestart {
		t.Fatalf("unexpected attempt: %+v", forced.Attempts[0])
	}
	if pos := engine.LadderPosition(forced); pos != -1 {
		t.Fatalf("forced attempt moved the ladder to %d", pos)
	}
	time.Sleep(30 * time.Millisecond)
	if n := len(h.incident(t, inc.IncidentID).Attempts); n != 1 {
		t.Fatalf("manual mode must not run automatic attempts, got %d", n)
	}
}

func TestAbandonClosesAndBlocksAttempts(t *testing.T) {
	h := newHarness(t, harnessOptions{mode: models.ModeManual})
	h.start(t)
	ctx := context.Background()

	inc := h.openIncident(t)
	abandoned, err := h.orch.Abandon(ctx, inc.IncidentID, "")
	if err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if abandoned.Status != models.IncidentAbandoned || abandoned.ClosedAt == nil {
		t.Fatalf("unexpected incident: %+v", abandoned)
	}
	if _, err := h.orch.ForceStrategy(ctx, inc.IncidentID, models.StrategyQuickRestart); !errors.Is(err, incident.ErrIncidentClosed) {
		t.Fatalf("expected closed incident, got %v", err)
	}
	if _, err := h.orch.Abandon(ctx, inc.IncidentID, ""); !errors.Is(err, incident.ErrIncidentClosed) {
		t.Fatalf("expected second abandon to fail, got %v", err)
	}
	if len(h.orch.ListOpenIncidents()) != 0 {
		t.Fatalf("abandoned target must not reopen while unhealthy")
	}
}

func TestResumeAutomationStartsFreshLadder(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.start(t)
	ctx := context.Background()

	inc := h.openIncident(t)
	waitFor(t, "level 4 page", func() bool { return h.pages.contains(4) })
	before := len(h.incident(t, inc.IncidentID).Attempts)

	h.controller.onStart = func() { h.healthy.Store(true) }
	resumed, err := h.orch.ResumeAutomation(ctx)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if len(resumed) != 1 || resumed[0].LadderBase != before {
		t.Fatalf("unexpected resumed incidents: %+v", resumed)
	}
	waitFor(t, "incident resolved", func() bool {
		return h.incident(t, inc.IncidentID).Status == models.IncidentResolved
	})
	final := h.incident(t, inc.IncidentID)
	if final.Attempts[before].Strategy != models.StrategyQuickRestart {
		t.Fatalf("expected ladder to restart at QuickRestart, got %v", strategies(final))
	}
}

func TestPauseStopsAutomaticAttempts(t *testing.T) {
	h := newHarness(t, harnessOptions{mode: models.ModeAutonomous})
	h.orch.PauseAutomation()
	h.start(t)

	inc := h.openIncident(t)
	time.Sleep(30 * time.Millisecond)
	if n := len(h.incident(t, inc.IncidentID).Attempts); n != 0 {
		t.Fatalf("paused orchestrator ran %d attempts", n)
	}
	if !h.orch.Status().Paused {
		t.Fatalf("expected paused status")
	}

	h.controller.onStart = func() { h.healthy.Store(true) }
	if _, err := h.orch.ResumeAutomation(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}
	waitFor(t, "incident resolved", func() bool {
		return h.incident(t, inc.IncidentID).Status == models.IncidentResolved
	})
}

func TestStartTwiceFails(t *testing.T) {
	h := newHarness(t, harnessOptions{mode: models.ModeManual})
	h.start(t)
	if err := h.orch.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestRestartResumesPersistedIncident(t *testing.T) {
	db, err := storage.OpenInMemory()
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	first := newHarness(t, harnessOptions{mode: models.ModeManual, db: db})
	first.start(t)
	inc := first.openIncident(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := first.orch.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	second := newHarness(t, harnessOptions{mode: models.ModeAutonomous, db: db})
	second.controller.onStart = func() { second.healthy.Store(true) }
	second.start(t)
	waitFor(t, "reloaded incident resolved", func() bool {
		got, err := second.orch.GetIncident(inc.IncidentID)
		return err == nil && got.Status == models.IncidentResolved
	})
	if open := second.orch.ListOpenIncidents(); len(open) != 0 {
		t.Fatalf("expected no open incidents, got %d", len(open))
	}
}

func TestCheckpointsRejectUnknownTarget(t *testing.T) {
	h := newHarness(t, harnessOptions{mode: models.ModeManual})
	if _, err := h.orch.Checkpoints(context.Background(), "nope"); !errors.Is(err, ErrUnknownTarget) {
		t.Fatalf("expected ErrUnknownTarget, got %v", err)
	}
	if _, err := h.orch.TakeCheckpoint(context.Background(), "nope", ""); !errors.Is(err, ErrUnknownTarget) {
		t.Fatalf("expected ErrUnknownTarget, got %v", err)
	}
}

func TestLearningReportsRecordsAndProfiles(t *testing.T) {
	h := newHarness(t, harnessOptions{mode: models.ModeAutonomous})
	h.controller.onStart = func() { h.healthy.Store(true) }
	h.start(t)

	inc := h.openIncident(t)
	waitFor(t, "incident resolved", func() bool {
		return h.incident(t, inc.IncidentID).Status == models.IncidentResolved
	})
	report, err := h.orch.Learning(context.Background())
	if err != nil {
		t.Fatalf("learning: %v", err)
	}
	if len(report.Records) != 1 || report.Records[0].Strategy != models.StrategyQuickRestart {
		t.Fatalf("unexpected records: %+v", report.Records)
	}
	if len(report.Profiles) != 1 || report.Profiles[0].FailureSignature != inc.FailureSignature {
		t.Fatalf("unexpected profiles: %+v", report.Profiles)
	}
}
