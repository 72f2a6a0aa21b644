package incident

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-recovery/internal/metrics"
	"github.com/miradorstack/mirador-recovery/internal/models"
	"github.com/miradorstack/mirador-recovery/internal/storage"
	"github.com/miradorstack/mirador-recovery/internal/utils"
)

var (
	// ErrNotFound is returned for unknown incident ids.
	ErrNotFound = errors.New("incident not found")
	// ErrAttemptInFlight is returned when a second attempt is started while one is running.
	ErrAttemptInFlight = errors.New("recovery attempt already in progress")
	// ErrIncidentClosed is returned for mutations of resolved or abandoned incidents.
	ErrIncidentClosed = errors.New("incident is closed")
	// ErrInvalidTransition is returned when the requested change does not apply to the current status.
	ErrInvalidTransition = errors.New("invalid incident transition")
)

// Store persists the incident log.
type Store interface {
	AppendIncident(ctx context.Context, incident *models.Incident, event storage.IncidentEvent) error
	LoadIncidents(ctx context.Context) ([]*models.Incident, error)
	LoadIncident(ctx context.Context, id string) (*models.Incident, error)
	IncidentEvents(ctx context.Context, id string) ([]storage.IncidentEvent, error)
}

// Classifier derives a failure signature and severity from the failures that opened an incident.
type Classifier interface {
	Classify(target models.Target, failures []models.HealthCheckResult) (signature string, severity models.Severity)
}

// UpdateKind describes what a health report did.
type UpdateKind int

const (
	UpdateNone UpdateKind = iota
	UpdateOpened
	UpdateAppended
	UpdateStabilizing
	UpdateResolved
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateOpened:
		return "opened"
	case UpdateAppended:
		return "appended"
	case UpdateStabilizing:
		return "stabilizing"
	case UpdateResolved:
		return "resolved"
	default:
		return "none"
	}
}

// Update is returned from ReportHealth. Incident is a copy and is nil for UpdateNone.
type Update struct {
	Kind     UpdateKind
	Incident *models.Incident
}

// Options tunes a Manager.
type Options struct {
	// Threshold consecutive non-healthy results open an incident.
	Threshold int
	// Stabilization is how long a target must stay healthy before its incident resolves.
	Stabilization time.Duration
	// ContextLimit bounds the failure details kept on an open incident.
	ContextLimit int
	Store        Store
	Classifier   Classifier
	Now          utils.Clock
	Logger       *slog.Logger
}

type streak struct {
	failures []models.HealthCheckResult
}

// Manager is the single owner of incident state. Every mutation goes through its mutex, which
// is what guarantees one active incident per target and one in-flight attempt per incident.
type Manager struct {
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	targets   map[string]models.Target
	streaks   map[string]*streak
	incidents map[string]*models.Incident
	active    map[string]string
	// blocked targets had an incident abandoned and must report HEALTHY before a new one opens.
	blocked map[string]bool
}

// NewManager constructs a Manager.
func NewManager(opts Options) *Manager {
	if opts.Threshold <= 0 {
		opts.Threshold = 3
	}
	if opts.Stabilization < 0 {
		opts.Stabilization = 0
	}
	if opts.ContextLimit <= 0 {
		opts.ContextLimit = 20
	}
	if opts.Classifier == nil {
		opts.Classifier = DefaultClassifier{}
	}
	if opts.Now == nil {
		opts.Now = utils.SystemClock
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		opts:      opts,
		logger:    opts.Logger,
		targets:   make(map[string]models.Target),
		streaks:   make(map[string]*streak),
		incidents: make(map[string]*models.Incident),
		active:    make(map[string]string),
		blocked:   make(map[string]bool),
	}
}

// RegisterTarget declares a supervised target so incidents can derive severity from it.
func (m *Manager) RegisterTarget(target models.Target) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets[target.ID] = target
}

// Target returns the registered descriptor for id.
func (m *Manager) Target(id string) (models.Target, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.targets[id]
	return t, ok
}

func (m *Manager) targetLocked(id string) models.Target {
	if t, ok := m.targets[id]; ok {
		return t
	}
	return models.Target{ID: id, Criticality: models.CriticalityMedium}
}

// Load restores persisted incidents. Attempts left running by a previous process are closed
// as failures. It returns copies of the incidents that are still active.
func (m *Manager) Load(ctx context.Context) ([]*models.Incident, error) {
	if m.opts.Store == nil {
		return nil, nil
	}
	persisted, err := m.opts.Store.LoadIncidents(ctx)
	if err != nil {
		return nil, fmt.Errorf("load incidents: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var active []*models.Incident
	for _, incident := range persisted {
		m.incidents[incident.IncidentID] = incident
		if incident.Status.Terminal() {
			if incident.Status == models.IncidentAbandoned {
				m.blocked[incident.TargetID] = true
			}
			continue
		}
		if existing, ok := m.active[incident.TargetID]; ok && m.incidents[existing].OpenedAt.After(incident.OpenedAt) {
			continue
		}
		m.active[incident.TargetID] = incident.IncidentID
		if incident.Status == models.IncidentRecovering {
			incident.Status = models.IncidentOpen
		}
		for i := range incident.Attempts {
			if !incident.Attempts[i].InProgress() {
				continue
			}
			now := m.opts.Now()
			incident.Attempts[i].FinishedAt = &now
			incident.Attempts[i].Outcome = models.AttemptFailure
			incident.Attempts[i].Notes = "orchestrator restarted during attempt"
			attempt := incident.Attempts[i]
			if err := m.persist(ctx, incident, "attempt_finished", &attempt, attempt.Notes); err != nil {
				return nil, err
			}
		}
	}
	for _, id := range m.active {
		active = append(active, m.incidents[id].Clone())
	}
	sort.Slice(active, func(i, j int) bool { return active[i].OpenedAt.Before(active[j].OpenedAt) })
	metrics.SetOpenIncidents(len(active))
	return active, nil
}

func (m *Manager) persist(ctx context.Context, incident *models.Incident, kind string, attempt *models.RecoveryAttempt, detail string) error {
	if m.opts.Store == nil {
		return nil
	}
	event := storage.IncidentEvent{
		At:      m.opts.Now(),
		Kind:    kind,
		Status:  incident.Status,
		Attempt: attempt,
		Detail:  detail,
	}
	if err := m.opts.Store.AppendIncident(ctx, incident, event); err != nil {
		return fmt.Errorf("persist incident %s: %w", incident.IncidentID, err)
	}
	return nil
}

func (m *Manager) log(incident *models.Incident, msg string, attrs ...slog.Attr) {
	base := []slog.Attr{
		slog.String("incident_id", incident.IncidentID),
		slog.String("target_id", incident.TargetID),
		slog.String("status", string(incident.Status)),
	}
	m.logger.LogAttrs(context.Background(), slog.LevelInfo, msg, append(base, attrs...)...)
}

// ReportHealth folds one health result into the target's state. Results are expected in
// timestamp order per target; stabilization is measured on result timestamps.
func (m *Manager) ReportHealth(ctx context.Context, result models.HealthCheckResult) (Update, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var incident *models.Incident
	if id, ok := m.active[result.TargetID]; ok {
		incident = m.incidents[id]
	}

	if result.Healthy() {
		delete(m.streaks, result.TargetID)
		delete(m.blocked, result.TargetID)
		if incident == nil {
			return Update{Kind: UpdateNone}, nil
		}
		if incident.HealthySince == nil {
			since := result.Timestamp
			incident.HealthySince = &since
		}
		if _, running := incident.InFlight(); running || result.Timestamp.Sub(*incident.HealthySince) < m.opts.Stabilization {
			return Update{Kind: UpdateStabilizing, Incident: incident.Clone()}, nil
		}
		m.closeLocked(incident, models.IncidentResolved, result.Timestamp, "target healthy for stabilization window")
		if err := m.persist(ctx, incident, "resolved", nil, incident.Resolution); err != nil {
			return Update{}, err
		}
		return Update{Kind: UpdateResolved, Incident: incident.Clone()}, nil
	}

	if incident != nil {
		incident.HealthySince = nil
		incident.Context = appendBounded(incident.Context, describe(result), m.opts.ContextLimit)
		if err := m.persist(ctx, incident, "context", nil, describe(result)); err != nil {
			return Update{}, err
		}
		return Update{Kind: UpdateAppended, Incident: incident.Clone()}, nil
	}

	if m.blocked[result.TargetID] {
		return Update{Kind: UpdateNone}, nil
	}

	s, ok := m.streaks[result.TargetID]
	if !ok {
		s = &streak{}
		m.streaks[result.TargetID] = s
	}
	s.failures = append(s.failures, result)
	if len(s.failures) < m.opts.Threshold {
		return Update{Kind: UpdateNone}, nil
	}

	target := m.targetLocked(result.TargetID)
	signature, severity := m.opts.Classifier.Classify(target, s.failures)
	incident = &models.Incident{
		IncidentID:       uuid.NewString(),
		TargetID:         result.TargetID,
		OpenedAt:         result.Timestamp,
		Severity:         severity,
		FailureSignature: signature,
		Status:           models.IncidentOpen,
	}
	for _, failure := range s.failures {
		incident.Context = appendBounded(incident.Context, describe(failure), m.opts.ContextLimit)
	}
	delete(m.streaks, result.TargetID)

	m.incidents[incident.IncidentID] = incident
	m.active[incident.TargetID] = incident.IncidentID
	if err := m.persist(ctx, incident, "opened", nil, describe(result)); err != nil {
		return Update{}, err
	}
	metrics.ObserveIncident(models.IncidentOpen)
	m.log(incident, "incident opened",
		slog.String("severity", string(incident.Severity)),
		slog.String("failure_signature", incident.FailureSignature),
		slog.Int("consecutive_failures", m.opts.Threshold))
	return Update{Kind: UpdateOpened, Incident: incident.Clone()}, nil
}

func describe(result models.HealthCheckResult) string {
	if result.Detail == "" {
		return fmt.Sprintf("%s %s", result.Timestamp.Format(time.RFC3339), result.Outcome)
	}
	return fmt.Sprintf("%s %s: %s", result.Timestamp.Format(time.RFC3339), result.Outcome, result.Detail)
}

func appendBounded(list []string, item string, limit int) []string {
	list = append(list, item)
	if len(list) > limit {
		list = append([]string(nil), list[len(list)-limit:]...)
	}
	return list
}

func (m *Manager) closeLocked(incident *models.Incident, status models.IncidentStatus, at time.Time, resolution string) {
	incident.Status = status
	incident.ClosedAt = &at
	incident.Resolution = resolution
	incident.AwaitingApproval = models.StrategyNone
	delete(m.active, incident.TargetID)
	if status == models.IncidentAbandoned {
		m.blocked[incident.TargetID] = true
	}
	metrics.ObserveIncident(status)
	m.log(incident, "incident closed", slog.String("resolution", resolution))
}

func (m *Manager) lookup(id string) (*models.Incident, error) {
	incident, ok := m.incidents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return incident, nil
}

// BeginAttempt records the start of a strategy execution. Only one attempt may be in flight per
// incident. Automatic attempts are refused once an incident is ESCALATED; forced attempts are
// allowed and leave the status unchanged.
func (m *Manager) BeginAttempt(ctx context.Context, incidentID string, strategy models.Strategy, forced bool) (models.RecoveryAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	incident, err := m.lookup(incidentID)
	if err != nil {
		return models.RecoveryAttempt{}, err
	}
	if incident.Status.Terminal() {
		return models.RecoveryAttempt{}, fmt.Errorf("%w: %s is %s", ErrIncidentClosed, incidentID, incident.Status)
	}
	if running, ok := incident.InFlight(); ok {
		return models.RecoveryAttempt{}, fmt.Errorf("%w: %s (%s)", ErrAttemptInFlight, running.AttemptID, running.Strategy)
	}
	if incident.Status == models.IncidentEscalated && !forced {
		return models.RecoveryAttempt{}, fmt.Errorf("%w: %s is escalated and awaits a human decision", ErrInvalidTransition, incidentID)
	}
	if !strategy.Valid() {
		return models.RecoveryAttempt{}, fmt.Errorf("unknown strategy %q", strategy)
	}

	attempt := models.RecoveryAttempt{
		AttemptID:  uuid.NewString(),
		IncidentID: incidentID,
		Strategy:   strategy,
		StartedAt:  m.opts.Now(),
		Forced:     forced,
	}
	incident.Attempts = append(incident.Attempts, attempt)
	if incident.Status == models.IncidentOpen {
		incident.Status = models.IncidentRecovering
	}
	if incident.AwaitingApproval == strategy {
		incident.AwaitingApproval = models.StrategyNone
	}
	if err := m.persist(ctx, incident, "attempt_started", &attempt, ""); err != nil {
		incident.Attempts = incident.Attempts[:len(incident.Attempts)-1]
		return models.RecoveryAttempt{}, err
	}
	m.log(incident, "recovery attempt started",
		slog.String("attempt_id", attempt.AttemptID),
		slog.String("strategy", string(strategy)),
		slog.Bool("forced", forced))
	return attempt, nil
}

// FinishAttempt seals an in-flight attempt. Attempts are never modified afterwards. Finishing
// is allowed after the incident was abandoned so the history stays complete.
func (m *Manager) FinishAttempt(ctx context.Context, incidentID, attemptID string, outcome models.AttemptOutcome, notes, checkpointID string) (*models.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	incident, err := m.lookup(incidentID)
	if err != nil {
		return nil, err
	}
	idx := -1
	for i := range incident.Attempts {
		if incident.Attempts[i].AttemptID == attemptID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("%w: attempt %s", ErrNotFound, attemptID)
	}
	if !incident.Attempts[idx].InProgress() {
		return nil, fmt.Errorf("%w: attempt %s already finished", ErrInvalidTransition, attemptID)
	}

	now := m.opts.Now()
	incident.Attempts[idx].FinishedAt = &now
	incident.Attempts[idx].Outcome = outcome
	incident.Attempts[idx].Notes = notes
	incident.Attempts[idx].CheckpointID = checkpointID
	attempt := incident.Attempts[idx]
	if err := m.persist(ctx, incident, "attempt_finished", &attempt, notes); err != nil {
		return nil, err
	}
	m.log(incident, "recovery attempt finished",
		slog.String("attempt_id", attemptID),
		slog.String("strategy", string(attempt.Strategy)),
		slog.String("outcome", string(outcome)),
		slog.Duration("duration", attempt.Duration()),
		slog.String("notes", notes))
	return incident.Clone(), nil
}

// Escalate stops automatic recovery of an active incident until a human resumes it.
func (m *Manager) Escalate(ctx context.Context, incidentID, reason string) (*models.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	incident, err := m.lookup(incidentID)
	if err != nil {
		return nil, err
	}
	if incident.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrIncidentClosed, incidentID, incident.Status)
	}
	if incident.Status == models.IncidentEscalated {
		return incident.Clone(), nil
	}
	incident.Status = models.IncidentEscalated
	if err := m.persist(ctx, incident, "escalated", nil, reason); err != nil {
		return nil, err
	}
	metrics.ObserveIncident(models.IncidentEscalated)
	m.log(incident, "incident escalated", slog.String("reason", reason))
	return incident.Clone(), nil
}

// NoteEscalationLevel records the highest escalation level notified for an incident.
func (m *Manager) NoteEscalationLevel(ctx context.Context, incidentID string, level int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	incident, err := m.lookup(incidentID)
	if err != nil {
		return err
	}
	if level <= incident.EscalationLevel {
		return nil
	}
	incident.EscalationLevel = level
	return m.persist(ctx, incident, "escalation_level", nil, fmt.Sprintf("level %d", level))
}

// AwaitApproval marks that strategy needs a human acknowledgement before it may run.
func (m *Manager) AwaitApproval(ctx context.Context, incidentID string, strategy models.Strategy) (*models.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	incident, err := m.lookup(incidentID)
	if err != nil {
		return nil, err
	}
	if incident.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrIncidentClosed, incidentID, incident.Status)
	}
	if incident.AwaitingApproval == strategy {
		return incident.Clone(), nil
	}
	incident.AwaitingApproval = strategy
	if err := m.persist(ctx, incident, "awaiting_approval", nil, string(strategy)); err != nil {
		return nil, err
	}
	m.log(incident, "strategy awaiting approval", slog.String("strategy", string(strategy)))
	return incident.Clone(), nil
}

// Acknowledge approves the strategy the incident is waiting on. After a level 5 escalation it
// approves FullBootstrap.
func (m *Manager) Acknowledge(ctx context.Context, incidentID string) (models.Strategy, *models.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	incident, err := m.lookup(incidentID)
	if err != nil {
		return models.StrategyNone, nil, err
	}
	if incident.Status.Terminal() {
		return models.StrategyNone, nil, fmt.Errorf("%w: %s is %s", ErrIncidentClosed, incidentID, incident.Status)
	}
	strategy := incident.AwaitingApproval
	if strategy == models.StrategyNone {
		if incident.EscalationLevel < models.EscalationLevelDisaster {
			return models.StrategyNone, nil, fmt.Errorf("%w: nothing awaits acknowledgement on %s", ErrInvalidTransition, incidentID)
		}
		strategy = models.StrategyFullBootstrap
	}
	if !incident.IsApproved(strategy) {
		incident.Approved = append(incident.Approved, strategy)
	}
	incident.AwaitingApproval = models.StrategyNone
	if err := m.persist(ctx, incident, "acknowledged", nil, string(strategy)); err != nil {
		return models.StrategyNone, nil, err
	}
	m.log(incident, "operator acknowledged", slog.String("strategy", string(strategy)))
	return strategy, incident.Clone(), nil
}

// Abandon stops all automation on an incident at operator request. An in-flight attempt is
// left to finish and is still recorded.
func (m *Manager) Abandon(ctx context.Context, incidentID, reason string) (*models.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	incident, err := m.lookup(incidentID)
	if err != nil {
		return nil, err
	}
	if incident.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrIncidentClosed, incidentID, incident.Status)
	}
	if reason == "" {
		reason = "abandoned by operator"
	}
	m.closeLocked(incident, models.IncidentAbandoned, m.opts.Now(), reason)
	if err := m.persist(ctx, incident, "abandoned", nil, reason); err != nil {
		return nil, err
	}
	return incident.Clone(), nil
}

// Close resolves an incident explicitly. It is refused while an attempt is in flight.
func (m *Manager) Close(ctx context.Context, incidentID string) (*models.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	incident, err := m.lookup(incidentID)
	if err != nil {
		return nil, err
	}
	if incident.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrIncidentClosed, incidentID, incident.Status)
	}
	if running, ok := incident.InFlight(); ok {
		return nil, fmt.Errorf("%w: %s (%s)", ErrAttemptInFlight, running.AttemptID, running.Strategy)
	}
	m.closeLocked(incident, models.IncidentResolved, m.opts.Now(), "closed by operator")
	if err := m.persist(ctx, incident, "resolved", nil, incident.Resolution); err != nil {
		return nil, err
	}
	return incident.Clone(), nil
}

// ResumeAutomation returns an escalated incident to automatic recovery with a fresh ladder.
// Earlier attempts stay in the history but no longer count towards ladder progression.
func (m *Manager) ResumeAutomation(ctx context.Context, incidentID string) (*models.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	incident, err := m.lookup(incidentID)
	if err != nil {
		return nil, err
	}
	if incident.Status != models.IncidentEscalated {
		return nil, fmt.Errorf("%w: %s is %s, not escalated", ErrInvalidTransition, incidentID, incident.Status)
	}
	incident.Status = models.IncidentOpen
	if _, running := incident.InFlight(); running {
		incident.Status = models.IncidentRecovering
	}
	incident.LadderBase = len(incident.Attempts)
	incident.AwaitingApproval = models.StrategyNone
	if err := m.persist(ctx, incident, "resumed", nil, ""); err != nil {
		return nil, err
	}
	m.log(incident, "automation resumed", slog.Int("ladder_base", incident.LadderBase))
	return incident.Clone(), nil
}

// Get returns a copy of one incident.
func (m *Manager) Get(incidentID string) (*models.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	incident, err := m.lookup(incidentID)
	if err != nil {
		return nil, err
	}
	return incident.Clone(), nil
}

// Events returns the persisted log of one incident in append order. Incidents written by
// another process and not yet loaded here are found through the store.
func (m *Manager) Events(ctx context.Context, incidentID string) ([]storage.IncidentEvent, error) {
	m.mu.Lock()
	_, err := m.lookup(incidentID)
	m.mu.Unlock()
	if m.opts.Store == nil {
		if err != nil {
			return nil, err
		}
		return nil, nil
	}
	if err != nil {
		if _, lerr := m.opts.Store.LoadIncident(ctx, incidentID); lerr != nil {
			if errors.Is(lerr, storage.ErrNotFound) {
				return nil, err
			}
			return nil, fmt.Errorf("load incident %s: %w", incidentID, lerr)
		}
	}
	events, err := m.opts.Store.IncidentEvents(ctx, incidentID)
	if err != nil {
		return nil, fmt.Errorf("incident events %s: %w", incidentID, err)
	}
	return events, nil
}

// GetOpenIncident returns the active incident of a target, if any.
func (m *Manager) GetOpenIncident(targetID string) (*models.Incident, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.active[targetID]
	if !ok {
		return nil, false
	}
	return m.incidents[id].Clone(), true
}

// ListOpen returns every active incident, oldest first.
func (m *Manager) ListOpen() []*models.Incident {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Incident, 0, len(m.active))
	for _, id := range m.active {
		out = append(out, m.incidents[id].Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// List returns every incident known to this process, oldest first.
func (m *Manager) List() []*models.Incident {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Incident, 0, len(m.incidents))
	for _, incident := range m.incidents {
		out = append(out, incident.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// ConsecutiveFailures returns the current failure streak of a target with no active incident.
func (m *Manager) ConsecutiveFailures(targetID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.streaks[targetID]; ok {
		return len(s.failures)
	}
	return 0
}
