package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/miradorstack/mirador-recovery/internal/cache"
	"github.com/miradorstack/mirador-recovery/internal/metrics"
	"github.com/miradorstack/mirador-recovery/internal/models"
	"github.com/miradorstack/mirador-recovery/internal/utils"
)

// Lookup returns the current state of an incident.
type Lookup func(incidentID string) (*models.Incident, error)

// Options tunes an Engine.
type Options struct {
	// Thresholds are the elapsed times since an incident opened at which levels 1..n fire.
	Thresholds []time.Duration
	// Rate and Burst bound notification dispatch across all incidents.
	Rate      float64
	Burst     int
	QueueSize int
	// Dedupe suppresses repeated pages of one kind and level across restarts and replicas.
	Dedupe    cache.Provider
	DedupeTTL time.Duration
	// SinkTimeout bounds a single delivery.
	SinkTimeout time.Duration
	Lookup      Lookup
	// OnLevel is called after a level is fired.
	OnLevel func(ctx context.Context, incidentID string, level int)
	Now     utils.Clock
	Logger  *slog.Logger
}

// Kind classifies why an escalation fired. Deduplication is per kind and level, so a timer
// page never masks an approval request or an exhaustion page at the same level.
type Kind string

const (
	KindTimer        Kind = "timer"
	KindApproval     Kind = "approval"
	KindNoCheckpoint Kind = "no_checkpoint"
	KindExhausted    Kind = "exhausted"
)

// DefaultThresholds are the elapsed times at which levels 1-4 fire.
func DefaultThresholds() []time.Duration {
	return []time.Duration{5 * time.Minute, 15 * time.Minute, 30 * time.Minute, time.Hour}
}

// Engine runs one set of escalation timers per open incident and dispatches events to sinks.
// Delivery happens on a separate goroutine so a slow or failing sink never blocks recovery.
type Engine struct {
	sinks   []Notifier
	opts    Options
	limiter *rate.Limiter
	queue   chan models.EscalationEvent
	logger  *slog.Logger

	fired atomic.Int64

	mu     sync.Mutex
	timers map[string][]*time.Timer
	levels map[string]map[Kind]int
	closed map[string]bool
}

// NewEngine constructs an Engine.
func NewEngine(sinks []Notifier, opts Options) *Engine {
	if len(opts.Thresholds) == 0 {
		opts.Thresholds = DefaultThresholds()
	}
	if opts.Rate <= 0 {
		opts.Rate = 1
	}
	if opts.Burst <= 0 {
		opts.Burst = 10
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Dedupe == nil {
		opts.Dedupe = cache.NoopProvider{}
	}
	if opts.DedupeTTL <= 0 {
		opts.DedupeTTL = 24 * time.Hour
	}
	if opts.SinkTimeout <= 0 {
		opts.SinkTimeout = 15 * time.Second
	}
	if opts.Now == nil {
		opts.Now = utils.SystemClock
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		sinks:   sinks,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.Rate), opts.Burst),
		queue:   make(chan models.EscalationEvent, opts.QueueSize),
		logger:  opts.Logger,
		timers:  make(map[string][]*time.Timer),
		levels:  make(map[string]map[Kind]int),
		closed:  make(map[string]bool),
	}
}

// Urgency names an escalation level.
func Urgency(level int) string {
	switch {
	case level <= 1:
		return "notice"
	case level == 2:
		return "warning"
	case level == 3:
		return "urgent"
	case level == 4:
		return "critical"
	default:
		return "disaster-recovery"
	}
}

// Watch starts the timers of an open incident, measured from its OpenedAt. Levels already due
// (an incident reloaded after a restart) collapse into one immediate notification at the
// highest due level. Watching an incident twice is a no-op.
func (e *Engine) Watch(incident *models.Incident) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := incident.IncidentID
	if _, ok := e.timers[id]; ok || e.closed[id] || incident.Status.Terminal() {
		return
	}
	if incident.EscalationLevel > e.levels[id][KindTimer] {
		e.mark(id, KindTimer, incident.EscalationLevel)
	}

	elapsed := e.opts.Now().Sub(incident.OpenedAt)
	timers := make([]*time.Timer, 0, len(e.opts.Thresholds))
	due := 0
	for i, threshold := range e.opts.Thresholds {
		threshold := threshold // per-iteration copy (go < 1.22 loop semantics)
		level := i + 1
		if threshold <= elapsed {
			due = level
			continue
		}
		timers = append(timers, time.AfterFunc(threshold-elapsed, func() {
			e.fireTimer(id, level, threshold)
		}))
	}
	if due > 0 {
		threshold := e.opts.Thresholds[due-1]
		timers = append(timers, time.AfterFunc(0, func() {
			e.fireTimer(id, due, threshold)
		}))
	}
	e.timers[id] = timers
}

func (e *Engine) fireTimer(incidentID string, level int, threshold time.Duration) {
	if e.opts.Lookup == nil {
		return
	}
	incident, err := e.opts.Lookup(incidentID)
	if err != nil {
		e.logger.Warn("escalation timer lookup failed", slog.String("incident_id", incidentID), slog.Any("error", err))
		return
	}
	if _, err := e.Escalate(context.Background(), incident, KindTimer, level, fmt.Sprintf("unresolved after %s", threshold)); err != nil {
		e.logger.Warn("escalation failed", slog.String("incident_id", incidentID), slog.Int("level", level), slog.Any("error", err))
	}
}

// Escalate fires level for incident now. It returns false when the incident is closed or an
// escalation of the same kind was already fired at level or higher.
func (e *Engine) Escalate(ctx context.Context, incident *models.Incident, kind Kind, level int, reason string) (bool, error) {
	if incident == nil {
		return false, errors.New("escalate: nil incident")
	}
	if level < models.EscalationLevelMin {
		level = models.EscalationLevelMin
	}
	if level > models.EscalationLevelDisaster {
		level = models.EscalationLevelDisaster
	}
	if incident.Status.Terminal() {
		return false, nil
	}

	id := incident.IncidentID
	e.mu.Lock()
	if e.closed[id] || e.levels[id][kind] >= level {
		e.mu.Unlock()
		return false, nil
	}
	e.mark(id, kind, level)
	e.mu.Unlock()

	key := cache.Key("escalation", id, strconv.Itoa(incident.LadderBase), string(kind), strconv.Itoa(level))
	stored, err := cache.Claim(ctx, e.opts.Dedupe, key, []byte(reason), e.opts.DedupeTTL)
	if err != nil {
		e.logger.Warn("escalation dedupe unavailable", slog.String("incident_id", id), slog.Any("error", err))
	}
	if !stored {
		e.logger.Info("escalation already sent",
			slog.String("incident_id", id),
			slog.String("kind", string(kind)),
			slog.Int("level", level))
		return false, nil
	}

	event := e.event(incident, level, reason)
	event.Kind = string(kind)
	e.fired.Add(1)
	metrics.ObserveEscalation(level)
	e.logger.Warn("incident escalated",
		slog.String("incident_id", id),
		slog.String("target_id", incident.TargetID),
		slog.Int("level", level),
		slog.String("kind", string(kind)),
		slog.String("reason", reason))
	if e.opts.OnLevel != nil {
		e.opts.OnLevel(ctx, id, level)
	}
	e.enqueue(event)
	return true, nil
}

// mark records level for kind. Callers hold e.mu.
func (e *Engine) mark(incidentID string, kind Kind, level int) {
	kinds, ok := e.levels[incidentID]
	if !ok {
		kinds = make(map[Kind]int)
		e.levels[incidentID] = kinds
	}
	kinds[kind] = level
}

func (e *Engine) event(incident *models.Incident, level int, reason string) models.EscalationEvent {
	now := e.opts.Now()
	attempts := append([]models.RecoveryAttempt(nil), incident.Attempts...)
	return models.EscalationEvent{
		IncidentID: incident.IncidentID,
		Level:      level,
		TargetID:   incident.TargetID,
		Summary:    Summary(incident, level, now),
		Timestamp:  now,
		Reason:     reason,
		Severity:   incident.Severity,
		Status:     incident.Status,
		Attempts:   attempts,
	}
}

// Summary renders a one-line description of an incident for humans.
func Summary(incident *models.Incident, level int, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s L%d] %s %s %s for %s",
		strings.ToUpper(Urgency(level)), level, incident.Severity, incident.TargetID, incident.Status,
		now.Sub(incident.OpenedAt).Round(time.Second))
	if len(incident.Attempts) == 0 {
		b.WriteString(", no recovery attempts")
		return b.String()
	}
	parts := make([]string, 0, len(incident.Attempts))
	for _, a := range incident.Attempts {
		outcome := string(a.Outcome)
		if a.InProgress() {
			outcome = "IN_PROGRESS"
		}
		parts = append(parts, string(a.Strategy)+"="+outcome)
	}
	fmt.Fprintf(&b, ", %d attempts: %s", len(incident.Attempts), strings.Join(parts, " "))
	return b.String()
}

func (e *Engine) enqueue(event models.EscalationEvent) {
	select {
	case e.queue <- event:
	default:
		metrics.ObserveNotificationFailure("queue")
		e.logger.Error("escalation queue full, event dropped",
			slog.String("incident_id", event.IncidentID),
			slog.Int("level", event.Level))
	}
}

// Run delivers queued events until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event := <-e.queue:
			if err := e.limiter.Wait(ctx); err != nil {
				return nil
			}
			e.deliver(ctx, event)
		}
	}
}

func (e *Engine) deliver(ctx context.Context, event models.EscalationEvent) {
	for _, sink := range e.sinks {
		sinkCtx, cancel := context.WithTimeout(ctx, e.opts.SinkTimeout)
		err := sink.Notify(sinkCtx, event)
		cancel()
		if err != nil {
			metrics.ObserveNotificationFailure(sink.Name())
			e.logger.Warn("notification delivery failed",
				slog.String("sink", sink.Name()),
				slog.String("incident_id", event.IncidentID),
				slog.Int("level", event.Level),
				slog.Any("error", err))
		}
	}
}

// Cancel stops the timers of an incident. Nothing is fired for it afterwards.
func (e *Engine) Cancel(incidentID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range e.timers[incidentID] {
		t.Stop()
	}
	delete(e.timers, incidentID)
	delete(e.levels, incidentID)
	e.closed[incidentID] = true
}

// Reset forgets the levels fired for an incident so a resumed ladder can page again.
func (e *Engine) Reset(incidentID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.levels, incidentID)
}

// Level returns the highest level fired for an incident.
func (e *Engine) Level(incidentID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	highest := 0
	for _, level := range e.levels[incidentID] {
		if level > highest {
			highest = level
		}
	}
	return highest
}

// Fired returns how many escalations were sent since start.
func (e *Engine) Fired() int64 {
	return e.fired.Load()
}

// Stop cancels every pending timer.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, timers := range e.timers {
		for _, t := range timers {
			t.Stop()
		}
		delete(e.timers, id)
	}
}
