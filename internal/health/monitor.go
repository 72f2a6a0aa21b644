package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/mirador-recovery/internal/metrics"
	"github.com/miradorstack/mirador-recovery/internal/models"
	"github.com/miradorstack/mirador-recovery/internal/utils"
)

// ErrUnknownTarget is returned for targets that were never added to the Monitor.
var ErrUnknownTarget = errors.New("unknown target")

// minLatencySamples is the number of healthy samples needed before latency outliers are judged.
const minLatencySamples = 5

// Sink receives every scheduled health check result.
type Sink func(ctx context.Context, result models.HealthCheckResult)

// runner is implemented by probers that need a background loop, such as HeartbeatProber.
type runner interface {
	Run(ctx context.Context) error
}

// MonitorOptions tunes a Monitor.
type MonitorOptions struct {
	// Window is the number of recent results retained per target.
	Window       int
	ProbeTimeout time.Duration
	// LatencyZScore marks a healthy probe DEGRADED when its latency deviates this far from the
	// window's healthy baseline. Zero disables the check.
	LatencyZScore float64
	Sink          Sink
	Now           utils.Clock
	Logger        *slog.Logger
}

type watched struct {
	target models.Target
	prober Prober
	window []models.HealthCheckResult
}

// Monitor polls every target on its own interval and hands results to the sink.
type Monitor struct {
	opts   MonitorOptions
	logger *slog.Logger

	mu      sync.RWMutex
	targets map[string]*watched
}

// NewMonitor constructs a Monitor.
func NewMonitor(opts MonitorOptions) *Monitor {
	if opts.Window <= 0 {
		opts.Window = 10
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = utils.SystemClock
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Monitor{opts: opts, logger: opts.Logger, targets: make(map[string]*watched)}
}

// Add registers a target. Targets must be added before Run.
func (m *Monitor) Add(target models.Target, prober Prober) error {
	if target.ID == "" {
		return errors.New("target id is required")
	}
	if prober == nil {
		return fmt.Errorf("target %s: prober is required", target.ID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.targets[target.ID]; ok {
		return fmt.Errorf("target %s already monitored", target.ID)
	}
	m.targets[target.ID] = &watched{target: target, prober: prober}
	return nil
}

// SetSink replaces the sink. It must be called before Run.
func (m *Monitor) SetSink(sink Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opts.Sink = sink
}

// Targets lists monitored targets ordered by id.
func (m *Monitor) Targets() []models.Target {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Target, 0, len(m.targets))
	for _, w := range m.targets {
		out = append(out, w.target)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Run polls every target until ctx is cancelled. Each target probes immediately and then once
// per poll interval.
func (m *Monitor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, target := range m.Targets() {
		target := target // per-iteration copy (go < 1.22 loop semantics)
		m.mu.RLock()
		w := m.targets[target.ID]
		m.mu.RUnlock()

		if r, ok := w.prober.(runner); ok {
			g.Go(func() error {
				if err := r.Run(ctx); err != nil {
					// Probe falls back to reading the heartbeat directly.
					m.logger.Warn("prober loop stopped", slog.String("target_id", target.ID), slog.Any("error", err))
				}
				return nil
			})
		}
		g.Go(func() error {
			m.loop(ctx, target)
			return nil
		})
	}
	return g.Wait()
}

func (m *Monitor) loop(ctx context.Context, target models.Target) {
	interval := target.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := m.Poll(ctx, target.ID); err != nil && ctx.Err() == nil {
			m.logger.Error("health poll failed", slog.String("target_id", target.ID), slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll probes a target once, records the result in its window and hands it to the sink.
func (m *Monitor) Poll(ctx context.Context, targetID string) (models.HealthCheckResult, error) {
	result, err := m.probe(ctx, targetID)
	if err != nil {
		return models.HealthCheckResult{}, err
	}
	if ctx.Err() != nil {
		return result, ctx.Err()
	}

	m.mu.Lock()
	w := m.targets[targetID]
	result = m.judgeLatency(w.window, result)
	w.window = append(w.window, result)
	if len(w.window) > m.opts.Window {
		w.window = append([]models.HealthCheckResult(nil), w.window[len(w.window)-m.opts.Window:]...)
	}
	sink := m.opts.Sink
	m.mu.Unlock()

	metrics.ObserveHealthCheck(result)
	if !result.Healthy() {
		m.logger.Debug("target unhealthy",
			slog.String("target_id", targetID),
			slog.String("outcome", string(result.Outcome)),
			slog.String("detail", result.Detail))
	}
	if sink != nil {
		sink(ctx, result)
	}
	return result, nil
}

// Check probes a target on demand without recording the result or notifying the sink.
// Unknown targets are reported UNREACHABLE.
func (m *Monitor) Check(ctx context.Context, targetID string) models.HealthCheckResult {
	result, err := m.probe(ctx, targetID)
	if err != nil {
		return models.HealthCheckResult{
			TargetID:  targetID,
			Timestamp: m.opts.Now(),
			Outcome:   models.HealthUnreachable,
			Detail:    err.Error(),
		}
	}
	return result
}

// Window returns a copy of the recent results for a target, oldest first.
func (m *Monitor) Window(targetID string) []models.HealthCheckResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.targets[targetID]
	if !ok {
		return nil
	}
	return append([]models.HealthCheckResult(nil), w.window...)
}

func (m *Monitor) probe(ctx context.Context, targetID string) (models.HealthCheckResult, error) {
	m.mu.RLock()
	w, ok := m.targets[targetID]
	m.mu.RUnlock()
	if !ok {
		return models.HealthCheckResult{}, fmt.Errorf("%w: %s", ErrUnknownTarget, targetID)
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	defer cancel()

	started := time.Now()
	outcome, detail, err := w.prober.Probe(probeCtx)
	latency := time.Since(started)
	if err != nil {
		outcome = models.HealthUnreachable
		detail = firstNonEmpty(detail, err.Error())
		if errors.Is(probeCtx.Err(), context.DeadlineExceeded) {
			detail = fmt.Sprintf("probe timed out after %s", m.opts.ProbeTimeout)
		}
	}
	return models.HealthCheckResult{
		TargetID:  targetID,
		Timestamp: m.opts.Now(),
		Outcome:   outcome,
		Latency:   latency,
		Detail:    detail,
	}, nil
}

// judgeLatency downgrades a healthy result whose latency is an outlier against the healthy
// samples already in the window.
func (m *Monitor) judgeLatency(window []models.HealthCheckResult, result models.HealthCheckResult) models.HealthCheckResult {
	if m.opts.LatencyZScore <= 0 || !result.Healthy() {
		return result
	}
	score, ok := LatencyScore(window, result.Latency)
	if !ok || score < m.opts.LatencyZScore {
		return result
	}
	result.Outcome = models.HealthDegraded
	result.Detail = fmt.Sprintf("latency %s is %.1f standard deviations above baseline", result.Latency.Round(time.Millisecond), score)
	return result
}

// LatencyScore returns the z-score of latency against the healthy samples in window. It reports
// false when fewer than five healthy samples exist. The deviation is floored at a tenth of the
// mean so a perfectly steady baseline does not turn jitter into outliers.
func LatencyScore(window []models.HealthCheckResult, latency time.Duration) (float64, bool) {
	samples := make([]float64, 0, len(window))
	for _, r := range window {
		if r.Healthy() {
			samples = append(samples, float64(r.Latency))
		}
	}
	if len(samples) < minLatencySamples {
		return 0, false
	}

	mean := 0.0
	for _, v := range samples {
		mean += v
	}
	mean /= float64(len(samples))

	variance := 0.0
	for _, v := range samples {
		variance += math.Pow(v-mean, 2)
	}
	variance /= float64(len(samples))
	stdDev := math.Sqrt(variance)
	if floor := mean * 0.1; stdDev < floor {
		stdDev = floor
	}
	if stdDev == 0 {
		stdDev = float64(time.Millisecond)
	}
	return (float64(latency) - mean) / stdDev, true
}
