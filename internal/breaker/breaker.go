package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/miradorstack/mirador-recovery/internal/metrics"
	"github.com/miradorstack/mirador-recovery/internal/models"
)

// ErrOpen is returned without calling the dependency while its breaker is open,
// or while a half-open trial call is already in flight.
var ErrOpen = errors.New("breaker open")

// Settings configures one dependency breaker.
type Settings struct {
	// FailureThreshold consecutive failures move CLOSED to OPEN.
	FailureThreshold uint32
	// Cooldown is how long the breaker stays OPEN before allowing a trial.
	Cooldown time.Duration
	// CallTimeout bounds every guarded call.
	CallTimeout time.Duration
}

// DefaultSettings mirrors the documented defaults.
func DefaultSettings() Settings {
	return Settings{FailureThreshold: 5, Cooldown: 30 * time.Second, CallTimeout: 30 * time.Second}
}

type entry struct {
	cb       *gobreaker.CircuitBreaker
	settings Settings
	mu       sync.Mutex
	openedAt time.Time
	failures uint32
}

// Registry owns one breaker per dependency id.
type Registry struct {
	mu        sync.Mutex
	breakers  map[string]*entry
	defaults  Settings
	overrides map[string]Settings
	logger    *slog.Logger
}

// NewRegistry constructs a Registry; breakers are created lazily on first use.
func NewRegistry(defaults Settings, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if defaults.FailureThreshold == 0 {
		defaults.FailureThreshold = DefaultSettings().FailureThreshold
	}
	if defaults.Cooldown <= 0 {
		defaults.Cooldown = DefaultSettings().Cooldown
	}
	if defaults.CallTimeout <= 0 {
		defaults.CallTimeout = DefaultSettings().CallTimeout
	}
	return &Registry{
		breakers:  make(map[string]*entry),
		defaults:  defaults,
		overrides: make(map[string]Settings),
		logger:    logger,
	}
}

// Configure overrides settings for one dependency. It must be called before the first call.
func (r *Registry) Configure(dependency string, settings Settings) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[dependency] = settings
}

func (r *Registry) get(dependency string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.breakers[dependency]; ok {
		return e
	}

	settings := r.defaults
	if o, ok := r.overrides[dependency]; ok {
		if o.FailureThreshold > 0 {
			settings.FailureThreshold = o.FailureThreshold
		}
		if o.Cooldown > 0 {
			settings.Cooldown = o.Cooldown
		}
		if o.CallTimeout > 0 {
			settings.CallTimeout = o.CallTimeout
		}
	}

	e := &entry{settings: settings}
	threshold := settings.FailureThreshold
	e.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: dependency,
		// One request in HALF_OPEN: concurrent callers get ErrTooManyRequests.
		MaxRequests: 1,
		Timeout:     settings.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.mu.Lock()
			if to == gobreaker.StateOpen {
				e.openedAt = time.Now().UTC()
			} else if to == gobreaker.StateClosed {
				e.openedAt = time.Time{}
			}
			e.mu.Unlock()
			metrics.SetBreakerState(name, stateName(to))
			r.logger.Info("circuit breaker transition",
				slog.String("dependency", name),
				slog.String("from", string(stateName(from))),
				slog.String("to", string(stateName(to))))
		},
	})
	r.breakers[dependency] = e
	metrics.SetBreakerState(dependency, models.BreakerClosed)
	return e
}

// Execute runs fn through the dependency's breaker with the configured call timeout.
// A call rejected by the breaker returns an error wrapping ErrOpen immediately. A ctx that is
// already done returns its error without touching the breaker, so it never consumes a trial.
// fn must honour the ctx it is given: Execute does not return before fn does.
func (r *Registry) Execute(ctx context.Context, dependency string, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e := r.get(dependency)
	_, err := e.cb.Execute(func() (interface{}, error) {
		return nil, callWithTimeout(ctx, e.settings.CallTimeout, fn)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w", dependency, ErrOpen)
	}

	e.mu.Lock()
	if err == nil {
		e.failures = 0
	} else {
		e.failures++
	}
	e.mu.Unlock()
	return err
}

// callWithTimeout cancels fn once the deadline passes and waits for it to return. The deadline
// error wins over whatever fn returns after it.
func callWithTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(callCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-callCtx.Done():
		cancel()
		<-done
		return callCtx.Err()
	}
}

// State returns a snapshot of one dependency breaker.
func (r *Registry) State(dependency string) models.CircuitBreakerState {
	e := r.get(dependency)
	return e.snapshot(dependency)
}

// States returns snapshots of every breaker created so far, sorted by dependency.
func (r *Registry) States() []models.CircuitBreakerState {
	r.mu.Lock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	r.mu.Unlock()

	sort.Strings(names)
	out := make([]models.CircuitBreakerState, 0, len(names))
	for _, name := range names {
		out = append(out, r.State(name))
	}
	return out
}

func (e *entry) snapshot(dependency string) models.CircuitBreakerState {
	state := e.cb.State()
	counts := e.cb.Counts()

	e.mu.Lock()
	openedAt := e.openedAt
	failures := e.failures
	e.mu.Unlock()

	out := models.CircuitBreakerState{
		DependencyID:        dependency,
		State:               stateName(state),
		ConsecutiveFailures: failures,
	}
	if !openedAt.IsZero() && state != gobreaker.StateClosed {
		out.OpenedAt = &openedAt
	}
	if state == gobreaker.StateHalfOpen {
		out.HalfOpenTrialInFlight = counts.Requests > counts.TotalSuccesses+counts.TotalFailures
	}
	return out
}

func stateName(s gobreaker.State) models.BreakerStateName {
	switch s {
	case gobreaker.StateOpen:
		return models.BreakerOpen
	case gobreaker.StateHalfOpen:
		return models.BreakerHalfOpen
	default:
		return models.BreakerClosed
	}
}
