package orchestrator

import (
	"sync"
	"time"

	"github.com/miradorstack/mirador-recovery/internal/models"
)

// driver runs the recovery ladder of one incident. Work is serialised on its goroutine, so an
// incident never has two strategies scheduled at once.
type driver struct {
	incidentID string
	wake       chan struct{}
	halt       chan struct{}
	haltOnce   sync.Once

	mu sync.Mutex
	// pending is set while the target is failing and no successful attempt has answered it.
	pending   bool
	settledAt time.Time
	forced    []models.Strategy
}

func newDriver(incidentID string) *driver {
	return &driver{
		incidentID: incidentID,
		wake:       make(chan struct{}, 1),
		halt:       make(chan struct{}),
		pending:    true,
	}
}

func (d *driver) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *driver) stop() {
	d.haltOnce.Do(func() { close(d.halt) })
	d.signal()
}

// relapse marks the target failing again when the report is newer than the last success.
func (d *driver) relapse(at time.Time) {
	d.mu.Lock()
	if at.After(d.settledAt) {
		d.pending = true
	}
	d.mu.Unlock()
	d.signal()
}

func (d *driver) rearm() {
	d.mu.Lock()
	d.pending = true
	d.mu.Unlock()
	d.signal()
}

func (d *driver) settle(at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = false
	d.settledAt = at
}

func (d *driver) isPending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

func (d *driver) force(strategy models.Strategy) {
	d.mu.Lock()
	d.forced = append(d.forced, strategy)
	d.mu.Unlock()
	d.signal()
}

func (d *driver) takeForced() (models.Strategy, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.forced) == 0 {
		return models.StrategyNone, false
	}
	next := d.forced[0]
	d.forced = d.forced[1:]
	return next, true
}
