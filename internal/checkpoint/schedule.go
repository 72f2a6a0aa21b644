package checkpoint

import (
	"context"
	"log/slog"
	"time"

	"github.com/miradorstack/mirador-recovery/internal/models"
)

// Scheduler takes routine full checkpoints and expires old ones on a fixed period,
// independently of incidents.
type Scheduler struct {
	store    *Store
	targets  []string
	interval time.Duration
	// Skip reports targets that should not be captured this round, e.g. while failing.
	Skip   func(targetID string) bool
	logger *slog.Logger
}

// NewScheduler builds a Scheduler over targets.
func NewScheduler(store *Store, targets []string, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Scheduler{store: store, targets: targets, interval: interval, logger: logger}
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce snapshots every eligible target then runs retention cleanup.
func (s *Scheduler) RunOnce(ctx context.Context) {
	for _, target := range s.targets {
		if s.Skip != nil && s.Skip(target) {
			s.logger.Debug("skipping routine checkpoint", slog.String("target_id", target))
			continue
		}
		if _, err := s.store.Snapshot(ctx, target, models.FullScope(), models.LabelRoutine, ""); err != nil {
			s.logger.Warn("routine checkpoint failed", slog.String("target_id", target), slog.Any("error", err))
		}
	}
	if _, err := s.store.Cleanup(ctx); err != nil {
		s.logger.Warn("checkpoint cleanup failed", slog.Any("error", err))
	}
}
