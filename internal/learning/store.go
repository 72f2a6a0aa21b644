package learning

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/miradorstack/mirador-recovery/internal/models"
	"github.com/miradorstack/mirador-recovery/internal/utils"
)

// Backend persists learning records.
type Backend interface {
	UpdateLearning(ctx context.Context, signature string, strategy models.Strategy, fn func(*models.LearningRecord)) (models.LearningRecord, error)
	LearningRecords(ctx context.Context, signature string) ([]models.LearningRecord, error)
}

// Store aggregates attempt outcomes per (failure signature, strategy). Reads are served from
// memory; every update is written through to the backend.
type Store struct {
	backend Backend
	now     utils.Clock
	logger  *slog.Logger

	mu      sync.RWMutex
	records map[string]map[models.Strategy]models.LearningRecord
	loaded  map[string]bool
}

// NewStore constructs a Store.
func NewStore(backend Backend, now utils.Clock, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = utils.SystemClock
	}
	return &Store{
		backend: backend,
		now:     now,
		logger:  logger,
		records: make(map[string]map[models.Strategy]models.LearningRecord),
		loaded:  make(map[string]bool),
	}
}

// Record folds a finished attempt into the record for signature. In-progress attempts are ignored.
func (s *Store) Record(ctx context.Context, signature string, attempt models.RecoveryAttempt) (models.LearningRecord, error) {
	if attempt.InProgress() {
		return models.LearningRecord{}, fmt.Errorf("attempt %s has not finished", attempt.AttemptID)
	}
	duration := attempt.Duration()
	success := attempt.Outcome == models.AttemptSuccess
	now := s.now()
	apply := func(r *models.LearningRecord) {
		total := time.Duration(r.AttemptsCount)*r.AvgDuration + duration
		r.AttemptsCount++
		if success {
			r.SuccessesCount++
		}
		r.AvgDuration = total / time.Duration(r.AttemptsCount)
		r.UpdatedAt = now
	}

	var record models.LearningRecord
	if s.backend != nil {
		var err error
		record, err = s.backend.UpdateLearning(ctx, signature, attempt.Strategy, apply)
		if err != nil {
			return models.LearningRecord{}, fmt.Errorf("persist learning record: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	bySignature, ok := s.records[signature]
	if !ok {
		bySignature = make(map[models.Strategy]models.LearningRecord)
		s.records[signature] = bySignature
	}
	if s.backend == nil {
		record = bySignature[attempt.Strategy]
		record.FailureSignature = signature
		record.Strategy = attempt.Strategy
		apply(&record)
	}
	// concurrent Records may reach the lock out of commit order; counts only grow
	if cached, ok := bySignature[attempt.Strategy]; !ok || record.AttemptsCount >= cached.AttemptsCount {
		bySignature[attempt.Strategy] = record
	}

	s.logger.Debug("learning record updated",
		slog.String("failure_signature", signature),
		slog.String("strategy", string(attempt.Strategy)),
		slog.Int("attempts", record.AttemptsCount),
		slog.Int("successes", record.SuccessesCount))
	return record, nil
}

// Records returns the records for signature keyed by strategy.
func (s *Store) Records(ctx context.Context, signature string) (map[models.Strategy]models.LearningRecord, error) {
	s.mu.RLock()
	loaded := s.loaded[signature]
	s.mu.RUnlock()

	if !loaded && s.backend != nil {
		list, err := s.backend.LearningRecords(ctx, signature)
		if err != nil {
			return nil, fmt.Errorf("load learning records: %w", err)
		}
		s.mu.Lock()
		fresh := make(map[models.Strategy]models.LearningRecord, len(list))
		for _, record := range list {
			fresh[record.Strategy] = record
		}
		// an update may have landed between the read and the lock; counts only grow
		for strategy, record := range s.records[signature] {
			if record.AttemptsCount > fresh[strategy].AttemptsCount {
				fresh[strategy] = record
			}
		}
		s.records[signature] = fresh
		s.loaded[signature] = true
		s.mu.Unlock()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[models.Strategy]models.LearningRecord, len(s.records[signature]))
	for strategy, record := range s.records[signature] {
		out[strategy] = record
	}
	return out, nil
}

// All returns every record known to the backend.
func (s *Store) All(ctx context.Context) ([]models.LearningRecord, error) {
	if s.backend == nil {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []models.LearningRecord
		for _, bySignature := range s.records {
			for _, record := range bySignature {
				out = append(out, record)
			}
		}
		return out, nil
	}
	return s.backend.LearningRecords(ctx, "")
}
