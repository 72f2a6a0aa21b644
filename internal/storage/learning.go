package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/miradorstack/mirador-recovery/internal/models"
)

func learningKey(signature string, strategy models.Strategy) string {
	return learningPrefix + signature + "/" + string(strategy)
}

const (
	maxConflictRetries = 5
	conflictBackoff    = 2 * time.Millisecond
)

// UpdateLearning applies fn to the record for (signature, strategy) atomically. A transaction
// that loses a write conflict is re-run against the committed record, so fn may be called more
// than once and must not carry state between calls.
func (d *DB) UpdateLearning(ctx context.Context, signature string, strategy models.Strategy, fn func(*models.LearningRecord)) (models.LearningRecord, error) {
	key := learningKey(signature, strategy)
	var record models.LearningRecord
	for attempt := 0; ; attempt++ {
		err := d.db.Update(func(txn *badger.Txn) error {
			record = models.LearningRecord{}
			if err := getJSON(txn, key, &record); err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			record.FailureSignature = signature
			record.Strategy = strategy
			fn(&record)
			return putJSON(txn, key, record)
		})
		if !errors.Is(err, badger.ErrConflict) {
			return record, err
		}
		if attempt >= maxConflictRetries {
			return models.LearningRecord{}, fmt.Errorf("update %s after %d retries: %w", key, attempt, err)
		}
		select {
		case <-ctx.Done():
			return models.LearningRecord{}, ctx.Err()
		case <-time.After(time.Duration(1<<attempt) * conflictBackoff):
		}
	}
}

// LearningRecords returns every record for signature (all signatures when empty).
func (d *DB) LearningRecords(_ context.Context, signature string) ([]models.LearningRecord, error) {
	prefix := learningPrefix
	if signature != "" {
		prefix += signature + "/"
	}
	var out []models.LearningRecord
	err := d.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, prefix, func(key string, val []byte) error {
			var record models.LearningRecord
			if err := json.Unmarshal(val, &record); err != nil {
				return fmt.Errorf("decode %s: %w", key, err)
			}
			out = append(out, record)
			return nil
		})
	})
	return out, err
}
