package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"

	"github.com/miradorstack/mirador-recovery/internal/models"
)

func checkpointKey(targetID, id string) string {
	return checkpointPrefix + targetID + "/" + id
}

// PutCheckpoint stores or replaces checkpoint metadata.
func (d *DB) PutCheckpoint(_ context.Context, meta models.CheckpointSnapshot) error {
	if meta.CheckpointID == "" || meta.TargetID == "" {
		return fmt.Errorf("checkpoint id and target id are required")
	}
	return d.db.Update(func(txn *badger.Txn) error {
		return putJSON(txn, checkpointKey(meta.TargetID, meta.CheckpointID), meta)
	})
}

// GetCheckpoint loads checkpoint metadata by id.
func (d *DB) GetCheckpoint(ctx context.Context, id string) (models.CheckpointSnapshot, error) {
	all, err := d.ListCheckpoints(ctx, "")
	if err != nil {
		return models.CheckpointSnapshot{}, err
	}
	for _, meta := range all {
		if meta.CheckpointID == id {
			return meta, nil
		}
	}
	return models.CheckpointSnapshot{}, ErrNotFound
}

// ListCheckpoints returns metadata for targetID (all targets when empty), newest first.
func (d *DB) ListCheckpoints(_ context.Context, targetID string) ([]models.CheckpointSnapshot, error) {
	prefix := checkpointPrefix
	if targetID != "" {
		prefix += targetID + "/"
	}
	var out []models.CheckpointSnapshot
	err := d.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, prefix, func(key string, val []byte) error {
			var meta models.CheckpointSnapshot
			if err := json.Unmarshal(val, &meta); err != nil {
				return fmt.Errorf("decode %s: %w", key, err)
			}
			out = append(out, meta)
			return nil
		})
	})
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, err
}

// DeleteCheckpoint removes checkpoint metadata.
func (d *DB) DeleteCheckpoint(_ context.Context, meta models.CheckpointSnapshot) error {
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(checkpointKey(meta.TargetID, meta.CheckpointID)))
	})
}
