package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/miradorstack/mirador-recovery/internal/models"
)

// IncidentEvent is one entry of an incident's append-only log.
type IncidentEvent struct {
	Seq     uint64                  `json:"seq"`
	At      time.Time               `json:"at"`
	Kind    string                  `json:"kind"`
	Status  models.IncidentStatus   `json:"status"`
	Attempt *models.RecoveryAttempt `json:"attempt,omitempty"`
	Detail  string                  `json:"detail,omitempty"`
}

const incidentEventPrefix = "incident-event/"

func incidentKey(id string) string {
	return incidentPrefix + id
}

func incidentSeqKey(id string) string {
	return "incident-seq/" + id
}

func incidentEventKey(id string, seq uint64) string {
	return fmt.Sprintf("%s%s/%020d", incidentEventPrefix, id, seq)
}

// AppendIncident appends event to the incident log and replaces the incident's current view
// in one transaction.
func (d *DB) AppendIncident(_ context.Context, incident *models.Incident, event IncidentEvent) error {
	if incident == nil || incident.IncidentID == "" {
		return fmt.Errorf("incident id is required")
	}
	return d.db.Update(func(txn *badger.Txn) error {
		seq, err := nextSeq(txn, incidentSeqKey(incident.IncidentID))
		if err != nil {
			return err
		}
		event.Seq = seq
		if err := putJSON(txn, incidentEventKey(incident.IncidentID, seq), event); err != nil {
			return err
		}
		return putJSON(txn, incidentKey(incident.IncidentID), incident)
	})
}

func nextSeq(txn *badger.Txn, key string) (uint64, error) {
	var current uint64
	item, err := txn.Get([]byte(key))
	switch {
	case err == nil:
		if err := item.Value(func(val []byte) error {
			parsed, perr := strconv.ParseUint(string(val), 10, 64)
			current = parsed
			return perr
		}); err != nil {
			return 0, fmt.Errorf("read sequence %s: %w", key, err)
		}
	case !errors.Is(err, badger.ErrKeyNotFound):
		return 0, fmt.Errorf("read sequence %s: %w", key, err)
	}
	next := current + 1
	if err := txn.Set([]byte(key), []byte(strconv.FormatUint(next, 10))); err != nil {
		return 0, err
	}
	return next, nil
}

// LoadIncident returns the current view of one incident.
func (d *DB) LoadIncident(_ context.Context, id string) (*models.Incident, error) {
	var incident models.Incident
	err := d.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, incidentKey(id), &incident)
	})
	if err != nil {
		return nil, err
	}
	return &incident, nil
}

// LoadIncidents returns every persisted incident.
func (d *DB) LoadIncidents(_ context.Context) ([]*models.Incident, error) {
	var out []*models.Incident
	err := d.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, incidentPrefix, func(key string, val []byte) error {
			var incident models.Incident
			if err := json.Unmarshal(val, &incident); err != nil {
				return fmt.Errorf("decode %s: %w", key, err)
			}
			out = append(out, &incident)
			return nil
		})
	})
	return out, err
}

// IncidentEvents returns the log of one incident in append order.
func (d *DB) IncidentEvents(_ context.Context, id string) ([]IncidentEvent, error) {
	var out []IncidentEvent
	err := d.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, incidentEventPrefix+id+"/", func(key string, val []byte) error {
			var event IncidentEvent
			if err := json.Unmarshal(val, &event); err != nil {
				return fmt.Errorf("decode %s: %w", key, err)
			}
			out = append(out, event)
			return nil
		})
	})
	return out, err
}
