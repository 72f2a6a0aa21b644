package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/miradorstack/mirador-recovery/internal/metrics"
	"github.com/miradorstack/mirador-recovery/internal/models"
	"github.com/miradorstack/mirador-recovery/internal/storage"
	"github.com/miradorstack/mirador-recovery/internal/utils"
)

var tracer = otel.Tracer("mirador-recovery/checkpoint")

var (
	// ErrNotFound is returned for unknown checkpoint ids.
	ErrNotFound = errors.New("checkpoint not found")
	// ErrCorrupt is returned when a payload fails hash or structure verification.
	ErrCorrupt = errors.New("checkpoint failed validation")
	// ErrNoValidCheckpoint is returned when no stored checkpoint qualifies for a restore.
	ErrNoValidCheckpoint = errors.New("no valid checkpoint")
)

// Source captures and applies one state component of a target.
type Source interface {
	Capture(ctx context.Context, targetID string) (map[string]interface{}, error)
	Apply(ctx context.Context, targetID string, state map[string]interface{}) error
}

// MetadataStore persists checkpoint metadata.
type MetadataStore interface {
	PutCheckpoint(ctx context.Context, meta models.CheckpointSnapshot) error
	GetCheckpoint(ctx context.Context, id string) (models.CheckpointSnapshot, error)
	ListCheckpoints(ctx context.Context, targetID string) ([]models.CheckpointSnapshot, error)
	DeleteCheckpoint(ctx context.Context, meta models.CheckpointSnapshot) error
}

// Options tunes a Store.
type Options struct {
	Retention time.Duration
	Now       utils.Clock
	Logger    *slog.Logger
}

// Store creates, validates, restores and expires checkpoints.
type Store struct {
	meta      MetadataStore
	blobs     BlobStore
	sources   map[string]Source
	retention time.Duration
	now       utils.Clock
	logger    *slog.Logger

	// restores are serialised per target
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// RestoreResult lists which components were written and which were already in place.
type RestoreResult struct {
	CheckpointID string
	Applied      []string
	Unchanged    []string
}

// NewStore builds a Store. sources maps component names (config, data) to their capture/apply hooks.
func NewStore(meta MetadataStore, blobs BlobStore, sources map[string]Source, opts Options) *Store {
	if opts.Retention <= 0 {
		opts.Retention = 7 * 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = utils.SystemClock
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{
		meta:      meta,
		blobs:     blobs,
		sources:   sources,
		retention: opts.Retention,
		now:       opts.Now,
		logger:    opts.Logger,
		locks:     make(map[string]*sync.Mutex),
	}
}

func (s *Store) targetLock(targetID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[targetID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[targetID] = l
	}
	return l
}

func (s *Store) components(scope models.Scope) ([]string, error) {
	if scope.Kind == models.ScopePartial {
		if _, ok := s.sources[scope.Component]; !ok {
			return nil, fmt.Errorf("no state source for component %q", scope.Component)
		}
		return []string{scope.Component}, nil
	}
	names := make([]string, 0, len(s.sources))
	for name := range s.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return nil, fmt.Errorf("no state sources configured")
	}
	return names, nil
}

// Snapshot captures the current state of targetID within scope and stores it.
func (s *Store) Snapshot(ctx context.Context, targetID string, scope models.Scope, label models.CheckpointLabel, incidentID string) (models.CheckpointSnapshot, error) {
	ctx, span := tracer.Start(ctx, "checkpoint.snapshot", trace.WithAttributes(
		attribute.String("target.id", targetID),
		attribute.String("checkpoint.scope", scope.String()),
		attribute.String("checkpoint.label", string(label)),
	))
	defer span.End()

	names, err := s.components(scope)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return models.CheckpointSnapshot{}, err
	}
	state := make(State, len(names))
	for _, name := range names {
		value, err := s.sources[name].Capture(ctx, targetID)
		if err != nil {
			err = fmt.Errorf("capture %s state: %w", name, err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			metrics.ObserveCheckpoint("snapshot", err)
			return models.CheckpointSnapshot{}, err
		}
		state[name] = value
	}
	meta, err := s.write(ctx, targetID, scope, label, incidentID, state)
	metrics.ObserveCheckpoint("snapshot", err)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return meta, err
}

// Seed stores an externally supplied component state, used for last-known-good configuration.
func (s *Store) Seed(ctx context.Context, targetID, component string, value map[string]interface{}, label models.CheckpointLabel) (models.CheckpointSnapshot, error) {
	meta, err := s.write(ctx, targetID, models.PartialScope(component), label, "", State{component: value})
	metrics.ObserveCheckpoint("seed", err)
	return meta, err
}

func (s *Store) write(ctx context.Context, targetID string, scope models.Scope, label models.CheckpointLabel, incidentID string, state State) (models.CheckpointSnapshot, error) {
	data, err := encode(state)
	if err != nil {
		return models.CheckpointSnapshot{}, err
	}
	id := uuid.NewString()
	meta := models.CheckpointSnapshot{
		CheckpointID: id,
		TargetID:     targetID,
		CreatedAt:    s.now(),
		Scope:        scope,
		ContentHash:  contentHash(data),
		StorageRef:   s.blobs.Name() + ":" + targetID + "/" + id + ".pb",
		Size:         int64(len(data)),
		Label:        label,
		IncidentID:   incidentID,
	}
	if err := s.blobs.Put(ctx, blobRef(meta), data); err != nil {
		return models.CheckpointSnapshot{}, fmt.Errorf("store checkpoint payload: %w", err)
	}
	if _, verr := s.verify(ctx, meta); verr == nil {
		meta.Valid = true
	} else {
		s.logger.Warn("checkpoint failed validation after write",
			slog.String("checkpoint_id", id), slog.String("target_id", targetID), slog.Any("error", verr))
	}
	if err := s.meta.PutCheckpoint(ctx, meta); err != nil {
		return models.CheckpointSnapshot{}, fmt.Errorf("store checkpoint metadata: %w", err)
	}
	s.logger.Info("checkpoint created",
		slog.String("checkpoint_id", id),
		slog.String("target_id", targetID),
		slog.String("scope", scope.String()),
		slog.String("label", string(label)),
		slog.Bool("valid", meta.Valid))
	return meta, nil
}

func blobRef(meta models.CheckpointSnapshot) string {
	return meta.TargetID + "/" + meta.CheckpointID + ".pb"
}

// verify fetches the payload and checks its hash and structure against meta. Only a missing or
// malformed payload yields ErrCorrupt; a blob backend that cannot be reached is returned as is.
func (s *Store) verify(ctx context.Context, meta models.CheckpointSnapshot) (State, error) {
	data, err := s.blobs.Get(ctx, blobRef(meta))
	if errors.Is(err, ErrBlobNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch checkpoint payload %s: %w", meta.CheckpointID, err)
	}
	if contentHash(data) != meta.ContentHash {
		return nil, fmt.Errorf("%w: content hash mismatch", ErrCorrupt)
	}
	state, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if len(state) == 0 {
		return nil, fmt.Errorf("%w: empty state", ErrCorrupt)
	}
	if meta.Scope.Kind == models.ScopePartial {
		if _, ok := state[meta.Scope.Component]; !ok || len(state) != 1 {
			return nil, fmt.Errorf("%w: payload does not match scope %s", ErrCorrupt, meta.Scope)
		}
	}
	return state, nil
}

func (s *Store) lookup(ctx context.Context, id string) (models.CheckpointSnapshot, error) {
	meta, err := s.meta.GetCheckpoint(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return meta, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return meta, err
}

// Validate re-checks a stored checkpoint and records the result in its metadata. When the
// payload cannot be fetched the error is returned and the recorded validity is left alone.
func (s *Store) Validate(ctx context.Context, id string) (bool, error) {
	meta, err := s.lookup(ctx, id)
	if err != nil {
		return false, err
	}
	_, verr := s.verify(ctx, meta)
	if verr != nil && !errors.Is(verr, ErrCorrupt) {
		metrics.ObserveCheckpoint("validate", verr)
		return false, verr
	}
	valid := verr == nil
	if meta.Valid != valid {
		meta.Valid = valid
		if err := s.meta.PutCheckpoint(ctx, meta); err != nil {
			return valid, fmt.Errorf("update checkpoint validity: %w", err)
		}
	}
	if !valid {
		s.logger.Warn("checkpoint invalid", slog.String("checkpoint_id", id), slog.Any("error", verr))
	}
	metrics.ObserveCheckpoint("validate", verr)
	return valid, nil
}

// Restore applies the components of checkpoint id that fall within scope. The payload is
// re-validated first and nothing is applied if validation fails. Components whose current
// state already matches the checkpoint are left untouched.
func (s *Store) Restore(ctx context.Context, id string, scope models.Scope) (RestoreResult, error) {
	ctx, span := tracer.Start(ctx, "checkpoint.restore", trace.WithAttributes(
		attribute.String("checkpoint.id", id),
		attribute.String("checkpoint.scope", scope.String()),
	))
	defer span.End()

	result, err := s.restore(ctx, id, scope)
	metrics.ObserveCheckpoint("restore", err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

func (s *Store) restore(ctx context.Context, id string, scope models.Scope) (RestoreResult, error) {
	result := RestoreResult{CheckpointID: id}
	meta, err := s.lookup(ctx, id)
	if err != nil {
		return result, err
	}
	if !meta.Scope.Covers(scope) {
		return result, fmt.Errorf("checkpoint %s has scope %s which does not cover %s", id, meta.Scope, scope)
	}

	lock := s.targetLock(meta.TargetID)
	lock.Lock()
	defer lock.Unlock()

	state, verr := s.verify(ctx, meta)
	if verr != nil {
		if meta.Valid && errors.Is(verr, ErrCorrupt) {
			meta.Valid = false
			_ = s.meta.PutCheckpoint(ctx, meta)
		}
		return result, verr
	}

	var names []string
	if scope.Kind == models.ScopePartial {
		names = []string{scope.Component}
	} else {
		for name := range state {
			names = append(names, name)
		}
		sort.Strings(names)
	}
	for _, name := range names {
		if _, ok := state[name]; !ok {
			return result, fmt.Errorf("%w: component %s missing from payload", ErrCorrupt, name)
		}
		if _, ok := s.sources[name]; !ok {
			return result, fmt.Errorf("no state source for component %q", name)
		}
	}

	var done []appliedComponent
	for _, name := range names {
		source := s.sources[name]
		current, err := source.Capture(ctx, meta.TargetID)
		if err != nil {
			s.compensate(ctx, meta.TargetID, done)
			return result, fmt.Errorf("capture current %s state: %w", name, err)
		}
		want, err := componentHash(name, state[name])
		if err != nil {
			return result, err
		}
		if have, herr := componentHash(name, current); herr == nil && have == want {
			result.Unchanged = append(result.Unchanged, name)
			continue
		}
		if err := source.Apply(ctx, meta.TargetID, state[name]); err != nil {
			s.compensate(ctx, meta.TargetID, done)
			return result, fmt.Errorf("apply %s state: %w", name, err)
		}
		done = append(done, appliedComponent{name: name, previous: current})
		result.Applied = append(result.Applied, name)
	}

	s.logger.Info("checkpoint restored",
		slog.String("checkpoint_id", id),
		slog.String("target_id", meta.TargetID),
		slog.Any("applied", result.Applied),
		slog.Any("unchanged", result.Unchanged))
	return result, nil
}

type appliedComponent struct {
	name     string
	previous map[string]interface{}
}

// compensate re-applies the pre-restore state of components already written.
func (s *Store) compensate(ctx context.Context, targetID string, done []appliedComponent) {
	for i := len(done) - 1; i >= 0; i-- {
		if err := s.sources[done[i].name].Apply(ctx, targetID, done[i].previous); err != nil {
			s.logger.Error("failed to revert partially restored component",
				slog.String("target_id", targetID),
				slog.String("component", done[i].name),
				slog.Any("error", err))
		}
	}
}

// LatestValid returns the newest valid checkpoint for targetID covering scope. Pre-recovery
// checkpoints are skipped since they capture an already failing target. When before is set
// only checkpoints created earlier qualify.
func (s *Store) LatestValid(ctx context.Context, targetID string, scope models.Scope, before time.Time) (models.CheckpointSnapshot, error) {
	return s.newest(ctx, targetID, func(meta models.CheckpointSnapshot) bool {
		if meta.Label == models.LabelPreRecovery || !meta.Scope.Covers(scope) {
			return false
		}
		return before.IsZero() || meta.CreatedAt.Before(before)
	})
}

// LastKnownGood returns the newest valid known-good checkpoint covering component.
func (s *Store) LastKnownGood(ctx context.Context, targetID, component string) (models.CheckpointSnapshot, error) {
	scope := models.PartialScope(component)
	return s.newest(ctx, targetID, func(meta models.CheckpointSnapshot) bool {
		return meta.Label == models.LabelKnownGood && meta.Scope.Covers(scope)
	})
}

func (s *Store) newest(ctx context.Context, targetID string, match func(models.CheckpointSnapshot) bool) (models.CheckpointSnapshot, error) {
	all, err := s.meta.ListCheckpoints(ctx, targetID)
	if err != nil {
		return models.CheckpointSnapshot{}, err
	}
	for _, meta := range all {
		if !match(meta) {
			continue
		}
		valid, err := s.Validate(ctx, meta.CheckpointID)
		if err != nil {
			return models.CheckpointSnapshot{}, err
		}
		if valid {
			meta.Valid = true
			return meta, nil
		}
	}
	return models.CheckpointSnapshot{}, fmt.Errorf("%w for target %s", ErrNoValidCheckpoint, targetID)
}

// List returns checkpoint metadata for targetID, newest first.
func (s *Store) List(ctx context.Context, targetID string) ([]models.CheckpointSnapshot, error) {
	return s.meta.ListCheckpoints(ctx, targetID)
}

// ReleaseIncident starts the retention clock for pre-recovery checkpoints of a closed incident.
func (s *Store) ReleaseIncident(ctx context.Context, incidentID string, closedAt time.Time) error {
	all, err := s.meta.ListCheckpoints(ctx, "")
	if err != nil {
		return err
	}
	until := closedAt.Add(s.retention)
	for _, meta := range all {
		if meta.IncidentID != incidentID || meta.Label != models.LabelPreRecovery || meta.RetainUntil != nil {
			continue
		}
		meta.RetainUntil = &until
		if err := s.meta.PutCheckpoint(ctx, meta); err != nil {
			return err
		}
	}
	return nil
}

// Cleanup deletes expired checkpoints and returns how many were removed. Routine and
// on-demand checkpoints expire after the retention period. Pre-recovery checkpoints are kept
// until their incident closed plus one retention period. The newest known-good checkpoint of
// each target is always kept.
func (s *Store) Cleanup(ctx context.Context) (int, error) {
	all, err := s.meta.ListCheckpoints(ctx, "")
	if err != nil {
		return 0, err
	}
	now := s.now()
	newestKnownGood := make(map[string]string)
	for _, meta := range all {
		if meta.Label == models.LabelKnownGood && meta.Valid {
			if _, seen := newestKnownGood[meta.TargetID]; !seen {
				newestKnownGood[meta.TargetID] = meta.CheckpointID
			}
		}
	}

	removed := 0
	for _, meta := range all {
		if !s.expired(meta, now, newestKnownGood) {
			continue
		}
		if err := s.blobs.Delete(ctx, blobRef(meta)); err != nil {
			s.logger.Warn("failed to delete checkpoint payload", slog.String("checkpoint_id", meta.CheckpointID), slog.Any("error", err))
			continue
		}
		if err := s.meta.DeleteCheckpoint(ctx, meta); err != nil {
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("expired checkpoints removed", slog.Int("count", removed))
	}
	return removed, nil
}

func (s *Store) expired(meta models.CheckpointSnapshot, now time.Time, keep map[string]string) bool {
	switch meta.Label {
	case models.LabelPreRecovery:
		return meta.RetainUntil != nil && now.After(*meta.RetainUntil)
	case models.LabelKnownGood:
		if keep[meta.TargetID] == meta.CheckpointID {
			return false
		}
	}
	return now.Sub(meta.CreatedAt) > s.retention
}
