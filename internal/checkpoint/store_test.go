package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-recovery/internal/models"
	"github.com/miradorstack/mirador-recovery/internal/storage"
)

type fakeSource struct {
	mu       sync.Mutex
	state    map[string]map[string]interface{}
	applies  int
	applyErr error
}

func newFakeSource() *fakeSource {
	return &fakeSource{state: make(map[string]map[string]interface{})}
}

func (f *fakeSource) set(target string, value map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state[target] = value
}

func (f *fakeSource) get(target string) map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state[target]
}

func (f *fakeSource) Capture(_ context.Context, target string) (map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]interface{}, len(f.state[target]))
	for k, v := range f.state[target] {
		out[k] = v
	}
	return out, nil
}

func (f *fakeSource) Apply(_ context.Context, target string, value map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return f.applyErr
	}
	f.applies++
	f.state[target] = value
	return nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store  *Store
	db     *storage.DB
	blobs  *BadgerBlobs
	config *fakeSource
	data   *fakeSource
	clock  *testClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{
		db:     db,
		blobs:  NewBadgerBlobs(db),
		config: newFakeSource(),
		data:   newFakeSource(),
		clock:  &testClock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)},
	}
	f.store = NewStore(db, f.blobs, map[string]Source{
		models.ComponentConfig: f.config,
		models.ComponentData:   f.data,
	}, Options{Retention: 7 * 24 * time.Hour, Now: f.clock.Now})
	return f
}

func (f *fixture) corrupt(t *testing.T, meta models.CheckpointSnapshot) {
	t.Helper()
	require.NoError(t, f.db.PutBlob(blobRef(meta), []byte("garbage")))
}

func randomState(r *rand.Rand) map[string]interface{} {
	out := make(map[string]interface{})
	for i := 0; i < r.Intn(6)+1; i++ {
		key := fmt.Sprintf("k%d", r.Intn(100))
		switch r.Intn(4) {
		case 0:
			out[key] = float64(r.Intn(1000))
		case 1:
			out[key] = fmt.Sprintf("v-%d", r.Int())
		case 2:
			out[key] = r.Intn(2) == 0
		default:
			out[key] = []interface{}{float64(r.Intn(5)), "x"}
		}
	}
	return out
}

func TestSnapshotThenValidateAlwaysTrue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := rand.New(rand.NewSource(42))

	for i := 0; i < 50; i++ {
		f.config.set("api", randomState(r))
		f.data.set("api", randomState(r))
		scope := models.FullScope()
		if i%2 == 1 {
			scope = models.PartialScope(models.ComponentConfig)
		}
		meta, err := f.store.Snapshot(ctx, "api", scope, models.LabelRoutine, "")
		require.NoError(t, err)
		assert.True(t, meta.Valid)

		valid, err := f.store.Validate(ctx, meta.CheckpointID)
		require.NoError(t, err)
		require.True(t, valid, "fresh snapshot %d must validate", i)
	}
}

func TestRestoreFailsClosedOnCorruption(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.config.set("api", map[string]interface{}{"mode": "good"})
	f.data.set("api", map[string]interface{}{"rows": float64(10)})

	meta, err := f.store.Snapshot(ctx, "api", models.FullScope(), models.LabelRoutine, "")
	require.NoError(t, err)
	f.corrupt(t, meta)
	f.config.set("api", map[string]interface{}{"mode": "broken"})

	_, err = f.store.Restore(ctx, meta.CheckpointID, models.FullScope())
	require.ErrorIs(t, err, ErrCorrupt)
	assert.Equal(t, 0, f.config.applies+f.data.applies, "no component may be applied")
	assert.Equal(t, "broken", f.config.get("api")["mode"])

	valid, err := f.store.Validate(ctx, meta.CheckpointID)
	require.NoError(t, err)
	assert.False(t, valid)
}

type unreachableBlobs struct {
	BlobStore
	mu   sync.Mutex
	down bool
}

func (u *unreachableBlobs) setDown(down bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.down = down
}

func (u *unreachableBlobs) Get(ctx context.Context, ref string) ([]byte, error) {
	u.mu.Lock()
	down := u.down
	u.mu.Unlock()
	if down {
		return nil, errors.New("dial tcp 10.0.0.7:443: connection refused")
	}
	return u.BlobStore.Get(ctx, ref)
}

func TestUnreachableBlobStoreIsNotCorruption(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	blobs := &unreachableBlobs{BlobStore: f.blobs}
	store := NewStore(f.db, blobs, map[string]Source{
		models.ComponentConfig: f.config,
		models.ComponentData:   f.data,
	}, Options{Retention: 7 * 24 * time.Hour, Now: f.clock.Now})

	f.config.set("api", map[string]interface{}{"mode": "good"})
	f.data.set("api", map[string]interface{}{"rows": float64(10)})
	meta, err := store.Snapshot(ctx, "api", models.FullScope(), models.LabelRoutine, "")
	require.NoError(t, err)
	require.True(t, meta.Valid)

	blobs.setDown(true)
	_, err = store.Validate(ctx, meta.CheckpointID)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCorrupt)

	_, err = store.LatestValid(ctx, "api", models.FullScope(), time.Time{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoValidCheckpoint)

	f.config.set("api", map[string]interface{}{"mode": "broken"})
	_, err = store.Restore(ctx, meta.CheckpointID, models.FullScope())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCorrupt)
	assert.Equal(t, 0, f.config.applies+f.data.applies)

	stored, err := f.db.GetCheckpoint(ctx, meta.CheckpointID)
	require.NoError(t, err)
	assert.True(t, stored.Valid, "an outage must not invalidate a healthy checkpoint")

	blobs.setDown(false)
	valid, err := store.Validate(ctx, meta.CheckpointID)
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestMissingPayloadIsCorruption(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.config.set("api", map[string]interface{}{"mode": "good"})
	meta, err := f.store.Snapshot(ctx, "api", models.PartialScope(models.ComponentConfig), models.LabelRoutine, "")
	require.NoError(t, err)
	require.NoError(t, f.blobs.Delete(ctx, blobRef(meta)))

	valid, err := f.store.Validate(ctx, meta.CheckpointID)
	require.NoError(t, err)
	assert.False(t, valid)

	_, err = f.store.LatestValid(ctx, "api", models.PartialScope(models.ComponentConfig), time.Time{})
	require.ErrorIs(t, err, ErrNoValidCheckpoint)
}

func TestRestoreIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.config.set("api", map[string]interface{}{"mode": "good", "replicas": float64(3)})
	f.data.set("api", map[string]interface{}{"rows": float64(10)})

	meta, err := f.store.Snapshot(ctx, "api", models.FullScope(), models.LabelRoutine, "")
	require.NoError(t, err)

	f.config.set("api", map[string]interface{}{"mode": "broken"})

	first, err := f.store.Restore(ctx, meta.CheckpointID, models.FullScope())
	require.NoError(t, err)
	assert.Equal(t, []string{models.ComponentConfig}, first.Applied)
	assert.Equal(t, []string{models.ComponentData}, first.Unchanged)

	second, err := f.store.Restore(ctx, meta.CheckpointID, models.FullScope())
	require.NoError(t, err)
	assert.Empty(t, second.Applied)
	assert.Equal(t, 1, f.config.applies)
	assert.Equal(t, 0, f.data.applies)
	assert.Equal(t, "good", f.config.get("api")["mode"])
}

func TestPartialRestoreOnlyTouchesComponent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.config.set("api", map[string]interface{}{"mode": "good"})
	f.data.set("api", map[string]interface{}{"rows": float64(10)})
	meta, err := f.store.Snapshot(ctx, "api", models.FullScope(), models.LabelRoutine, "")
	require.NoError(t, err)

	f.config.set("api", map[string]interface{}{"mode": "broken"})
	f.data.set("api", map[string]interface{}{"rows": float64(0)})

	res, err := f.store.Restore(ctx, meta.CheckpointID, models.PartialScope(models.ComponentData))
	require.NoError(t, err)
	assert.Equal(t, []string{models.ComponentData}, res.Applied)
	assert.Equal(t, "broken", f.config.get("api")["mode"])
	assert.Equal(t, float64(10), f.data.get("api")["rows"])
}

func TestRestoreRejectsScopeWider(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.config.set("api", map[string]interface{}{"mode": "good"})
	meta, err := f.store.Snapshot(ctx, "api", models.PartialScope(models.ComponentConfig), models.LabelRoutine, "")
	require.NoError(t, err)

	_, err = f.store.Restore(ctx, meta.CheckpointID, models.FullScope())
	require.Error(t, err)
	assert.Equal(t, 0, f.config.applies)
}

func TestRestoreRevertsAppliedComponentsOnFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.config.set("api", map[string]interface{}{"mode": "good"})
	f.data.set("api", map[string]interface{}{"rows": float64(10)})
	meta, err := f.store.Snapshot(ctx, "api", models.FullScope(), models.LabelRoutine, "")
	require.NoError(t, err)

	f.config.set("api", map[string]interface{}{"mode": "broken"})
	f.data.set("api", map[string]interface{}{"rows": float64(0)})
	f.data.applyErr = errors.New("disk full")

	_, err = f.store.Restore(ctx, meta.CheckpointID, models.FullScope())
	require.Error(t, err)
	assert.Equal(t, "broken", f.config.get("api")["mode"], "config must be reverted")
}

func TestLastKnownGood(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.LastKnownGood(ctx, "api", models.ComponentConfig)
	require.ErrorIs(t, err, ErrNoValidCheckpoint)

	seeded, err := f.store.Seed(ctx, "api", models.ComponentConfig, map[string]interface{}{"mode": "good"}, models.LabelKnownGood)
	require.NoError(t, err)

	found, err := f.store.LastKnownGood(ctx, "api", models.ComponentConfig)
	require.NoError(t, err)
	assert.Equal(t, seeded.CheckpointID, found.CheckpointID)

	f.corrupt(t, seeded)
	_, err = f.store.LastKnownGood(ctx, "api", models.ComponentConfig)
	require.ErrorIs(t, err, ErrNoValidCheckpoint)
}

func TestLatestValidSkipsPreRecoveryAndRespectsCutoff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.config.set("api", map[string]interface{}{"mode": "good"})
	f.data.set("api", map[string]interface{}{"rows": float64(10)})

	routine, err := f.store.Snapshot(ctx, "api", models.FullScope(), models.LabelRoutine, "")
	require.NoError(t, err)
	f.clock.Advance(time.Hour)
	opened := f.clock.Now()
	f.clock.Advance(time.Minute)
	_, err = f.store.Snapshot(ctx, "api", models.FullScope(), models.LabelPreRecovery, "inc-1")
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	_, err = f.store.Snapshot(ctx, "api", models.FullScope(), models.LabelRoutine, "")
	require.NoError(t, err)

	got, err := f.store.LatestValid(ctx, "api", models.PartialScope(models.ComponentData), opened)
	require.NoError(t, err)
	assert.Equal(t, routine.CheckpointID, got.CheckpointID)
}

func TestCleanupRetention(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.config.set("api", map[string]interface{}{"mode": "good"})
	f.data.set("api", map[string]interface{}{"rows": float64(10)})

	routine, err := f.store.Snapshot(ctx, "api", models.FullScope(), models.LabelRoutine, "")
	require.NoError(t, err)
	pre, err := f.store.Snapshot(ctx, "api", models.FullScope(), models.LabelPreRecovery, "inc-1")
	require.NoError(t, err)
	good, err := f.store.Seed(ctx, "api", models.ComponentConfig, map[string]interface{}{"mode": "good"}, models.LabelKnownGood)
	require.NoError(t, err)

	f.clock.Advance(8 * 24 * time.Hour)
	removed, err := f.store.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed, "only the routine checkpoint expires while the incident is open")

	ids := func() []string {
		list, err := f.store.List(ctx, "api")
		require.NoError(t, err)
		var out []string
		for _, m := range list {
			out = append(out, m.CheckpointID)
		}
		return out
	}
	assert.NotContains(t, ids(), routine.CheckpointID)
	assert.Contains(t, ids(), pre.CheckpointID)
	assert.Contains(t, ids(), good.CheckpointID)

	require.NoError(t, f.store.ReleaseIncident(ctx, "inc-1", f.clock.Now()))
	f.clock.Advance(6 * 24 * time.Hour)
	removed, err = f.store.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, removed, "pre-recovery kept for one retention cycle after close")

	f.clock.Advance(2 * 24 * time.Hour)
	removed, err = f.store.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, []string{good.CheckpointID}, ids(), "newest known-good is always kept")
}

func TestSchedulerSkipsFailingTargets(t *testing.T) {
	f := newFixture(t)
	f.config.set("api", map[string]interface{}{"mode": "good"})
	f.config.set("db", map[string]interface{}{"mode": "good"})
	sched := NewScheduler(f.store, []string{"api", "db"}, time.Hour, nil)
	sched.Skip = func(target string) bool { return target == "db" }
	sched.RunOnce(context.Background())

	api, err := f.store.List(context.Background(), "api")
	require.NoError(t, err)
	db, err := f.store.List(context.Background(), "db")
	require.NoError(t, err)
	assert.Len(t, api, 1)
	assert.Empty(t, db)
	assert.Equal(t, models.LabelRoutine, api[0].Label)
}
