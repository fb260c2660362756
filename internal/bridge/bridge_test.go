package bridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vexfs/internal/common"
	"vexfs/internal/hangprevention"
	"vexfs/internal/index"
	"vexfs/internal/storage"
	"vexfs/internal/wal"
)

func newTestBridge(t *testing.T) (*Bridge, *storage.Manager, index.Index) {
	t.Helper()
	w, err := wal.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.EnsureCollection("docs"))

	idx := index.NewFlat(3, common.DistanceL2, common.L2)
	return New("docs", 3, w, store, idx), store, idx
}

func TestUpsertWritesWALStorageAndIndex(t *testing.T) {
	b, store, idx := newTestBridge(t)

	require.NoError(t, b.Upsert(1, []float32{1, 2, 3}, common.DocMap{"title": "a"}, nil, nil))

	rec, err := store.Get("docs", 1)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, rec.Vector)
	assert.Equal(t, 1, idx.Len())

	status := b.Status()
	assert.True(t, status.IsSynchronized)
	assert.Equal(t, 0, status.PendingOps)
}

func TestUpsertRejectsWrongDimension(t *testing.T) {
	b, _, _ := newTestBridge(t)
	err := b.Upsert(1, []float32{1, 2}, nil, nil, nil)
	require.Error(t, err)
}

func TestDeleteRemovesFromStorageAndIndex(t *testing.T) {
	b, store, idx := newTestBridge(t)
	require.NoError(t, b.Upsert(1, []float32{1, 2, 3}, nil, nil, nil))
	require.NoError(t, b.Delete(1))

	_, err := store.Get("docs", 1)
	assert.Error(t, err)
	assert.Equal(t, 0, idx.Len())
}

func TestDeleteIsIdempotent(t *testing.T) {
	b, _, _ := newTestBridge(t)
	require.NoError(t, b.Delete(999))
	require.NoError(t, b.Delete(999))
}

// failingIndex always fails Insert, to exercise the best-effort pending
// path without needing a real index failure mode.
type failingIndex struct {
	index.Index
	calls int
}

func (f *failingIndex) Insert(id uint64, vector []float32) error {
	f.calls++
	return assert.AnError
}

func TestUpsertMarksPendingWhenIndexInsertFails(t *testing.T) {
	w, err := wal.Open(t.TempDir())
	require.NoError(t, err)
	defer w.Close()
	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.EnsureCollection("docs"))

	failing := &failingIndex{Index: index.NewFlat(3, common.DistanceL2, common.L2)}
	b := New("docs", 3, w, store, failing)

	require.NoError(t, b.Upsert(1, []float32{1, 2, 3}, nil, nil, nil))

	status := b.Status()
	assert.False(t, status.IsSynchronized)
	assert.Equal(t, 1, status.PendingOps)
	assert.NotEmpty(t, status.LastError)

	// The write itself must still be durable even though indexing failed.
	rec, err := store.Get("docs", 1)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, rec.Vector)
}

func TestRebuildPendingClearsAfterIndexRecovers(t *testing.T) {
	w, err := wal.Open(t.TempDir())
	require.NoError(t, err)
	defer w.Close()
	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.EnsureCollection("docs"))

	failing := &failingIndex{Index: index.NewFlat(3, common.DistanceL2, common.L2)}
	b := New("docs", 3, w, store, failing)
	require.NoError(t, b.Upsert(1, []float32{1, 2, 3}, nil, nil, nil))
	require.Equal(t, 1, b.Status().PendingOps)

	b.ReplaceIndex(index.NewFlat(3, common.DistanceL2, common.L2))
	b.rebuildPending()

	status := b.Status()
	assert.True(t, status.IsSynchronized)
	assert.Equal(t, 1, b.Index().Len())
}

func TestReconcileDropsOrphanedIndexEntriesAndReindexesMissing(t *testing.T) {
	b, store, _ := newTestBridge(t)
	require.NoError(t, b.Upsert(1, []float32{1, 2, 3}, nil, nil, nil))
	require.NoError(t, b.Upsert(2, []float32{4, 5, 6}, nil, nil, nil))

	// Simulate a snapshot restored from a point before vector 2 existed,
	// plus a stale pending entry for a vector storage no longer has.
	stale := index.NewFlat(3, common.DistanceL2, common.L2)
	require.NoError(t, stale.Insert(1, []float32{1, 2, 3}))
	require.NoError(t, stale.Insert(99, []float32{0, 0, 0}))
	b.ReplaceIndex(stale)
	b.pending[99] = struct{}{}

	require.NoError(t, store.Delete("docs", 99))

	dropped, _, err := b.Reconcile()
	require.NoError(t, err)
	assert.Equal(t, 1, dropped)
	assert.Equal(t, 2, b.Index().Len())
	assert.True(t, b.Status().IsSynchronized)
}

// TestReconcileDropsIndexOnlyOrphanWithNoPendingMarker covers a snapshot
// restored after a vector was already deleted from storage but before
// that delete reached the index: the id was never marked pending (the
// delete itself succeeded against the stale in-memory index that the
// snapshot later replaced), so only walking b.idx.Ids() - not b.pending -
// finds it.
func TestReconcileDropsIndexOnlyOrphanWithNoPendingMarker(t *testing.T) {
	b, store, _ := newTestBridge(t)
	require.NoError(t, b.Upsert(1, []float32{1, 2, 3}, nil, nil, nil))

	stale := index.NewFlat(3, common.DistanceL2, common.L2)
	require.NoError(t, stale.Insert(1, []float32{1, 2, 3}))
	require.NoError(t, stale.Insert(42, []float32{0, 0, 0})) // deleted from storage post-snapshot
	b.ReplaceIndex(stale)

	require.NoError(t, store.Delete("docs", 42))

	dropped, _, err := b.Reconcile()
	require.NoError(t, err)
	assert.Equal(t, 1, dropped)
	assert.Equal(t, 1, b.Index().Len())
	assert.True(t, b.Status().IsSynchronized)
}

// slowCancelableIndex blocks in InsertWithCancel until done closes, to
// exercise the Build-watchdog timeout path without a real slow build.
type slowCancelableIndex struct {
	index.Index
}

func (s *slowCancelableIndex) InsertWithCancel(id uint64, vector []float32, done <-chan struct{}) error {
	<-done
	return index.ErrBuildCanceled
}

func TestUpsertReturnsTimeoutWhenBuildWatchdogExpires(t *testing.T) {
	w, err := wal.Open(t.TempDir())
	require.NoError(t, err)
	defer w.Close()
	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.EnsureCollection("docs"))

	slow := &slowCancelableIndex{Index: index.NewFlat(3, common.DistanceL2, common.L2)}
	b := New("docs", 3, w, store, slow)

	deadlines := hangprevention.DefaultDeadlines()
	deadlines.Build = 5 * time.Millisecond
	monitor := hangprevention.NewMonitorWithDeadlines(deadlines)
	bw, err := monitor.Start(hangprevention.KindBuild)
	require.NoError(t, err)

	err = b.Upsert(1, []float32{1, 2, 3}, nil, nil, bw)
	bw.Cancel()
	require.Error(t, err)

	// The write itself must still be durable even though the build timed out.
	rec, getErr := store.Get("docs", 1)
	require.NoError(t, getErr)
	assert.Equal(t, []float32{1, 2, 3}, rec.Vector)
	assert.Equal(t, 1, b.Status().PendingOps)
}
