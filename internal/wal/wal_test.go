package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAssignsMonotonicLSNs(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)
	defer w.Close()

	for i := 0; i < 5; i++ {
		lsn, err := w.Append(&Record{
			Op:         OpInsert,
			Collection: "docs",
			VectorID:   uint64(i),
			Vector:     []float32{1, 2, 3},
			Doc:        map[string]any{"i": i},
			Attributes: map[string]any{},
		})
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), lsn)
	}
}

func TestReplayFromLSNSkipsEarlierRecords(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := w.Append(&Record{
			Op:         OpInsert,
			Collection: "docs",
			VectorID:   uint64(i),
			Vector:     []float32{float32(i)},
			Doc:        map[string]any{},
			Attributes: map[string]any{},
		})
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	w2, err := Open(dir)
	require.NoError(t, err)
	defer w2.Close()

	var seen []uint64
	err = w2.Replay(5, func(r *Record) error {
		seen = append(seen, r.LSN)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{5, 6, 7, 8, 9, 10}, seen)
}

func TestReopenResumesLSNAfterHighestRecord(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)

	_, err = w.Append(&Record{Op: OpInsert, Collection: "docs", VectorID: 1, Vector: []float32{1}, Doc: map[string]any{}, Attributes: map[string]any{}})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	w2, err := Open(dir)
	require.NoError(t, err)
	defer w2.Close()

	assert.Equal(t, uint64(2), w2.Head(), "reopening must resume LSN allocation after the highest record written")
}

func TestReplayStopsAtTornTail(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)

	_, err = w.Append(&Record{Op: OpInsert, Collection: "docs", VectorID: 1, Vector: []float32{1, 2}, Doc: map[string]any{}, Attributes: map[string]any{}})
	require.NoError(t, err)
	_, err = w.Append(&Record{Op: OpInsert, Collection: "docs", VectorID: 2, Vector: []float32{3, 4}, Doc: map[string]any{}, Attributes: map[string]any{}})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	segments, err := listSegments(dir)
	require.NoError(t, err)
	require.Len(t, segments, 1)

	path := filepath.Join(dir, segments[0])
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-3))

	w2, err := Open(dir)
	require.NoError(t, err)
	defer w2.Close()

	var seen []uint64
	err = w2.Replay(0, func(r *Record) error {
		seen = append(seen, r.LSN)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, seen, "the torn second record must be dropped, not applied")
}

func TestSegmentRollover(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Append(&Record{Op: OpInsert, Collection: "docs", VectorID: 0, Vector: []float32{1}, Doc: map[string]any{}, Attributes: map[string]any{}})
	require.NoError(t, err)

	w.segBytes = MaxSegmentBytes - 10

	_, err = w.Append(&Record{Op: OpInsert, Collection: "docs", VectorID: 1, Vector: make([]float32, 64), Doc: map[string]any{}, Attributes: map[string]any{}})
	require.NoError(t, err)

	segments, err := listSegments(dir)
	require.NoError(t, err)
	assert.Len(t, segments, 2, "a record that would exceed MaxSegmentBytes must trigger rollover to a new segment")
}

func TestCollectionLifecycleRecordRoundTrips(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)

	_, err = w.Append(&Record{
		Op:         OpCreateCollection,
		Collection: "images",
		Doc:        map[string]any{"dim": float64(128), "distance": "cosine"},
	})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	w2, err := Open(dir)
	require.NoError(t, err)
	defer w2.Close()

	var got *Record
	err = w2.Replay(0, func(r *Record) error {
		got = r
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, OpCreateCollection, got.Op)
	assert.Equal(t, "images", got.Collection)
	assert.Equal(t, float64(128), got.Doc["dim"])
}
