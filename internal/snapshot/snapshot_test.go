package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vexfs/internal/common"
	"vexfs/internal/index"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	idx := index.NewFlat(2, common.DistanceL2, common.L2)
	require.NoError(t, idx.Insert(1, []float32{1, 2}))
	require.NoError(t, idx.Insert(2, []float32{3, 4}))

	data, err := Encode(idx, 42)
	require.NoError(t, err)

	header, body, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), header.LSN)
	assert.Equal(t, common.IndexTypeFlat, header.Strategy)

	restored := index.NewFlat(2, common.DistanceL2, common.L2)
	require.NoError(t, restored.Deserialize(body))
	assert.Equal(t, idx.Len(), restored.Len())
}

func TestDecodeRejectsCorruptedBody(t *testing.T) {
	idx := index.NewFlat(2, common.DistanceL2, common.L2)
	require.NoError(t, idx.Insert(1, []float32{1, 2}))
	data, err := Encode(idx, 1)
	require.NoError(t, err)

	data[len(data)-1] ^= 0xFF
	_, _, err = Decode(data)
	require.Error(t, err)
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	data := make([]byte, 24)
	_, _, err := Decode(data)
	require.Error(t, err)
}

func TestLoadNewestValidFallsBackOnCorruption(t *testing.T) {
	dir := t.TempDir()
	idx := index.NewFlat(2, common.DistanceL2, common.L2)
	require.NoError(t, idx.Insert(1, []float32{1, 2}))

	_, err := Write(dir, "docs", idx, 1)
	require.NoError(t, err)

	require.NoError(t, idx.Insert(2, []float32{3, 4}))
	corruptPath, err := Write(dir, "docs", idx, 2)
	require.NoError(t, err)

	data, err := os.ReadFile(corruptPath)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(corruptPath, data, 0o644))

	header, body, err := LoadNewestValid(dir, "docs")
	require.NoError(t, err)
	require.NotNil(t, header)
	assert.Equal(t, uint64(1), header.LSN, "newest snapshot is corrupted, so the previous valid one must be used")

	restored := index.NewFlat(2, common.DistanceL2, common.L2)
	require.NoError(t, restored.Deserialize(body))
	assert.Equal(t, 1, restored.Len())
}

func TestPruneKeepsOnlyNewestN(t *testing.T) {
	dir := t.TempDir()
	idx := index.NewFlat(1, common.DistanceL2, common.L2)

	for lsn := uint64(1); lsn <= 5; lsn++ {
		_, err := Write(dir, "docs", idx, lsn)
		require.NoError(t, err)
	}

	require.NoError(t, Prune(dir, "docs", 2))

	names, err := listSnapshots(dir, "docs")
	require.NoError(t, err)
	assert.Len(t, names, 2)

	header, _, err := LoadNewestValid(dir, "docs")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), header.LSN)
}

func TestLoadNewestValidOnEmptyDirReturnsNilWithoutError(t *testing.T) {
	dir := t.TempDir()
	header, body, err := LoadNewestValid(dir, "docs")
	require.NoError(t, err)
	assert.Nil(t, header)
	assert.Nil(t, body)
}

func TestSnapshotFileNamesSortLexicographicallyByLSN(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, snapshotFileName("docs", 1)), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, snapshotFileName("docs", 100)), []byte("x"), 0o644))

	names, err := listSnapshots(dir, "docs")
	require.NoError(t, err)
	require.Len(t, names, 2)
	assert.Equal(t, snapshotFileName("docs", 100), names[0], "newest (highest LSN) must sort first")
}
