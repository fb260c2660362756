package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vexfs/internal/common"
)

func openTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	require.NoError(t, m.EnsureCollection("docs"))
	return m
}

func TestPutGetRoundTrip(t *testing.T) {
	m := openTestManager(t)

	rec := Record{
		VectorID:   1,
		Vector:     []float32{1, 2, 3},
		Doc:        common.DocMap{"title": "hello"},
		Attributes: common.DocMap{"category": float64(1)},
		Version:    1,
	}
	require.NoError(t, m.Put("docs", rec))

	got, err := m.Get("docs", 1)
	require.NoError(t, err)
	assert.Equal(t, rec.Vector, got.Vector)
	assert.Equal(t, rec.Doc["title"], got.Doc["title"])
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	m := openTestManager(t)

	_, err := m.Get("docs", 404)
	require.Error(t, err)
}

func TestDeleteIsIdempotent(t *testing.T) {
	m := openTestManager(t)

	require.NoError(t, m.Put("docs", Record{VectorID: 1, Vector: []float32{1}}))
	require.NoError(t, m.Delete("docs", 1))
	require.NoError(t, m.Delete("docs", 1), "deleting an absent id must not error, for WAL replay idempotency")

	_, err := m.Get("docs", 1)
	require.Error(t, err)
}

func TestValidateRejectsDimensionMismatchAndNonFiniteVectors(t *testing.T) {
	require.Error(t, Validate([]float32{1, 2}, 3))
	require.NoError(t, Validate([]float32{1, 2, 3}, 3))

	inf := float32(1)
	inf = inf / 0
	require.Error(t, Validate([]float32{inf, 2, 3}, 3))
}

func TestIterateVisitsEveryStoredVector(t *testing.T) {
	m := openTestManager(t)

	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, m.Put("docs", Record{VectorID: i, Vector: []float32{float32(i)}}))
	}

	it, err := m.Iterate("docs")
	require.NoError(t, err)

	seen := map[uint64]bool{}
	for pair := range it {
		seen[pair.VectorID] = true
	}
	assert.Len(t, seen, 3)
}
