package index

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vexfs/internal/common"
	"vexfs/internal/filter"
)

func randomVectors(n, dim int, seed int64) [][]float32 {
	rng := rand.New(rand.NewSource(seed))
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		for d := range v {
			v[d] = float32(rng.NormFloat64())
		}
		out[i] = v
	}
	return out
}

func TestFlatSearchOrdersByAscendingDistanceThenID(t *testing.T) {
	f := NewFlat(2, common.DistanceL2, common.L2)
	require.NoError(t, f.Insert(1, []float32{0, 0}))
	require.NoError(t, f.Insert(2, []float32{1, 0}))
	require.NoError(t, f.Insert(3, []float32{0, 1}))

	res, err := f.Search([]float32{0, 0}, 3, SearchOptions{})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3}, res.IDs)
}

func TestFlatSearchRespectsIDFilter(t *testing.T) {
	f := NewFlat(2, common.DistanceL2, common.L2)
	require.NoError(t, f.Insert(1, []float32{0, 0}))
	require.NoError(t, f.Insert(2, []float32{1, 0}))

	only := filter.NewIDFilter()
	only.Add(2)
	res, err := f.Search([]float32{0, 0}, 2, SearchOptions{Filter: only})
	require.NoError(t, err)
	assert.Equal(t, []uint64{2}, res.IDs)
}

func TestFlatSerializeRoundTrip(t *testing.T) {
	f := NewFlat(3, common.DistanceCosine, common.Cosine)
	for i, v := range randomVectors(10, 3, 1) {
		require.NoError(t, f.Insert(uint64(i), v))
	}

	data, err := f.Serialize()
	require.NoError(t, err)

	restored := NewFlat(3, common.DistanceCosine, common.Cosine)
	require.NoError(t, restored.Deserialize(data))
	assert.Equal(t, f.Len(), restored.Len())

	query := randomVectors(1, 3, 2)[0]
	want, err := f.Search(query, 5, SearchOptions{})
	require.NoError(t, err)
	got, err := restored.Search(query, 5, SearchOptions{})
	require.NoError(t, err)
	assert.Equal(t, want.IDs, got.IDs)
}

// TestHNSWRecallAgainstFlat checks the testable property from spec.md
// §8 that HNSW's top-10 results overlap substantially with Flat's exact
// top-10 on the same data.
func TestHNSWRecallAgainstFlat(t *testing.T) {
	dim := 16
	n := 500
	vectors := randomVectors(n, dim, 42)

	flat := NewFlat(dim, common.DistanceL2, common.L2)
	hnsw := NewHNSW(dim, common.DistanceL2, common.L2, common.HNSWConfig{M: 16, EFConstruction: 200, EFSearch: 128})

	for i, v := range vectors {
		require.NoError(t, flat.Insert(uint64(i), v))
		require.NoError(t, hnsw.Insert(uint64(i), v))
	}

	queries := randomVectors(20, dim, 99)
	var totalRecall float64
	for _, q := range queries {
		want, err := flat.Search(q, 10, SearchOptions{})
		require.NoError(t, err)
		got, err := hnsw.Search(q, 10, SearchOptions{EFSearch: 128})
		require.NoError(t, err)

		wantSet := make(map[uint64]bool, len(want.IDs))
		for _, id := range want.IDs {
			wantSet[id] = true
		}
		hits := 0
		for _, id := range got.IDs {
			if wantSet[id] {
				hits++
			}
		}
		totalRecall += float64(hits) / float64(len(want.IDs))
	}
	avgRecall := totalRecall / float64(len(queries))
	assert.Greater(t, avgRecall, 0.8, "HNSW recall@10 against Flat should stay well above chance")
}

func TestHNSWSerializeRoundTripPreservesSearch(t *testing.T) {
	dim := 8
	vectors := randomVectors(100, dim, 7)
	h := NewHNSW(dim, common.DistanceL2, common.L2, common.DefaultHNSWConfig())
	for i, v := range vectors {
		require.NoError(t, h.Insert(uint64(i), v))
	}

	data, err := h.Serialize()
	require.NoError(t, err)

	restored := NewHNSW(dim, common.DistanceL2, common.L2, common.DefaultHNSWConfig())
	require.NoError(t, restored.Deserialize(data))

	query := vectors[0]
	want, err := h.Search(query, 5, SearchOptions{})
	require.NoError(t, err)
	got, err := restored.Search(query, 5, SearchOptions{})
	require.NoError(t, err)
	assert.Equal(t, want.IDs, got.IDs)
}

func TestHNSWDeleteRemovesFromResults(t *testing.T) {
	dim := 4
	h := NewHNSW(dim, common.DistanceL2, common.L2, common.DefaultHNSWConfig())
	for i, v := range randomVectors(30, dim, 3) {
		require.NoError(t, h.Insert(uint64(i), v))
	}

	require.NoError(t, h.Delete(0))
	res, err := h.Search(randomVectors(1, dim, 3)[0], 30, SearchOptions{EFSearch: 64})
	require.NoError(t, err)
	for _, id := range res.IDs {
		assert.NotEqual(t, uint64(0), id)
	}
}

func TestHNSWInsertWithCancelAbortsOnClosedChannel(t *testing.T) {
	dim := 4
	h := NewHNSW(dim, common.DistanceL2, common.L2, common.DefaultHNSWConfig())
	for i, v := range randomVectors(10, dim, 9) {
		require.NoError(t, h.Insert(uint64(i), v))
	}

	before := h.Len()
	done := make(chan struct{})
	close(done) // already expired, so the very first layer boundary aborts

	err := h.InsertWithCancel(999, randomVectors(1, dim, 1)[0], done)
	assert.ErrorIs(t, err, ErrBuildCanceled)
	assert.Equal(t, before, h.Len(), "a canceled build must not add the node to the graph")
}

func TestHNSWInsertWithCancelSucceedsWithNilChannel(t *testing.T) {
	dim := 4
	h := NewHNSW(dim, common.DistanceL2, common.L2, common.DefaultHNSWConfig())
	err := h.InsertWithCancel(1, randomVectors(1, dim, 2)[0], nil)
	require.NoError(t, err)
	assert.Equal(t, 1, h.Len())
}

func TestPQFallsBackToExactBeforeTraining(t *testing.T) {
	dim := 8
	pq, err := NewPQ(dim, common.DistanceL2, common.L2, common.PQConfig{NumSubvectors: 4, Bits: 4})
	require.NoError(t, err)

	for i, v := range randomVectors(5, dim, 11) {
		require.NoError(t, pq.Insert(uint64(i), v))
	}
	assert.False(t, pq.trained)

	res, err := pq.Search(randomVectors(1, dim, 11)[0], 3, SearchOptions{})
	require.NoError(t, err)
	assert.Len(t, res.IDs, 3)
}

func TestPQTrainsAfterThresholdAndServesApproximateSearch(t *testing.T) {
	dim := 8
	pq, err := NewPQ(dim, common.DistanceL2, common.L2, common.PQConfig{NumSubvectors: 4, Bits: 4})
	require.NoError(t, err)

	for i, v := range randomVectors(200, dim, 13) {
		require.NoError(t, pq.Insert(uint64(i), v))
	}
	assert.True(t, pq.trained)

	res, err := pq.Search(randomVectors(1, dim, 13)[0], 5, SearchOptions{})
	require.NoError(t, err)
	assert.Len(t, res.IDs, 5)
}

func TestIVFSearchReturnsRequestedCount(t *testing.T) {
	dim := 6
	ivf := NewIVF(dim, common.DistanceL2, common.L2, common.IVFConfig{NList: 8, NProbe: 4})
	for i, v := range randomVectors(300, dim, 17) {
		require.NoError(t, ivf.Insert(uint64(i), v))
	}
	assert.True(t, ivf.trained)

	res, err := ivf.Search(randomVectors(1, dim, 17)[0], 10, SearchOptions{})
	require.NoError(t, err)
	assert.Len(t, res.IDs, 10)
}

func TestLSHFindsExactNeighborWhenPresent(t *testing.T) {
	dim := 10
	lsh := NewLSH(dim, common.DistanceL2, common.L2, common.LSHConfig{NumTables: 6, NumHyperplanes: 8})
	vectors := randomVectors(50, dim, 23)
	for i, v := range vectors {
		require.NoError(t, lsh.Insert(uint64(i), v))
	}

	res, err := lsh.Search(vectors[5], 1, SearchOptions{})
	require.NoError(t, err)
	require.Len(t, res.IDs, 1)
	assert.Equal(t, uint64(5), res.IDs[0])
}
