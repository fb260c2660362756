package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vexfs/internal/common"
	"vexfs/internal/filter"
	"vexfs/internal/hangprevention"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := Open(t.TempDir(), hangprevention.NewMonitor())
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func flatConfig(name string, dim int) common.CollectionConfig {
	return common.CollectionConfig{Name: name, Dim: dim, Distance: common.DistanceL2, IndexType: common.IndexTypeFlat}
}

func TestCreateCollectionRejectsDuplicateName(t *testing.T) {
	eng := newTestEngine(t)
	require.NoError(t, eng.CreateCollection(flatConfig("docs", 3)))
	err := eng.CreateCollection(flatConfig("docs", 3))
	require.Error(t, err)
}

func TestListCollectionsReturnsSortedNames(t *testing.T) {
	eng := newTestEngine(t)
	require.NoError(t, eng.CreateCollection(flatConfig("zebra", 3)))
	require.NoError(t, eng.CreateCollection(flatConfig("alpha", 3)))
	assert.Equal(t, []string{"alpha", "zebra"}, eng.ListCollections())
}

func TestAddDocumentsThenQueryReturnsNearestFirst(t *testing.T) {
	eng := newTestEngine(t)
	require.NoError(t, eng.CreateCollection(flatConfig("docs", 2)))

	n, err := eng.AddDocuments("docs", []DocumentInput{
		{ID: "a", Vector: []float32{0, 0}, Payload: common.DocMap{"text": "origin"}},
		{ID: "b", Vector: []float32{10, 10}, Payload: common.DocMap{"text": "far"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	results, err := eng.Query("docs", []float32{0.1, 0.1}, 2, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].ID)
	assert.Equal(t, "origin", results[0].Payload["text"])
	assert.Equal(t, "b", results[1].ID)
}

func TestAddDocumentsRejectsDimensionMismatch(t *testing.T) {
	eng := newTestEngine(t)
	require.NoError(t, eng.CreateCollection(flatConfig("docs", 3)))
	_, err := eng.AddDocuments("docs", []DocumentInput{{ID: "a", Vector: []float32{1, 2}}})
	require.Error(t, err)
}

func TestUpsertingSameIDUpdatesInPlace(t *testing.T) {
	eng := newTestEngine(t)
	require.NoError(t, eng.CreateCollection(flatConfig("docs", 2)))

	_, err := eng.AddDocuments("docs", []DocumentInput{{ID: "a", Vector: []float32{0, 0}}})
	require.NoError(t, err)
	_, err = eng.AddDocuments("docs", []DocumentInput{{ID: "a", Vector: []float32{5, 5}}})
	require.NoError(t, err)

	doc, err := eng.GetPoint("docs", "a")
	require.NoError(t, err)
	assert.Equal(t, []float32{5, 5}, doc.Vector)
}

func TestGetPointReturnsNotFoundForUnknownID(t *testing.T) {
	eng := newTestEngine(t)
	require.NoError(t, eng.CreateCollection(flatConfig("docs", 2)))
	_, err := eng.GetPoint("docs", "missing")
	require.Error(t, err)
}

func TestDeletePointsRemovesFromQueryResults(t *testing.T) {
	eng := newTestEngine(t)
	require.NoError(t, eng.CreateCollection(flatConfig("docs", 2)))
	_, err := eng.AddDocuments("docs", []DocumentInput{
		{ID: "a", Vector: []float32{0, 0}},
		{ID: "b", Vector: []float32{1, 1}},
	})
	require.NoError(t, err)

	n, err := eng.DeletePoints("docs", []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	results, err := eng.Query("docs", []float32{0, 0}, 5, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "b", results[0].ID)
}

func TestQueryWithAttributePredicateNarrowsResults(t *testing.T) {
	eng := newTestEngine(t)
	require.NoError(t, eng.CreateCollection(flatConfig("docs", 2)))
	_, err := eng.AddDocuments("docs", []DocumentInput{
		{ID: "a", Vector: []float32{0, 0}, Attributes: common.DocMap{"category": int64(1)}},
		{ID: "b", Vector: []float32{0.1, 0.1}, Attributes: common.DocMap{"category": int64(2)}},
	})
	require.NoError(t, err)

	results, err := eng.Query("docs", []float32{0, 0}, 5, []Predicate{{Field: "category", Op: filter.Equal, Target: 2}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "b", results[0].ID)
}

func TestDeleteCollectionRemovesItFromListing(t *testing.T) {
	eng := newTestEngine(t)
	require.NoError(t, eng.CreateCollection(flatConfig("docs", 2)))
	require.NoError(t, eng.DeleteCollection("docs"))
	assert.Empty(t, eng.ListCollections())
}

func TestDeleteCollectionOnUnknownNameFails(t *testing.T) {
	eng := newTestEngine(t)
	require.Error(t, eng.DeleteCollection("missing"))
}

func TestSyncStatusStartsSynchronized(t *testing.T) {
	eng := newTestEngine(t)
	require.NoError(t, eng.CreateCollection(flatConfig("docs", 2)))
	_, err := eng.AddDocuments("docs", []DocumentInput{{ID: "a", Vector: []float32{1, 2}}})
	require.NoError(t, err)

	status, err := eng.SyncStatus("docs")
	require.NoError(t, err)
	assert.True(t, status.IsSynchronized)
}

func TestCheckpointThenReopenRecoversCollection(t *testing.T) {
	dir := t.TempDir()
	eng, err := Open(dir, hangprevention.NewMonitor())
	require.NoError(t, err)
	require.NoError(t, eng.CreateCollection(flatConfig("docs", 2)))
	_, err = eng.AddDocuments("docs", []DocumentInput{
		{ID: "a", Vector: []float32{0, 0}},
		{ID: "b", Vector: []float32{1, 1}},
	})
	require.NoError(t, err)
	require.NoError(t, eng.Checkpoint("docs"))
	require.NoError(t, eng.Close())

	reopened, err := Open(dir, hangprevention.NewMonitor())
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, []string{"docs"}, reopened.ListCollections())
	doc, err := reopened.GetPoint("docs", "a")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0}, doc.Vector)

	results, err := reopened.Query("docs", []float32{1, 1}, 2, nil)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}
