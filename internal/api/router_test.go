package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"vexfs/internal/engine"
	"vexfs/internal/hangprevention"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	monitor := hangprevention.NewMonitor()
	eng, err := engine.Open(t.TempDir(), monitor)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	router := gin.New()
	NewRouter(eng, monitor).Register(router)
	return router
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestChromaCreateAddQueryRoundTrip(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/collections", createCollectionRequest{
		Name:     "docs",
		Metadata: map[string]any{"dim": float64(3), "hnsw:space": "l2"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/collections/docs/add", addRequest{
		IDs:        []string{"a", "b"},
		Embeddings: [][]float32{{1, 0, 0}, {0, 1, 0}},
		Documents:  []string{"hello", "world"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/collections/docs/query", queryRequest{
		QueryEmbeddings: [][]float32{{1, 0, 0}},
		NResults:        1,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp queryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.IDs, 1)
	require.Equal(t, []string{"a"}, resp.IDs[0])
	require.Equal(t, []string{"hello"}, resp.Documents[0])
}

func TestChromaQueryOnUnknownCollectionReturns404(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/collections/missing/query", queryRequest{
		QueryEmbeddings: [][]float32{{1, 0, 0}},
		NResults:        1,
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQdrantCreateUpsertSearchRoundTrip(t *testing.T) {
	router := newTestRouter(t)

	createBody := map[string]any{"vectors": map[string]any{"size": 3, "distance": "Euclid"}}
	rec := doJSON(t, router, http.MethodPut, "/collections/points-test", createBody)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPut, "/collections/points-test/points", qdrantUpsertRequest{
		Points: []qdrantPoint{
			{ID: "p1", Vector: []float32{1, 0, 0}, Payload: map[string]any{"category": 1}},
			{ID: "p2", Vector: []float32{0, 1, 0}, Payload: map[string]any{"category": 2}},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/collections/points-test/points/search", qdrantSearchRequest{
		Vector:      []float32{1, 0, 0},
		Limit:       1,
		WithPayload: true,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status string              `json:"status"`
		Result []qdrantScoredPoint `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body.Status)
	require.Len(t, body.Result, 1)
	require.Equal(t, "p1", body.Result[0].ID)
}

func TestNativeCreateAddGetDeleteRoundTrip(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/vexfs/v1/collections", nativeCreateCollectionRequest{
		Name: "native-docs", Dim: 3, Distance: "l2", IndexType: "flat",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/vexfs/v1/collections/native-docs/points", nativeAddRequest{
		Points: []nativePoint{{ID: "x1", Vector: []float32{1, 2, 3}, Payload: map[string]any{"note": "hi"}}},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/vexfs/v1/collections/native-docs/points/x1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got nativePoint
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "x1", got.ID)

	rec = doJSON(t, router, http.MethodDelete, "/vexfs/v1/collections/native-docs/points/x1", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/vexfs/v1/collections/native-docs/points/x1", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var errBody nativeErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errBody))
	require.Equal(t, "not_found", errBody.Kind)
	require.NotEmpty(t, errBody.Suggestion)
}

func TestNativeStatusReportsNormalState(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/vexfs/v1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"state":"normal"}`, rec.Body.String())
}

func TestNativeSyncStatusAndCheckpoint(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/vexfs/v1/collections", nativeCreateCollectionRequest{
		Name: "sync-docs", Dim: 2, Distance: "l2", IndexType: "flat",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/vexfs/v1/collections/sync-docs/sync_status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/vexfs/v1/collections/sync-docs/checkpoint", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
}
