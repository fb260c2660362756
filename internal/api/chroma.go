package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"vexfs/internal/common"
	"vexfs/internal/engine"
)

// chromaCollection is the shape ChromaDB's GET/POST /api/v1/collections
// endpoints use to describe a collection.
type chromaCollection struct {
	Name     string         `json:"name"`
	ID       string         `json:"id"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type createCollectionRequest struct {
	Name     string         `json:"name"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type addRequest struct {
	IDs        []string         `json:"ids"`
	Embeddings [][]float32      `json:"embeddings"`
	Metadatas  []map[string]any `json:"metadatas,omitempty"`
	Documents  []string         `json:"documents,omitempty"`
}

type queryRequest struct {
	QueryEmbeddings [][]float32 `json:"query_embeddings"`
	NResults        int         `json:"n_results"`
}

type queryResponse struct {
	IDs       [][]string         `json:"ids"`
	Distances [][]float32        `json:"distances"`
	Metadatas [][]map[string]any `json:"metadatas"`
	Documents [][]string         `json:"documents"`
}

func (rt *Router) registerChroma(router *gin.Engine) {
	g := router.Group("/api/v1/collections")
	g.GET("", rt.chromaList)
	g.POST("", rt.chromaCreate)
	g.POST("/:name/add", rt.chromaAdd)
	g.POST("/:name/query", rt.chromaQuery)
	g.DELETE("/:name", rt.chromaDelete)
}

func chromaDistanceMetadata(cfg common.CollectionConfig) map[string]any {
	name := "l2"
	switch cfg.Distance {
	case common.DistanceCosine:
		name = "cosine"
	case common.DistanceDot:
		name = "ip"
	}
	return map[string]any{"hnsw:space": name, "dim": cfg.Dim}
}

func (rt *Router) chromaList(c *gin.Context) {
	names := rt.eng.ListCollections()
	out := make([]chromaCollection, 0, len(names))
	for _, name := range names {
		cfg, err := rt.eng.CollectionConfig(name)
		if err != nil {
			continue // deleted between ListCollections and this lookup
		}
		out = append(out, chromaCollection{Name: name, ID: name, Metadata: chromaDistanceMetadata(cfg)})
	}
	c.JSON(http.StatusOK, out)
}

func (rt *Router) chromaCreate(c *gin.Context) {
	var req createCollectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	dim, _ := req.Metadata["dim"].(float64)
	distance := common.DistanceL2
	if space, ok := req.Metadata["hnsw:space"].(string); ok {
		switch space {
		case "cosine":
			distance = common.DistanceCosine
		case "ip":
			distance = common.DistanceDot
		}
	}

	cfg := common.CollectionConfig{
		Name:      req.Name,
		Dim:       int(dim),
		Distance:  distance,
		IndexType: common.IndexTypeHNSW,
	}
	if err := rt.eng.CreateCollection(cfg); err != nil {
		chromaError(c, err)
		return
	}
	c.JSON(http.StatusOK, chromaCollection{Name: cfg.Name, ID: cfg.Name, Metadata: chromaDistanceMetadata(cfg)})
}

func (rt *Router) chromaDelete(c *gin.Context) {
	if err := rt.eng.DeleteCollection(c.Param("name")); err != nil {
		chromaError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": c.Param("name")})
}

func (rt *Router) chromaAdd(c *gin.Context) {
	var req addRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	docs := make([]engine.DocumentInput, len(req.Embeddings))
	for i, vec := range req.Embeddings {
		id := ""
		if i < len(req.IDs) {
			id = req.IDs[i]
		}
		if id == "" {
			id = uuid.NewString()
		}
		payload := common.DocMap{}
		if i < len(req.Metadatas) && req.Metadatas[i] != nil {
			payload = req.Metadatas[i]
		}
		if i < len(req.Documents) {
			payload["document"] = req.Documents[i]
		}
		docs[i] = engine.DocumentInput{ID: id, Vector: vec, Payload: payload}
	}

	n, err := rt.eng.AddDocuments(c.Param("name"), docs)
	if err != nil {
		chromaError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"inserted": n})
}

func (rt *Router) chromaQuery(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp := queryResponse{
		IDs:       make([][]string, len(req.QueryEmbeddings)),
		Distances: make([][]float32, len(req.QueryEmbeddings)),
		Metadatas: make([][]map[string]any, len(req.QueryEmbeddings)),
		Documents: make([][]string, len(req.QueryEmbeddings)),
	}
	for i, query := range req.QueryEmbeddings {
		results, err := rt.eng.Query(c.Param("name"), query, req.NResults, nil)
		if err != nil {
			chromaError(c, err)
			return
		}
		ids := make([]string, len(results))
		distances := make([]float32, len(results))
		metadatas := make([]map[string]any, len(results))
		documents := make([]string, len(results))
		for j, r := range results {
			ids[j] = r.ID
			distances[j] = r.Distance
			metadatas[j] = r.Payload
			if doc, ok := r.Payload["document"].(string); ok {
				documents[j] = doc
			}
		}
		resp.IDs[i] = ids
		resp.Distances[i] = distances
		resp.Metadatas[i] = metadatas
		resp.Documents[i] = documents
	}
	c.JSON(http.StatusOK, resp)
}
