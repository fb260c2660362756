package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"vexfs/internal/common"
	"vexfs/internal/engine"
	"vexfs/internal/filter"
	"vexfs/internal/vexerr"
)

type nativeCreateCollectionRequest struct {
	Name      string `json:"name"`
	Dim       int    `json:"dim"`
	Distance  string `json:"distance"`
	IndexType string `json:"index_type"`
}

type nativePoint struct {
	ID         string         `json:"id"`
	Vector     []float32      `json:"vector"`
	Payload    map[string]any `json:"payload,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

type nativeAddRequest struct {
	Points []nativePoint `json:"points"`
}

type nativeQueryCondition struct {
	Field string `json:"field"`
	Op    string `json:"op"`
	Value int64  `json:"value"`
}

type nativeQueryRequest struct {
	Vector []float32              `json:"vector"`
	K      int                    `json:"k"`
	Filter []nativeQueryCondition `json:"filter,omitempty"`
}

type nativeQueryResult struct {
	ID       string         `json:"id"`
	Distance float32        `json:"distance"`
	Payload  map[string]any `json:"payload,omitempty"`
}

func nativeDistance(name string) common.Distance {
	switch name {
	case "cosine":
		return common.DistanceCosine
	case "dot":
		return common.DistanceDot
	default:
		return common.DistanceL2
	}
}

func nativeIndexType(name string) common.IndexType {
	switch name {
	case "pq":
		return common.IndexTypePQ
	case "ivf":
		return common.IndexTypeIVF
	case "lsh":
		return common.IndexTypeLSH
	case "flat":
		return common.IndexTypeFlat
	default:
		return common.IndexTypeHNSW
	}
}

func (rt *Router) registerNative(router *gin.Engine) {
	g := router.Group("/vexfs/v1")
	g.GET("/status", rt.nativeStatus)
	g.GET("/collections", rt.nativeListCollections)
	g.POST("/collections", rt.nativeCreateCollection)
	g.DELETE("/collections/:name", rt.nativeDeleteCollection)
	g.POST("/collections/:name/points", rt.nativeAddPoints)
	g.GET("/collections/:name/points/:id", rt.nativeGetPoint)
	g.DELETE("/collections/:name/points/:id", rt.nativeDeletePoint)
	g.POST("/collections/:name/query", rt.nativeQuery)
	g.GET("/collections/:name/sync_status", rt.nativeSyncStatus)
	g.POST("/collections/:name/checkpoint", rt.nativeCheckpoint)
}

// nativeStatus exposes the hang-prevention system state, so a caller (or
// vexctl status) can tell a degraded mount from an outage without
// digging through logs.
func (rt *Router) nativeStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"state": rt.monitor.State().String()})
}

func (rt *Router) nativeListCollections(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"collections": rt.eng.ListCollections()})
}

func (rt *Router) nativeCreateCollection(c *gin.Context) {
	var req nativeCreateCollectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, nativeErrorBody{Kind: "invalid_argument", Message: err.Error()})
		return
	}

	cfg := common.CollectionConfig{
		Name:      req.Name,
		Dim:       req.Dim,
		Distance:  nativeDistance(req.Distance),
		IndexType: nativeIndexType(req.IndexType),
	}
	if err := rt.eng.CreateCollection(cfg); err != nil {
		nativeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"name": cfg.Name})
}

func (rt *Router) nativeDeleteCollection(c *gin.Context) {
	if err := rt.eng.DeleteCollection(c.Param("name")); err != nil {
		nativeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (rt *Router) nativeAddPoints(c *gin.Context) {
	var req nativeAddRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, nativeErrorBody{Kind: "invalid_argument", Message: err.Error()})
		return
	}

	docs := make([]engine.DocumentInput, len(req.Points))
	for i, p := range req.Points {
		docs[i] = engine.DocumentInput{ID: p.ID, Vector: p.Vector, Payload: p.Payload, Attributes: p.Attributes}
	}
	n, err := rt.eng.AddDocuments(c.Param("name"), docs)
	if err != nil {
		nativeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"inserted": n})
}

func (rt *Router) nativeGetPoint(c *gin.Context) {
	doc, err := rt.eng.GetPoint(c.Param("name"), c.Param("id"))
	if err != nil {
		nativeError(c, err)
		return
	}
	c.JSON(http.StatusOK, nativePoint{ID: doc.ID, Vector: doc.Vector, Payload: doc.Payload, Attributes: doc.Attributes})
}

func (rt *Router) nativeDeletePoint(c *gin.Context) {
	n, err := rt.eng.DeletePoints(c.Param("name"), []string{c.Param("id")})
	if err != nil {
		nativeError(c, err)
		return
	}
	if n == 0 {
		nativeError(c, vexerr.NotFound("point %q not found", c.Param("id")))
		return
	}
	c.Status(http.StatusNoContent)
}

func (rt *Router) nativeQuery(c *gin.Context) {
	var req nativeQueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, nativeErrorBody{Kind: "invalid_argument", Message: err.Error()})
		return
	}

	predicates := make([]engine.Predicate, 0, len(req.Filter))
	for _, cond := range req.Filter {
		op := filter.Equal
		if cond.Op == "neq" {
			op = filter.NotEqual
		}
		predicates = append(predicates, engine.Predicate{Field: cond.Field, Op: op, Target: cond.Value})
	}

	results, err := rt.eng.Query(c.Param("name"), req.Vector, req.K, predicates)
	if err != nil {
		nativeError(c, err)
		return
	}

	out := make([]nativeQueryResult, len(results))
	for i, r := range results {
		out[i] = nativeQueryResult{ID: r.ID, Distance: r.Distance, Payload: r.Payload}
	}
	c.JSON(http.StatusOK, gin.H{"results": out})
}

func (rt *Router) nativeSyncStatus(c *gin.Context) {
	status, err := rt.eng.SyncStatus(c.Param("name"))
	if err != nil {
		nativeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (rt *Router) nativeCheckpoint(c *gin.Context) {
	if err := rt.eng.Checkpoint(c.Param("name")); err != nil {
		nativeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
