package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"vexfs/internal/common"
	"vexfs/internal/engine"
	"vexfs/internal/filter"
)

type qdrantCreateRequest struct {
	Vectors struct {
		Size     int    `json:"size"`
		Distance string `json:"distance"`
	} `json:"vectors"`
}

type qdrantPoint struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload,omitempty"`
}

type qdrantUpsertRequest struct {
	Points []qdrantPoint `json:"points"`
}

type qdrantSearchRequest struct {
	Vector      []float32     `json:"vector"`
	Limit       int           `json:"limit"`
	WithPayload bool          `json:"with_payload"`
	Filter      *qdrantFilter `json:"filter,omitempty"`
}

type qdrantFilter struct {
	Must []qdrantCondition `json:"must"`
}

type qdrantCondition struct {
	Key   string `json:"key"`
	Match struct {
		Value int64 `json:"value"`
	} `json:"match"`
}

type qdrantScoredPoint struct {
	ID      string         `json:"id"`
	Score   float32        `json:"score"`
	Payload map[string]any `json:"payload,omitempty"`
}

func (rt *Router) registerQdrant(router *gin.Engine) {
	g := router.Group("/collections")
	g.PUT("/:name", rt.qdrantCreate)
	g.PUT("/:name/points", rt.qdrantUpsert)
	g.POST("/:name/points/search", rt.qdrantSearch)
	g.DELETE("/:name", rt.qdrantDelete)
}

// qdrantDistance maps Qdrant's distance names onto the collection's
// configured distance (spec.md §4.8 "Euclid -> L2, Dot -> dot").
func qdrantDistance(name string) common.Distance {
	switch name {
	case "Cosine":
		return common.DistanceCosine
	case "Dot":
		return common.DistanceDot
	default:
		return common.DistanceL2
	}
}

func (rt *Router) qdrantCreate(c *gin.Context) {
	var req qdrantCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, qdrantStatus{Status: "error", Message: err.Error()})
		return
	}

	cfg := common.CollectionConfig{
		Name:      c.Param("name"),
		Dim:       req.Vectors.Size,
		Distance:  qdrantDistance(req.Vectors.Distance),
		IndexType: common.IndexTypeHNSW,
	}
	if err := rt.eng.CreateCollection(cfg); err != nil {
		qdrantError(c, err)
		return
	}
	c.JSON(http.StatusOK, qdrantStatus{Status: "ok"})
}

func (rt *Router) qdrantDelete(c *gin.Context) {
	if err := rt.eng.DeleteCollection(c.Param("name")); err != nil {
		qdrantError(c, err)
		return
	}
	c.JSON(http.StatusOK, qdrantStatus{Status: "ok"})
}

func (rt *Router) qdrantUpsert(c *gin.Context) {
	var req qdrantUpsertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, qdrantStatus{Status: "error", Message: err.Error()})
		return
	}

	docs := make([]engine.DocumentInput, len(req.Points))
	for i, p := range req.Points {
		docs[i] = engine.DocumentInput{ID: p.ID, Vector: p.Vector, Payload: p.Payload}
	}
	if _, err := rt.eng.AddDocuments(c.Param("name"), docs); err != nil {
		qdrantError(c, err)
		return
	}
	c.JSON(http.StatusOK, qdrantStatus{Status: "ok"})
}

func (rt *Router) qdrantSearch(c *gin.Context) {
	var req qdrantSearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, qdrantStatus{Status: "error", Message: err.Error()})
		return
	}

	var predicates []engine.Predicate
	if req.Filter != nil {
		for _, cond := range req.Filter.Must {
			predicates = append(predicates, engine.Predicate{Field: cond.Key, Op: filter.Equal, Target: cond.Match.Value})
		}
	}

	results, err := rt.eng.Query(c.Param("name"), req.Vector, req.Limit, predicates)
	if err != nil {
		qdrantError(c, err)
		return
	}

	points := make([]qdrantScoredPoint, len(results))
	for i, r := range results {
		p := qdrantScoredPoint{ID: r.ID, Score: r.Distance}
		if req.WithPayload {
			p.Payload = r.Payload
		}
		points[i] = p
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "result": points, "time": 0})
}
