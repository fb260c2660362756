// Package api implements the dialect router of spec.md §4.8: three URL
// surfaces (ChromaDB-style, Qdrant-style, Native) sharing one
// internal/engine.Engine. Each dialect is a pure parser/serializer —
// parse the request into an engine call, call the engine, serialize the
// result into that dialect's expected JSON shape — following the
// teacher's single-dialect split between internal/api/handlers.go (parse
// + serialize) and internal/vecdb (the call itself).
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"vexfs/internal/vexerr"
)

// httpStatusForKind maps a taxonomy kind to the HTTP status every
// dialect's error envelope carries, per spec.md §7.
func httpStatusForKind(k vexerr.Kind) int {
	switch k {
	case vexerr.KindNotFound:
		return http.StatusNotFound
	case vexerr.KindAlreadyExists:
		return http.StatusConflict
	case vexerr.KindInvalidArg, vexerr.KindDimMismatch:
		return http.StatusBadRequest
	case vexerr.KindOutOfSpace, vexerr.KindOutOfMemory:
		return http.StatusInsufficientStorage
	case vexerr.KindTimeout:
		return http.StatusGatewayTimeout
	case vexerr.KindDegraded, vexerr.KindReadOnly:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// chromaError writes a ChromaDB-style error envelope: an HTTP status
// matching the taxonomy kind with a flat JSON body.
func chromaError(c *gin.Context, err error) {
	verr, ok := vexerr.As(err)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(httpStatusForKind(verr.K), gin.H{"error": verr.Message})
}

// qdrantStatus is Qdrant's envelope for both success and failure
// responses: {status, result|message, time}.
type qdrantStatus struct {
	Status  string  `json:"status"`
	Message string  `json:"message,omitempty"`
	Time    float64 `json:"time"`
}

// qdrantError writes a Qdrant-style error envelope.
func qdrantError(c *gin.Context, err error) {
	verr, ok := vexerr.As(err)
	status := http.StatusInternalServerError
	message := err.Error()
	if ok {
		status = httpStatusForKind(verr.K)
		message = verr.Message
	}
	c.JSON(status, qdrantStatus{Status: "error", Message: message, Time: 0})
}

// nativeErrorBody is the Native dialect's envelope: both the taxonomy
// kind and a one-line suggestion, per spec.md §7.
type nativeErrorBody struct {
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion"`
}

// nativeError writes a Native-dialect error envelope.
func nativeError(c *gin.Context, err error) {
	verr, ok := vexerr.As(err)
	if !ok {
		c.JSON(http.StatusInternalServerError, nativeErrorBody{
			Kind:       string(vexerr.KindInternal),
			Message:    err.Error(),
			Suggestion: vexerr.KindInternal.Suggestion(),
		})
		return
	}
	c.JSON(httpStatusForKind(verr.K), nativeErrorBody{
		Kind:       string(verr.K),
		Message:    verr.Message,
		Suggestion: verr.K.Suggestion(),
	})
}
