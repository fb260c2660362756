package api

import (
	"github.com/gin-gonic/gin"

	"vexfs/internal/engine"
	"vexfs/internal/hangprevention"
)

// Router wires all three dialects onto one gin.Engine, sharing the
// engine facade and the hang-prevention monitor. Per-request admission
// checking (spec.md §4.8 "Parse -> Authorize -> CheckAdmission ->
// Execute -> Serialize") is left to engine.Engine itself: its collection
// create/delete and document add/query/get/delete calls start their own
// watchdog, so the router need not duplicate it. ListCollections,
// CollectionConfig, SyncStatus and Checkpoint start none and are not
// admission-checked.
type Router struct {
	eng     *engine.Engine
	monitor *hangprevention.Monitor
}

// NewRouter constructs a Router over an already-opened engine.
func NewRouter(eng *engine.Engine, monitor *hangprevention.Monitor) *Router {
	return &Router{eng: eng, monitor: monitor}
}

// Register mounts every dialect's routes onto router.
func (rt *Router) Register(router *gin.Engine) {
	rt.registerChroma(router)
	rt.registerQdrant(router)
	rt.registerNative(router)
}
