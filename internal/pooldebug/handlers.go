// Package pooldebug exposes a read-only HTTP surface over a running pool:
// aggregate stats, the live worker list, and per-workspace queue depth.
// Read-only: nothing here mutates pool state.
package pooldebug

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/eenlars/alive-sub006/internal/common/logger"
	"github.com/eenlars/alive-sub006/internal/pool"
)

// RegisterRoutes mounts the debug endpoints under /debug on router.
func RegisterRoutes(router *gin.Engine, manager *pool.Manager, log *logger.Logger) {
	group := router.Group("/debug")
	group.GET("/stats", handleStats(manager))
	group.GET("/workers", handleWorkers(manager))
	group.GET("/queue", handleQueue(manager))
}

// handleStats handles GET /debug/stats, returning the pool's aggregate
// counters and per-owner/per-workspace active-worker breakdown.
func handleStats(manager *pool.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, manager.GetStats())
	}
}

// handleWorkers handles GET /debug/workers, returning every live worker
// handle's snapshot (pid, state, workspace, activity timestamps).
func handleWorkers(manager *pool.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"workers": manager.GetWorkerInfo()})
	}
}

// handleQueue handles GET /debug/queue, returning queue depth per
// workspace plus the aggregate queued-request total.
func handleQueue(manager *pool.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats := manager.GetStats()
		c.JSON(http.StatusOK, gin.H{
			"totalQueued":  stats.QueuedRequests,
			"perWorkspace": manager.GetQueueDepths(),
		})
	}
}
