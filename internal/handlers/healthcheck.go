package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/biostack-io/bundle-indexer/internal/repos"
)

// HealthHandler reports liveness plus queue depths, so a flat "ok" with a
// growing failure queue is visible in one call.
type HealthHandler struct {
	queueRepo repos.QueueRepo
}

func NewHealthHandler(queueRepo repos.QueueRepo) *HealthHandler {
	return &HealthHandler{queueRepo: queueRepo}
}

// GET /healthcheck
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	stats, err := h.queueRepo.Stats(c.Request.Context(), nil)
	if err != nil {
		RespondError(c, http.StatusServiceUnavailable, "queue_stats_failed", err)
		return
	}
	RespondOK(c, gin.H{
		"up":     true,
		"queues": stats,
	})
}
