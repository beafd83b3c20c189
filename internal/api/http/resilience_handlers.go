package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ListCircuits returns every circuit breaker record
func (h *Handlers) ListCircuits(c *gin.Context) {
	if h.Circuits == nil {
		unavailable(c, "circuit breaker")
		return
	}
	c.JSON(http.StatusOK, gin.H{"circuits": h.Circuits.Snapshot()})
}

// ResetCircuit forces a circuit closed
func (h *Handlers) ResetCircuit(c *gin.Context) {
	if h.Circuits == nil {
		unavailable(c, "circuit breaker")
		return
	}

	key := c.Param("key")
	if !h.Circuits.Reset(key) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown circuit", "key": key})
		return
	}

	h.logger.Info("Circuit reset over API", zap.String("key", key))
	c.JSON(http.StatusOK, gin.H{"success": true, "key": key})
}

// TaskStats returns background processor counters
func (h *Handlers) TaskStats(c *gin.Context) {
	if h.Tasks == nil {
		unavailable(c, "task processor")
		return
	}
	c.JSON(http.StatusOK, h.Tasks.Stats())
}
