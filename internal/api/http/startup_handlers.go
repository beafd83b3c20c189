package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/des-work/WorldBuilder-sub000/internal/domain/startup"
)

// StartupStatus returns the current startup run
func (h *Handlers) StartupStatus(c *gin.Context) {
	if h.Startup == nil {
		unavailable(c, "startup")
		return
	}
	c.JSON(http.StatusOK, h.Startup.Status())
}

// CancelStartup requests cancellation of a running startup
func (h *Handlers) CancelStartup(c *gin.Context) {
	if h.Startup == nil {
		unavailable(c, "startup")
		return
	}

	s := h.Startup.Status()
	if s.State != startup.StateRunning {
		c.JSON(http.StatusConflict, gin.H{
			"error": "startup is not running",
			"state": s.State,
		})
		return
	}

	h.Startup.Cancel()
	h.logger.Info("Startup cancellation requested over API")
	c.JSON(http.StatusAccepted, gin.H{"success": true, "run_id": s.RunID})
}
