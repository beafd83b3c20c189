package http

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/des-work/WorldBuilder-sub000/internal/domain/inference"
)

const maxPromptLength = 32 << 10

// PullRequest names a model to download.
type PullRequest struct {
	Name string `json:"name" binding:"required"`
}

// ListModels returns the installed models, possibly stale or empty
func (h *Handlers) ListModels(c *gin.Context) {
	if h.AI == nil {
		unavailable(c, "AI")
		return
	}
	models := h.AI.ListModels(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"models": models,
		"status": h.AI.LastStatus(),
	})
}

// Generate produces a completion. Offline completions still answer 200 with
// the placeholder text and offline set.
func (h *Handlers) Generate(c *gin.Context) {
	if h.AI == nil {
		unavailable(c, "AI")
		return
	}

	var req inference.GenerationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid generation request: " + err.Error()})
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt is required"})
		return
	}
	if len(req.Prompt) > maxPromptLength {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "prompt is too long"})
		return
	}
	if req.Temperature < 0 || req.Temperature > 2 || req.MaxTokens < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "temperature must be in [0, 2] and max_tokens non-negative"})
		return
	}

	c.JSON(http.StatusOK, h.AI.Generate(c.Request.Context(), req))
}

// AIStatus probes the AI service
func (h *Handlers) AIStatus(c *gin.Context) {
	if h.AI == nil {
		unavailable(c, "AI")
		return
	}
	c.JSON(http.StatusOK, h.AI.Status(c.Request.Context()))
}

// PullModel downloads a model. A failed pull is retried in the background.
func (h *Handlers) PullModel(c *gin.Context) {
	if h.AI == nil {
		unavailable(c, "AI")
		return
	}

	var req PullRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "model name is required"})
		return
	}

	if !h.AI.PullModel(c.Request.Context(), req.Name) {
		c.JSON(http.StatusAccepted, gin.H{
			"success": false,
			"model":   req.Name,
			"message": "AI service unavailable, pull will be retried in the background",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "model": req.Name})
}

// AICache returns façade cache and retry counters
func (h *Handlers) AICache(c *gin.Context) {
	if h.AI == nil {
		unavailable(c, "AI")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"caches":          h.AI.CacheStats(),
		"pending_retries": h.AI.PendingRetries(),
	})
}
