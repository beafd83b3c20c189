package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/des-work/WorldBuilder-sub000/internal/domain/workspace"
	"github.com/des-work/WorldBuilder-sub000/internal/providers/theme"
)

// SetThemeRequest selects a theme by id.
type SetThemeRequest struct {
	ID string `json:"id" binding:"required"`
}

// GetTheme returns the active theme and the available ones
func (h *Handlers) GetTheme(c *gin.Context) {
	if h.Theme == nil {
		unavailable(c, "theme")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"current": h.Theme.Current(),
		"themes":  h.Theme.Themes(),
	})
}

// SetTheme switches and persists the active theme
func (h *Handlers) SetTheme(c *gin.Context) {
	if h.Theme == nil {
		unavailable(c, "theme")
		return
	}

	var req SetThemeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "theme id is required"})
		return
	}

	t, err := h.Theme.Set(req.ID)
	switch {
	case errors.Is(err, theme.ErrUnknownTheme):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	case err != nil:
		h.logger.Error("Failed to save theme", zap.String("id", req.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save theme"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "current": t})
}

func (h *Handlers) workspaceIndex() *workspace.Index {
	if h.Workspace == nil {
		return nil
	}
	return h.Workspace.Index()
}

// ListProjects returns the indexed projects. Ready is false until the first
// workspace scan finishes.
func (h *Handlers) ListProjects(c *gin.Context) {
	idx := h.workspaceIndex()
	if idx == nil {
		c.JSON(http.StatusOK, gin.H{"ready": false, "projects": []workspace.Project{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ready":     true,
		"projects":  idx.Projects,
		"skipped":   idx.Skipped,
		"documents": idx.Documents,
		"words":     idx.Words,
	})
}

// GetProject returns one project by id
func (h *Handlers) GetProject(c *gin.Context) {
	idx := h.workspaceIndex()
	if idx == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "workspace is still loading"})
		return
	}

	p, ok := idx.Project(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
		return
	}
	c.JSON(http.StatusOK, p)
}
