package http

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxLogBatch = 200

// UILogEntry represents a log entry from the UI
type UILogEntry struct {
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context"`
	Timestamp string         `json:"timestamp"`
}

// UILogStreamRequest represents a batch of logs from the UI
type UILogStreamRequest struct {
	Source  string       `json:"source"`
	Entries []UILogEntry `json:"entries"`
}

// StreamLogs writes presentation-layer logs into the host log
func (h *Handlers) StreamLogs(c *gin.Context) {
	var req UILogStreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid log request format"})
		return
	}
	if req.Source != "ui" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid log source"})
		return
	}
	if len(req.Entries) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No log entries provided"})
		return
	}
	if len(req.Entries) > maxLogBatch {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Too many log entries"})
		return
	}

	processed := 0
	for _, entry := range req.Entries {
		if strings.TrimSpace(entry.Message) == "" {
			continue
		}
		h.writeUILog(entry)
		processed++
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"processed": processed,
		"total":     len(req.Entries),
	})
}

func (h *Handlers) writeUILog(entry UILogEntry) {
	fields := make([]zap.Field, 0, len(entry.Context)+1)
	if entry.Timestamp != "" {
		fields = append(fields, zap.String("ui_timestamp", entry.Timestamp))
	}
	for k, v := range entry.Context {
		fields = append(fields, zap.Any(k, v))
	}

	switch strings.ToLower(entry.Level) {
	case "debug":
		h.uiLogger.Debug(entry.Message, fields...)
	case "warn", "warning":
		h.uiLogger.Warn(entry.Message, fields...)
	case "error", "fatal":
		h.uiLogger.Error(entry.Message, fields...)
	default:
		h.uiLogger.Info(entry.Message, fields...)
	}
}
