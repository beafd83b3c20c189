package inference

import (
	"context"
	"time"
)

// Model is a model the inference service can run.
type Model struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	Digest     string    `json:"digest,omitempty"`
	ModifiedAt time.Time `json:"modified_at"`
}

// GenerationRequest asks for a single, non-streamed completion.
type GenerationRequest struct {
	Model       string  `json:"model" binding:"required"`
	Prompt      string  `json:"prompt" binding:"required"`
	System      string  `json:"system,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// Completion is a generated text. Offline marks the placeholder returned
// when the service could not be reached and nothing was cached.
type Completion struct {
	Model    string        `json:"model"`
	Text     string        `json:"text"`
	Duration time.Duration `json:"duration"`
	Cached   bool          `json:"cached"`
	Stale    bool          `json:"stale"`
	Offline  bool          `json:"offline"`
}

// ServiceStatus reports inference service availability.
type ServiceStatus struct {
	Online    bool      `json:"online"`
	Version   string    `json:"version,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Service is the local AI inference service wrapped by the façade.
type Service interface {
	ListModels(ctx context.Context) ([]Model, error)
	Generate(ctx context.Context, req GenerationRequest) (Completion, error)
	Status(ctx context.Context) (ServiceStatus, error)
	PullModel(ctx context.Context, name string) error
}
