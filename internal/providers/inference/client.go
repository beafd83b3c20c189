package inference

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	domain "github.com/des-work/WorldBuilder-sub000/internal/domain/inference"
)

// Config configures the HTTP client.
type Config struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64 // 0 disables limiting
	Logger            *zap.Logger
}

// APIError is a non-2xx answer from the inference service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("inference service returned %d", e.StatusCode)
	}
	return fmt.Sprintf("inference service returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to an Ollama-compatible HTTP API. It performs no retries of
// its own; the façade owns retry and circuit policy.
type Client struct {
	resty     *resty.Client
	limiter   *rate.Limiter
	sanitizer *bluemonday.Policy
	logger    *zap.Logger
}

var _ domain.Service = (*Client)(nil)

// New creates a client.
func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	// Pooled transport from retryablehttp; retries stay disabled here
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 0
	retryClient.Logger = nil

	r := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("User-Agent", "WorldBuilder/1.0").
		SetHeader("Accept", "application/json").
		SetJSONMarshaler(sonic.Marshal).
		SetJSONUnmarshaler(sonic.Unmarshal).
		SetTransport(retryClient.HTTPClient.Transport)

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), max(1, int(cfg.RequestsPerSecond)))
	}

	return &Client{
		resty:     r,
		limiter:   limiter,
		sanitizer: bluemonday.StrictPolicy(),
		logger:    logger.Named("inference.client"),
	}
}

type tagsResponse struct {
	Models []struct {
		Name       string    `json:"name"`
		Size       int64     `json:"size"`
		Digest     string    `json:"digest"`
		ModifiedAt time.Time `json:"modified_at"`
	} `json:"models"`
}

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	System  string          `json:"system,omitempty"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options,omitempty"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type generateResponse struct {
	Model         string `json:"model"`
	Response      string `json:"response"`
	TotalDuration int64  `json:"total_duration"`
}

type versionResponse struct {
	Version string `json:"version"`
}

type pullRequest struct {
	Name   string `json:"name"`
	Stream bool   `json:"stream"`
}

type pullResponse struct {
	Status string `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// ListModels returns locally available models.
func (c *Client) ListModels(ctx context.Context) ([]domain.Model, error) {
	var out tagsResponse
	if err := c.do(ctx, http.MethodGet, "/api/tags", nil, &out); err != nil {
		return nil, err
	}

	models := make([]domain.Model, 0, len(out.Models))
	for _, m := range out.Models {
		models = append(models, domain.Model{
			Name:       m.Name,
			Size:       m.Size,
			Digest:     m.Digest,
			ModifiedAt: m.ModifiedAt,
		})
	}
	return models, nil
}

// Generate requests a single non-streamed completion.
func (c *Client) Generate(ctx context.Context, req domain.GenerationRequest) (domain.Completion, error) {
	body := generateRequest{
		Model:  req.Model,
		Prompt: req.Prompt,
		System: req.System,
		Options: generateOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
		},
	}

	var out generateResponse
	if err := c.do(ctx, http.MethodPost, "/api/generate", body, &out); err != nil {
		return domain.Completion{}, err
	}

	model := out.Model
	if model == "" {
		model = req.Model
	}
	return domain.Completion{
		Model:    model,
		Text:     c.sanitize(out.Response),
		Duration: time.Duration(out.TotalDuration),
	}, nil
}

// Status reports the service version.
func (c *Client) Status(ctx context.Context) (domain.ServiceStatus, error) {
	var out versionResponse
	if err := c.do(ctx, http.MethodGet, "/api/version", nil, &out); err != nil {
		return domain.ServiceStatus{}, err
	}
	return domain.ServiceStatus{Online: true, Version: out.Version, CheckedAt: time.Now()}, nil
}

// PullModel downloads a model and waits for completion.
func (c *Client) PullModel(ctx context.Context, name string) error {
	var out pullResponse
	if err := c.do(ctx, http.MethodPost, "/api/pull", pullRequest{Name: name}, &out); err != nil {
		return err
	}
	if out.Status != "success" {
		return fmt.Errorf("pull %s ended with status %q", name, out.Status)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req := c.resty.R().
		SetContext(ctx).
		SetResult(out).
		SetError(&errorResponse{})
	if body != nil {
		req.SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%s %s: %w", method, path, err)
	}

	if resp.IsError() {
		apiErr := &APIError{StatusCode: resp.StatusCode()}
		if e, ok := resp.Error().(*errorResponse); ok && e != nil {
			apiErr.Message = e.Error
		}
		c.logger.Debug("inference request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode()),
		)
		return apiErr
	}
	return nil
}

// sanitize strips markup from model output and keeps plain prose intact.
func (c *Client) sanitize(s string) string {
	return html.UnescapeString(c.sanitizer.Sanitize(s))
}
