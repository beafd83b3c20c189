package http_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	api "github.com/des-work/WorldBuilder-sub000/internal/api/http"
	"github.com/des-work/WorldBuilder-sub000/internal/domain/startup"
	"github.com/des-work/WorldBuilder-sub000/internal/domain/workspace"
	"github.com/des-work/WorldBuilder-sub000/internal/infrastructure/monitoring"
	"github.com/des-work/WorldBuilder-sub000/internal/providers/theme"
	"github.com/des-work/WorldBuilder-sub000/tests/helpers/testutil"
)

type fakeStartup struct {
	status    startup.Status
	cancelled bool
}

func (f *fakeStartup) Status() startup.Status { return f.status }
func (f *fakeStartup) Cancel()                { f.cancelled = true }

type staticWorkspace struct{ idx *workspace.Index }

func (s staticWorkspace) Index() *workspace.Index { return s.idx }

func newRouter(deps api.Deps) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	api.NewHandlers(deps).Register(r, nil)
	return r
}

func do(t *testing.T, r http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var out map[string]any
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, sonic.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w, out
}

func TestUnwiredComponentsAnswer503(t *testing.T) {
	r := newRouter(api.Deps{})

	for _, path := range []string{"/startup", "/circuits", "/tasks/stats", "/ai/models", "/theme", "/metrics", "/metrics/json"} {
		w, _ := do(t, r, "GET", path, "")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, path)
	}

	w, body := do(t, r, "GET", "/", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "dev", body["version"])
}

func TestHealth(t *testing.T) {
	stack := testutil.NewStack(t, testutil.NewMockService(t), testutil.StackOptions{})
	stack.Facade.Status(context.Background())

	st := &fakeStartup{status: startup.Status{State: startup.StateComplete, Progress: 1}}
	r := newRouter(api.Deps{Startup: st, AI: stack.Facade, Circuits: stack.Breaker})

	w, body := do(t, r, "GET", "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])

	st.status.State = startup.StateFailed
	w, body = do(t, r, "GET", "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "unhealthy", body["status"])
}

func TestHealthDegradedWhenAIOffline(t *testing.T) {
	stack := testutil.NewStack(t, testutil.NewOfflineService(t), testutil.StackOptions{})
	stack.Facade.Status(context.Background())

	r := newRouter(api.Deps{AI: stack.Facade})
	w, body := do(t, r, "GET", "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "degraded", body["status"])
}

func TestStartupEndpoints(t *testing.T) {
	st := &fakeStartup{status: startup.Status{State: startup.StateComplete, Phase: startup.PhaseComplete, Progress: 1}}
	r := newRouter(api.Deps{Startup: st})

	w, body := do(t, r, "GET", "/startup", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "complete", body["state"])
	assert.Equal(t, 1.0, body["progress"])

	w, _ = do(t, r, "POST", "/startup/cancel", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.False(t, st.cancelled)

	st.status.State = startup.StateRunning
	w, _ = do(t, r, "POST", "/startup/cancel", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.True(t, st.cancelled)
}

func TestCircuitEndpoints(t *testing.T) {
	stack := testutil.NewStack(t, testutil.NewOfflineService(t), testutil.StackOptions{FailureThreshold: 1})
	stack.Facade.ListModels(context.Background())

	r := newRouter(api.Deps{Circuits: stack.Breaker, Tasks: stack.Processor})

	w, body := do(t, r, "GET", "/circuits", "")
	require.Equal(t, http.StatusOK, w.Code)
	circuits := body["circuits"].([]any)
	require.Len(t, circuits, 1)
	first := circuits[0].(map[string]any)
	assert.Equal(t, "open", first["state"])
	key := first["key"].(string)

	w, _ = do(t, r, "POST", "/circuits/"+key+"/reset", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "closed", stack.Breaker.State(key).String())

	w, _ = do(t, r, "POST", "/circuits/nope/reset", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, body = do(t, r, "GET", "/tasks/stats", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1.0, body["queued"], "the degraded read queued one retry")
}

func TestAIEndpointsOnline(t *testing.T) {
	stack := testutil.NewStack(t, testutil.NewMockService(t), testutil.StackOptions{})
	r := newRouter(api.Deps{AI: stack.Facade})

	w, body := do(t, r, "GET", "/ai/models", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["models"], 2)

	w, body = do(t, r, "POST", "/ai/generate", `{"model":"llama3","prompt":"Tell me about the lighthouse"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Once upon a time", body["text"])
	assert.Equal(t, false, body["offline"])

	w, body = do(t, r, "POST", "/ai/models/pull", `{"name":"mistral"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["success"])

	w, body = do(t, r, "GET", "/ai/status", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["online"])

	w, body = do(t, r, "GET", "/ai/cache", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, body, "caches")
}

func TestAIEndpointsOffline(t *testing.T) {
	stack := testutil.NewStack(t, testutil.NewOfflineService(t), testutil.StackOptions{})
	r := newRouter(api.Deps{AI: stack.Facade})

	w, body := do(t, r, "GET", "/ai/models", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, body["models"])

	w, body = do(t, r, "POST", "/ai/generate", `{"prompt":"hello"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["offline"])

	w, body = do(t, r, "POST", "/ai/models/pull", `{"name":"mistral"}`)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, false, body["success"])

	w, body = do(t, r, "GET", "/ai/status", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["online"])
}

func TestGenerateValidation(t *testing.T) {
	stack := testutil.NewStack(t, testutil.NewMockService(t), testutil.StackOptions{})
	r := newRouter(api.Deps{AI: stack.Facade})

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed", `{"prompt":`, http.StatusBadRequest},
		{"missing prompt", `{"model":"llama3"}`, http.StatusBadRequest},
		{"blank prompt", `{"prompt":"   "}`, http.StatusBadRequest},
		{"bad temperature", `{"prompt":"x","temperature":3}`, http.StatusBadRequest},
		{"too long", `{"prompt":"` + strings.Repeat("a", 40<<10) + `"}`, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := do(t, r, "POST", "/ai/generate", tt.body)
			assert.Equal(t, tt.want, w.Code)
		})
	}

	w, _ := do(t, r, "POST", "/ai/models/pull", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestThemeEndpoints(t *testing.T) {
	provider := theme.NewProvider(filepath.Join(t.TempDir(), "theme.toml"), zaptest.NewLogger(t))
	_, err := provider.Load()
	require.NoError(t, err)

	r := newRouter(api.Deps{Theme: provider})

	w, body := do(t, r, "GET", "/theme", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "dark", body["current"].(map[string]any)["id"])
	assert.Len(t, body["themes"], 4)

	w, body = do(t, r, "PUT", "/theme", `{"id":"sepia"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "sepia", body["current"].(map[string]any)["id"])
	assert.Equal(t, "sepia", provider.Current().ID)

	w, _ = do(t, r, "PUT", "/theme", `{"id":"neon"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = do(t, r, "PUT", "/theme", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWorkspaceEndpoints(t *testing.T) {
	src := &staticWorkspace{}
	r := newRouter(api.Deps{Workspace: src})

	w, body := do(t, r, "GET", "/workspace/projects", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["ready"])

	w, _ = do(t, r, "GET", "/workspace/projects/saga", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	src.idx = &workspace.Index{
		Projects: []workspace.Project{{ID: "saga", Title: "The Saga", Dir: "saga", Words: 1200}},
		Words:    1200,
	}

	w, body = do(t, r, "GET", "/workspace/projects", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["ready"])
	assert.Len(t, body["projects"], 1)

	w, body = do(t, r, "GET", "/workspace/projects/saga", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "The Saga", body["title"])

	w, _ = do(t, r, "GET", "/workspace/projects/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStreamLogs(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	r := newRouter(api.Deps{Logger: zap.New(core)})

	w, body := do(t, r, "POST", "/logs", `{"source":"ui","entries":[
		{"level":"error","message":"render failed","context":{"component":"Editor"}},
		{"level":"info","message":"   "},
		{"level":"debug","message":"painted"}
	]}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2.0, body["processed"])

	entries := logs.FilterMessage("render failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	assert.Equal(t, "Editor", entries[0].ContextMap()["component"])

	w, _ = do(t, r, "POST", "/logs", `{"source":"daemon","entries":[{"message":"x"}]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = do(t, r, "POST", "/logs", `{"source":"ui","entries":[]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetricsEndpoints(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg)
	metrics.SetStartupProgress(0.4)

	r := newRouter(api.Deps{Gatherer: reg, Metrics: metrics})

	w, _ := do(t, r, "GET", "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "worldbuilder_startup_progress_ratio 0.4")

	w, body := do(t, r, "GET", "/metrics/json", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0.4, body["startup_progress"])
}
