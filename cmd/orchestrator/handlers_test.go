package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/modelgate/config"
	"github.com/BaSui01/modelgate/gateway"
)

// fakeBackend serves an OpenAI-compatible surface whose per-model behavior is
// scripted: a status of 0 means success.
type fakeBackend struct {
	srv        *httptest.Server
	modelFails map[string]int // model -> failing HTTP status
}

func newFakeBackend(t *testing.T, models ...string) *fakeBackend {
	t.Helper()
	b := &fakeBackend{modelFails: map[string]int{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var req gateway.ChatCompletionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if status := b.modelFails[req.Model]; status != 0 {
			w.WriteHeader(status)
			fmt.Fprintf(w, `{"error":{"message":"backend failure for %s"}}`, req.Model)
			return
		}
		_ = json.NewEncoder(w).Encode(gateway.ChatCompletionResponse{
			ID:     "chatcmpl-fake",
			Object: "chat.completion",
			Model:  req.Model,
			Choices: []gateway.ChatCompletionChoice{{
				Message:      gateway.ChatMessage{Role: "assistant", Content: "pong"},
				FinishReason: "stop",
			}},
		})
	})
	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)
	return b
}

type testEnv struct {
	handlers *Handlers
	registry *gateway.Registry
	tables   *gateway.Tables
	cfg      *config.Config
	backend  *fakeBackend
}

func newTestEnv(t *testing.T, models ...string) *testEnv {
	t.Helper()

	backend := newFakeBackend(t, models...)

	dir := t.TempDir()
	providersDir := filepath.Join(dir, "providers")
	require.NoError(t, os.MkdirAll(providersDir, 0o755))

	declared := ""
	for _, m := range models {
		declared += fmt.Sprintf("      - %s\n", m)
	}
	record := fmt.Sprintf(`provider_id: pA
provider_type: openai_compat
api:
  base_url: %s
  health:
    path: /health
    timeout_seconds: 2
    success_codes: [200]
  models:
    declared_models:
%s`, backend.srv.URL, declared)
	require.NoError(t, os.WriteFile(filepath.Join(providersDir, "pa.yaml"), []byte(record), 0o644))

	cfg := config.DefaultConfig()
	cfg.Providers.ConfigDir = providersDir
	cfg.Providers.RoutesPath = filepath.Join(dir, "routes.yaml")
	cfg.Providers.ModelsPath = filepath.Join(dir, "models.yaml")
	cfg.Log.LogDir = filepath.Join(dir, "logs")

	logger := zap.NewNop()
	reqLog, err := gateway.NewRequestLog(cfg.Log.LogDir, 50, logger)
	require.NoError(t, err)

	supervisor := gateway.NewSupervisor(logger)
	tables := gateway.NewTables()
	builders := gateway.DefaultBuilders(supervisor, 30*time.Second, logger)
	registry := gateway.NewRegistry(providersDir, builders, logger)
	registry.Refresh(context.Background())

	rules := gateway.NewConcurrencyManager(logger, tables, 10)
	scheduler := gateway.NewScheduler(gateway.SchedulerConfig{WarmupWait: 10 * time.Millisecond}, rules, registry, tables, reqLog, nil, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = scheduler.Shutdown(ctx)
	})

	resolver := gateway.NewRouteResolver(tables)
	controller := gateway.NewController(gateway.ControllerConfig{
		EnableFallback:  true,
		RefreshCooldown: time.Hour,
	}, resolver, registry, scheduler, logger)

	h := &Handlers{
		cfg:        func() *config.Config { return cfg },
		registry:   registry,
		scheduler:  scheduler,
		controller: controller,
		tables:     tables,
		reqLog:     reqLog,
		routes:     func() map[string]config.RouteConfig { return nil },
		models:     func() map[string]config.ModelScoreConfig { return nil },
		reloadDefs: func() error { return nil },
		logger:     logger,
	}

	return &testEnv{handlers: h, registry: registry, tables: tables, cfg: cfg, backend: backend}
}

func postChat(t *testing.T, h *Handlers, model string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(gateway.ChatCompletionRequest{
		Model:    model,
		Messages: []gateway.ChatMessage{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	h.HandleChatCompletions(w, r)
	return w
}

func TestHandleChatCompletionsHappyPath(t *testing.T) {
	env := newTestEnv(t, "m1")

	w := postChat(t, env.handlers, "m1")
	require.Equal(t, http.StatusOK, w.Code)

	var resp gateway.ChatCompletionResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "m1", resp.Model)
	assert.Equal(t, "pong", resp.Choices[0].Message.Content)
}

func TestHandleChatCompletionsRouteFallback(t *testing.T) {
	env := newTestEnv(t, "m1", "m2")
	env.backend.modelFails["m1"] = http.StatusGatewayTimeout
	env.tables.Replace(map[string]gateway.RouteRecord{
		"r1": {
			Name:           "r1",
			PrimaryModel:   "m1",
			FallbackModels: []string{"m2"},
			FallbackOn:     map[string]bool{"timeout": true},
		},
	}, nil)

	w := postChat(t, env.handlers, "route:r1")
	require.Equal(t, http.StatusOK, w.Code)

	var resp gateway.ChatCompletionResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "m2", resp.Model)
}

func TestHandleChatCompletionsExhaustionReturns500(t *testing.T) {
	env := newTestEnv(t, "m1", "m2")
	env.backend.modelFails["m1"] = http.StatusInternalServerError
	env.tables.Replace(map[string]gateway.RouteRecord{
		"r1": {
			Name:           "r1",
			PrimaryModel:   "m1",
			FallbackModels: []string{"m2"},
			// 仅 unreachable 触发回退；上游 500 归一化为 other
			FallbackOn: map[string]bool{"unreachable": true},
		},
	}, nil)

	w := postChat(t, env.handlers, "route:r1")
	require.Equal(t, http.StatusInternalServerError, w.Code)

	var errResp struct {
		Error    string            `json:"error"`
		Attempts []gateway.Attempt `json:"attempts"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&errResp))
	require.Len(t, errResp.Attempts, 1)
	assert.Equal(t, "m1", errResp.Attempts[0].Model)
}

func TestHandleChatCompletionsRejectsBadRequests(t *testing.T) {
	env := newTestEnv(t, "m1")

	w := httptest.NewRecorder()
	env.handlers.HandleChatCompletions(w, httptest.NewRequest(http.MethodGet, "/v1/chat/completions", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	w = httptest.NewRecorder()
	env.handlers.HandleChatCompletions(w, httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader([]byte(`{}`))))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	body := []byte(`{"model":"m1","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	env.handlers.HandleChatCompletions(w, httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleListModelsIncludesRoutes(t *testing.T) {
	env := newTestEnv(t, "m1")
	env.tables.Replace(map[string]gateway.RouteRecord{
		"r1": {Name: "r1", PrimaryModel: "m1"},
	}, nil)

	w := httptest.NewRecorder()
	env.handlers.HandleListModels(w, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Object string `json:"object"`
		Data   []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "list", resp.Object)

	ids := make([]string, 0, len(resp.Data))
	for _, d := range resp.Data {
		ids = append(ids, d.ID)
	}
	assert.Contains(t, ids, "m1")
	assert.Contains(t, ids, "route:r1")
}

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t, "m1")

	w := httptest.NewRecorder()
	env.handlers.HandleHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "ok", resp["status"])
	assert.Contains(t, resp["registry_models"], "m1")
}

func TestHandleRefresh(t *testing.T) {
	env := newTestEnv(t, "m1")

	w := httptest.NewRecorder()
	env.handlers.HandleRefresh(w, httptest.NewRequest(http.MethodPost, "/refresh", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "refreshed", resp["status"])
	assert.Equal(t, 1.0, resp["models"])
}

func TestHandleProviderConfigRejectsTraversal(t *testing.T) {
	env := newTestEnv(t, "m1")

	for _, id := range []string{"../etc/passwd", "a/b", `a\b`, ".."} {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/admin/providers/x", nil)
		// 保留原始路径，绕过 URL 解析时的清洗
		r.URL.Path = "/admin/providers/" + id
		env.handlers.HandleProviderConfig(w, r)
		assert.Equal(t, http.StatusBadRequest, w.Code, "id %q must be rejected", id)
	}
}

func TestHandleProviderConfigRoundTrip(t *testing.T) {
	env := newTestEnv(t, "m1")

	// Read the record written by the fixture
	w := httptest.NewRecorder()
	env.handlers.HandleProviderConfig(w, httptest.NewRequest(http.MethodGet, "/admin/providers/pA", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "provider_id: pA")

	// Write a new record; provider_id must match the URL
	newRecord := "provider_id: pB\nprovider_type: openai_compat\napi:\n  base_url: http://127.0.0.1:1\n"
	w = httptest.NewRecorder()
	env.handlers.HandleProviderConfig(w, httptest.NewRequest(http.MethodPost, "/admin/providers/pB", bytes.NewReader([]byte(newRecord))))
	require.Equal(t, http.StatusOK, w.Code)

	saved, err := os.ReadFile(filepath.Join(env.cfg.Providers.ConfigDir, "pB.yaml"))
	require.NoError(t, err)
	assert.Equal(t, newRecord, string(saved))

	// Mismatched id is rejected
	w = httptest.NewRecorder()
	env.handlers.HandleProviderConfig(w, httptest.NewRequest(http.MethodPost, "/admin/providers/pC", bytes.NewReader([]byte(newRecord))))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleLogsTailsFile(t *testing.T) {
	env := newTestEnv(t, "m1")

	// Complete one request so the log has content
	w := postChat(t, env.handlers, "m1")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, env.handlers.reqLog.Sync())

	w = httptest.NewRecorder()
	env.handlers.HandleLogs(w, httptest.NewRequest(http.MethodGet, "/admin/logs?n=10", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Logs []string `json:"logs"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Len(t, resp.Logs, 1)
	assert.Contains(t, resp.Logs[0], `"model":"m1"`)

	// n 必须为正整数
	w = httptest.NewRecorder()
	env.handlers.HandleLogs(w, httptest.NewRequest(http.MethodGet, "/admin/logs?n=banana", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
