package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/BaSui01/modelgate/config"
	"github.com/BaSui01/modelgate/gateway"
)

// Handlers 持有网关 API 全部端点的依赖，由 Server 装配后注册到 mux。
type Handlers struct {
	cfg        func() *config.Config
	registry   *gateway.Registry
	scheduler  *gateway.Scheduler
	controller *gateway.Controller
	tables     *gateway.Tables
	reqLog     *gateway.RequestLog
	routes     func() map[string]config.RouteConfig
	models     func() map[string]config.ModelScoreConfig
	reloadDefs func() error
	logger     *zap.Logger
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// =============================================================================
// 🔁 核心端点
// =============================================================================

// HandleChatCompletions 处理 POST /v1/chat/completions
func (h *Handlers) HandleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var req gateway.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.Model == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "model is required"})
		return
	}
	if req.Stream {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "streaming is not supported"})
		return
	}

	resp, attempts, err := h.controller.ChatCompletion(r.Context(), req)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":    "request failed",
			"attempts": attempts,
		})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleListModels 处理 GET /v1/models：具体模型 + 路由合成条目
func (h *Handlers) HandleListModels(w http.ResponseWriter, r *http.Request) {
	type modelEntry struct {
		ID         string `json:"id"`
		Object     string `json:"object"`
		OwnedBy    string `json:"owned_by"`
		Permission []any  `json:"permission"`
	}

	entries := make([]modelEntry, 0)
	for _, id := range h.registry.ModelIDs() {
		entries = append(entries, modelEntry{
			ID:         id,
			Object:     "model",
			OwnedBy:    "modelgate",
			Permission: []any{},
		})
	}
	for _, name := range h.tables.RouteNames() {
		entries = append(entries, modelEntry{
			ID:         "route:" + name,
			Object:     "model",
			OwnedBy:    "modelgate-route",
			Permission: []any{},
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": entries})
}

// HandleHealth 处理 GET /health
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"active_models":    h.scheduler.ActiveModels(),
		"active_providers": h.scheduler.ActiveProviders(),
		"registry_models":  h.registry.ModelIDs(),
	})
}

// HandleRefresh 处理 POST /refresh
func (h *Handlers) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()
	h.registry.Refresh(ctx)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "refreshed",
		"models": len(h.registry.ModelIDs()),
	})
}

// =============================================================================
// 🩺 运维端点
// =============================================================================

// HandleHealthz 是存活探针
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleReadyz 是就绪探针：注册表完成过至少一次探测即就绪
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	if h.registry.LastRefreshedAt().IsZero() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HandleVersion 返回构建信息
func (h *Handlers) HandleVersion(version, buildTime, gitCommit string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version":    version,
			"build_time": buildTime,
			"git_commit": gitCommit,
		})
	}
}

// HandleConfigDump 处理 GET /health/config：合并配置 + 路由 + 模型 + 提供方状态
func (h *Handlers) HandleConfigDump(w http.ResponseWriter, r *http.Request) {
	type providerStatus struct {
		ID      string   `json:"id"`
		Type    string   `json:"type"`
		Managed bool     `json:"managed"`
		Healthy bool     `json:"healthy"`
		Models  []string `json:"models"`
	}

	byProvider := make(map[string][]string)
	for model, providerID := range h.registry.ModelMap() {
		byProvider[providerID] = append(byProvider[providerID], model)
	}

	providers := make([]providerStatus, 0)
	for _, id := range h.registry.ProviderIDs() {
		p, ok := h.registry.Provider(id)
		if !ok {
			continue
		}
		rec, _ := h.registry.Record(id)
		hctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		healthy := p.HealthCheck(hctx)
		cancel()
		providers = append(providers, providerStatus{
			ID:      id,
			Type:    rec.ProviderType,
			Managed: p.IsManaged(),
			Healthy: healthy,
			Models:  byProvider[id],
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"config":    h.cfg(),
		"routes":    h.routes(),
		"models":    h.models(),
		"providers": providers,
	})
}

// HandleUpdateRoutes 处理 POST /health/config/routes：整体覆盖 routes.yaml
func (h *Handlers) HandleUpdateRoutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var newRoutes map[string]config.RouteConfig
	if err := json.NewDecoder(r.Body).Decode(&newRoutes); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid routes body: " + err.Error()})
		return
	}
	if err := config.ValidateRoutes(newRoutes); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := config.SaveRoutes(h.cfg().Providers.RoutesPath, newRoutes); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if err := h.reloadDefs(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// =============================================================================
// 🔧 管理端点
// =============================================================================

// validProviderID rejects path traversal: any id containing ".." or "/" (or
// a path separator smuggled another way) is invalid.
func validProviderID(id string) bool {
	if id == "" || strings.Contains(id, "..") || strings.ContainsAny(id, `/\`) {
		return false
	}
	return true
}

// HandleProviderConfig 处理 GET/POST /admin/providers/{id}：读写原始 YAML 记录
func (h *Handlers) HandleProviderConfig(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/admin/providers/")
	if !validProviderID(id) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid provider ID"})
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.getProviderConfig(w, id)
	case http.MethodPost:
		h.saveProviderConfig(w, r, id)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

func (h *Handlers) getProviderConfig(w http.ResponseWriter, id string) {
	dir := h.cfg().Providers.ConfigDir
	entries, err := os.ReadDir(dir)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "provider config dir not found"})
		return
	}

	// 文件名不必等于 provider_id，按内容匹配
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		content, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var rec struct {
			ProviderID string `yaml:"provider_id"`
		}
		if yaml.Unmarshal(content, &rec) == nil && rec.ProviderID == id {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(content)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "provider config file not found"})
}

func (h *Handlers) saveProviderConfig(w http.ResponseWriter, r *http.Request, id string) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "record too large"})
		return
	}

	var rec struct {
		ProviderID string `yaml:"provider_id"`
	}
	if err := yaml.Unmarshal(body, &rec); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid YAML"})
		return
	}
	if rec.ProviderID != id {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "provider_id in YAML must match URL"})
		return
	}

	dir := h.cfg().Providers.ConfigDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	path := filepath.Join(dir, id+".yaml")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

// HandleLogs 处理 GET /admin/logs?n=：返回 JSONL 请求日志的最后 N 行
func (h *Handlers) HandleLogs(w http.ResponseWriter, r *http.Request) {
	n := 100
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "n must be a positive integer"})
			return
		}
		n = parsed
	}

	lines, err := tailLines(h.reqLog.FilePath(), n)
	if err != nil {
		if os.IsNotExist(err) {
			writeJSON(w, http.StatusOK, map[string]any{"logs": []string{}})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": lines})
}

// tailLines reads the last n lines of a file. Fine for the request log's
// scale; the file is append-only JSONL.
func tailLines(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan log file: %w", err)
	}
	if lines == nil {
		lines = []string{}
	}
	return lines, nil
}
