package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/modelgate/internal/tlsutil"
)

const (
	defaultChatEndpoint   = "/v1/chat/completions"
	defaultModelsEndpoint = "/v1/models"
	defaultChatTimeout    = 600 * time.Second
	defaultHealthTimeout  = 5 * time.Second
)

// OpenAICompatOptions customizes an OpenAI-compatible adapter beyond its
// on-disk record. Cloud presets in the builder table use these to point the
// same adapter at hosted endpoints with vendor-specific paths and headers.
type OpenAICompatOptions struct {
	// EndpointPath is the chat completions path. Defaults to "/v1/chat/completions".
	EndpointPath string

	// ModelsEndpoint is the models list path, used when the record declares
	// neither a models path nor a static list. Defaults to "/v1/models".
	ModelsEndpoint string

	// ChatTimeout bounds a single chat completion call. Defaults to 600s.
	ChatTimeout time.Duration

	// BuildHeaders overrides header construction. The default sets
	// "Authorization: Bearer <api_key>" when an api_key is configured.
	BuildHeaders func(req *http.Request, apiKey string)
}

// OpenAICompatProvider fronts any backend speaking the OpenAI chat wire
// format: local runtimes (llama.cpp server, vLLM, LM Studio) and hosted
// OpenAI-compatible APIs alike. Requests pass through without schema
// translation; only the transport and error mapping live here.
type OpenAICompatProvider struct {
	rec        ProviderRecord
	opts       OpenAICompatOptions
	supervisor *Supervisor
	logger     *zap.Logger

	healthClient *http.Client
	chatClient   *http.Client
}

// NewOpenAICompatProvider builds the adapter from its record. supervisor may
// be nil for never-managed (cloud) instances.
func NewOpenAICompatProvider(rec ProviderRecord, supervisor *Supervisor, opts OpenAICompatOptions, logger *zap.Logger) *OpenAICompatProvider {
	if opts.EndpointPath == "" {
		opts.EndpointPath = defaultChatEndpoint
	}
	if opts.ModelsEndpoint == "" {
		opts.ModelsEndpoint = defaultModelsEndpoint
	}
	if opts.ChatTimeout <= 0 {
		opts.ChatTimeout = defaultChatTimeout
	}
	healthTimeout := time.Duration(rec.API.Health.TimeoutSeconds) * time.Second
	if healthTimeout <= 0 {
		healthTimeout = defaultHealthTimeout
	}
	return &OpenAICompatProvider{
		rec:          rec,
		opts:         opts,
		supervisor:   supervisor,
		logger:       logger.With(zap.String("provider", rec.ProviderID)),
		healthClient: tlsutil.SecureHTTPClient(healthTimeout),
		chatClient:   tlsutil.SecureHTTPClient(opts.ChatTimeout),
	}
}

func (p *OpenAICompatProvider) ProviderID() string { return p.rec.ProviderID }

func (p *OpenAICompatProvider) IsManaged() bool {
	return p.rec.Start != nil && p.rec.Start.Enabled
}

func (p *OpenAICompatProvider) buildHeaders(req *http.Request) {
	if p.opts.BuildHeaders != nil {
		p.opts.BuildHeaders(req, p.rec.API.APIKey)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if p.rec.API.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.rec.API.APIKey)
	}
}

// HealthCheck probes the configured health path. Transport failures are
// false, never an error.
func (p *OpenAICompatProvider) HealthCheck(ctx context.Context) bool {
	path := p.rec.API.Health.Path
	if path == "" {
		path = p.opts.ModelsEndpoint
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, joinURL(p.rec.API.BaseURL, path), nil)
	if err != nil {
		return false
	}
	p.buildHeaders(req)

	resp, err := p.healthClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return statusIn(resp.StatusCode, p.rec.API.Health.SuccessCodes)
}

// ListModels returns the declared list when present, otherwise queries the
// models path. Enumeration failures degrade to an empty slice.
func (p *OpenAICompatProvider) ListModels(ctx context.Context) []string {
	if declared := p.rec.API.Models.DeclaredModels; len(declared) > 0 {
		out := make([]string, len(declared))
		copy(out, declared)
		return out
	}

	path := p.rec.API.Models.Path
	if path == "" {
		path = p.opts.ModelsEndpoint
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, joinURL(p.rec.API.BaseURL, path), nil)
	if err != nil {
		return nil
	}
	p.buildHeaders(req)

	resp, err := p.healthClient.Do(req)
	if err != nil {
		p.logger.Warn("model enumeration failed", zap.Error(err))
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		p.logger.Warn("model enumeration returned non-200", zap.Int("status", resp.StatusCode))
		return nil
	}

	var listResp struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listResp); err != nil {
		p.logger.Warn("model list decode failed", zap.Error(err))
		return nil
	}
	models := make([]string, 0, len(listResp.Data))
	for _, m := range listResp.Data {
		models = append(models, m.ID)
	}
	return models
}

// ChatCompletion passes the canonical request through verbatim — the wire
// format is already OpenAI-shaped — and maps failures into the normalized
// taxonomy.
func (p *OpenAICompatProvider) ChatCompletion(ctx context.Context, req ChatCompletionRequest) (*ChatCompletionResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, MapHTTPError(http.StatusBadRequest, "marshal request: "+err.Error(), p.rec.ProviderID)
	}

	cctx, cancel := context.WithTimeout(ctx, p.opts.ChatTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(cctx, http.MethodPost, joinURL(p.rec.API.BaseURL, p.opts.EndpointPath), bytes.NewReader(payload))
	if err != nil {
		return nil, MapTransportError(err, p.rec.ProviderID)
	}
	p.buildHeaders(httpReq)

	resp, err := p.chatClient.Do(httpReq)
	if err != nil {
		return nil, MapTransportError(err, p.rec.ProviderID)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := ReadErrorMessage(resp.Body)
		return nil, MapHTTPError(resp.StatusCode, msg, p.rec.ProviderID)
	}

	var out ChatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, MapHTTPError(http.StatusBadGateway, "decode response: "+err.Error(), p.rec.ProviderID)
	}
	return &out, nil
}

// Start brings up the managed backend through the supervisor. Unmanaged
// providers report true immediately.
func (p *OpenAICompatProvider) Start(ctx context.Context) bool {
	if !p.IsManaged() || p.supervisor == nil {
		return true
	}
	spec := p.rec.Start
	return p.supervisor.StartProcess(p.rec.ProviderID, spec.Command, spec.Args, spec.Cwd, spec.Env)
}

// Stop terminates the managed process when stop.method is terminate_process.
func (p *OpenAICompatProvider) Stop(ctx context.Context) error {
	if !p.IsManaged() || p.supervisor == nil {
		return nil
	}
	if p.rec.Stop.Method == "terminate_process" {
		return p.supervisor.StopProcess(p.rec.ProviderID)
	}
	return nil
}
