package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/modelgate/internal/tlsutil"
)

// ollamaChatRequest is Ollama's native /api/chat request shape.
type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Options  map[string]any      `json:"options,omitempty"`
}

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ollamaChatResponse is the non-streaming /api/chat response shape.
type ollamaChatResponse struct {
	Message         ollamaChatMessage `json:"message"`
	Done            bool              `json:"done"`
	PromptEvalCount int               `json:"prompt_eval_count"`
	EvalCount       int               `json:"eval_count"`
}

// OllamaProvider is the alternative-runtime adapter: models enumerate under
// /api/tags and chat runs against /api/chat in Ollama's native schema, so
// both directions are translated to and from the canonical envelope.
type OllamaProvider struct {
	rec        ProviderRecord
	supervisor *Supervisor
	logger     *zap.Logger

	chatTimeout  time.Duration
	healthClient *http.Client
	chatClient   *http.Client
}

// NewOllamaProvider builds the Ollama adapter from its record.
func NewOllamaProvider(rec ProviderRecord, supervisor *Supervisor, chatTimeout time.Duration, logger *zap.Logger) *OllamaProvider {
	if chatTimeout <= 0 {
		chatTimeout = defaultChatTimeout
	}
	healthTimeout := time.Duration(rec.API.Health.TimeoutSeconds) * time.Second
	if healthTimeout <= 0 {
		healthTimeout = defaultHealthTimeout
	}
	return &OllamaProvider{
		rec:          rec,
		supervisor:   supervisor,
		logger:       logger.With(zap.String("provider", rec.ProviderID)),
		chatTimeout:  chatTimeout,
		healthClient: tlsutil.SecureHTTPClient(healthTimeout),
		chatClient:   tlsutil.SecureHTTPClient(chatTimeout),
	}
}

func (p *OllamaProvider) ProviderID() string { return p.rec.ProviderID }

func (p *OllamaProvider) IsManaged() bool {
	return p.rec.Start != nil && p.rec.Start.Enabled
}

func (p *OllamaProvider) HealthCheck(ctx context.Context) bool {
	path := p.rec.API.Health.Path
	if path == "" {
		path = "/"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, joinURL(p.rec.API.BaseURL, path), nil)
	if err != nil {
		return false
	}
	resp, err := p.healthClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return statusIn(resp.StatusCode, p.rec.API.Health.SuccessCodes)
}

func (p *OllamaProvider) ListModels(ctx context.Context) []string {
	if declared := p.rec.API.Models.DeclaredModels; len(declared) > 0 {
		out := make([]string, len(declared))
		copy(out, declared)
		return out
	}

	path := p.rec.API.Models.Path
	if path == "" {
		path = "/api/tags"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, joinURL(p.rec.API.BaseURL, path), nil)
	if err != nil {
		return nil
	}
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

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		p.logger.Warn("tag list decode failed", zap.Error(err))
		return nil
	}
	models := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		models = append(models, m.Name)
	}
	return models
}

// ChatCompletion translates the canonical request into Ollama's native
// schema, runs it non-streaming, and translates the result back.
func (p *OllamaProvider) ChatCompletion(ctx context.Context, req ChatCompletionRequest) (*ChatCompletionResponse, error) {
	messages := make([]ollamaChatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, ollamaChatMessage{Role: m.Role, Content: m.Content})
	}

	// Unset sampling knobs stay out of options so Ollama applies its own
	// model defaults.
	options := map[string]any{}
	if req.Temperature != 0 {
		options["temperature"] = req.Temperature
	}
	if req.TopP != 0 {
		options["top_p"] = req.TopP
	}
	if req.MaxTokens != 0 {
		options["num_predict"] = req.MaxTokens
	}

	body := ollamaChatRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   false,
	}
	if len(options) > 0 {
		body.Options = options
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, MapHTTPError(http.StatusBadRequest, "marshal request: "+err.Error(), p.rec.ProviderID)
	}

	cctx, cancel := context.WithTimeout(ctx, p.chatTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(cctx, http.MethodPost, joinURL(p.rec.API.BaseURL, "/api/chat"), bytes.NewReader(payload))
	if err != nil {
		return nil, MapTransportError(err, p.rec.ProviderID)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.chatClient.Do(httpReq)
	if err != nil {
		return nil, MapTransportError(err, p.rec.ProviderID)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := ReadErrorMessage(resp.Body)
		return nil, MapHTTPError(resp.StatusCode, msg, p.rec.ProviderID)
	}

	var native ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&native); err != nil {
		return nil, MapHTTPError(http.StatusBadGateway, "decode response: "+err.Error(), p.rec.ProviderID)
	}

	role := native.Message.Role
	if role == "" {
		role = "assistant"
	}
	finish := "length"
	if native.Done {
		finish = "stop"
	}
	return &ChatCompletionResponse{
		ID:      fmt.Sprintf("chatcmpl-%s", uuid.NewString()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []ChatCompletionChoice{
			{
				Index:        0,
				Message:      ChatMessage{Role: role, Content: native.Message.Content},
				FinishReason: finish,
			},
		},
		Usage: ChatCompletionUsage{
			PromptTokens:     native.PromptEvalCount,
			CompletionTokens: native.EvalCount,
			TotalTokens:      native.PromptEvalCount + native.EvalCount,
		},
	}, nil
}

func (p *OllamaProvider) Start(ctx context.Context) bool {
	if !p.IsManaged() || p.supervisor == nil {
		return true
	}
	spec := p.rec.Start
	return p.supervisor.StartProcess(p.rec.ProviderID, spec.Command, spec.Args, spec.Cwd, spec.Env)
}

func (p *OllamaProvider) Stop(ctx context.Context) error {
	if !p.IsManaged() || p.supervisor == nil {
		return nil
	}
	if p.rec.Stop.Method == "terminate_process" {
		return p.supervisor.StopProcess(p.rec.ProviderID)
	}
	return nil
}
