package gateway

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// cloudPreset pins a hosted OpenAI-compatible vendor's endpoint defaults so a
// provider record only has to carry an api_key and a declared model list.
type cloudPreset struct {
	baseURL      string
	endpointPath string
	modelsPath   string
	buildHeaders func(req *http.Request, apiKey string)
}

// 各云厂商均暴露 OpenAI 兼容的 chat 接口，仅 base_url / 路径 / 认证头不同。
var cloudPresets = map[string]cloudPreset{
	"openai": {
		baseURL: "https://api.openai.com",
	},
	"anthropic": {
		baseURL: "https://api.anthropic.com",
		buildHeaders: func(req *http.Request, apiKey string) {
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("x-api-key", apiKey)
			req.Header.Set("anthropic-version", "2023-06-01")
		},
	},
	"deepseek": {
		baseURL:      "https://api.deepseek.com",
		endpointPath: "/chat/completions",
		modelsPath:   "/models",
	},
	"qwen": {
		baseURL:      "https://dashscope.aliyuncs.com",
		endpointPath: "/compatible-mode/v1/chat/completions",
		modelsPath:   "/compatible-mode/v1/models",
	},
	"glm": {
		baseURL:      "https://open.bigmodel.cn",
		endpointPath: "/api/paas/v4/chat/completions",
		modelsPath:   "/api/paas/v4/models",
	},
	"kimi": {
		baseURL: "https://api.moonshot.cn",
	},
	"minimax": {
		baseURL: "https://api.minimax.io",
	},
	"llama": {
		baseURL: "https://api.together.xyz",
	},
	"gemini": {
		baseURL:      "https://generativelanguage.googleapis.com",
		endpointPath: "/v1beta/openai/chat/completions",
		modelsPath:   "/v1beta/openai/models",
	},
}

// DefaultBuilders returns the provider_type -> constructor table the registry
// consumes: the two local-runtime families plus one entry per hosted vendor
// preset. Extending the adapter set is one entry here; the scheduler and
// controller never see provider types.
func DefaultBuilders(supervisor *Supervisor, chatTimeout time.Duration, logger *zap.Logger) map[string]BuilderFunc {
	builders := map[string]BuilderFunc{
		"openai_compat": func(rec ProviderRecord) (Provider, error) {
			return NewOpenAICompatProvider(rec, supervisor, OpenAICompatOptions{ChatTimeout: chatTimeout}, logger), nil
		},
		"ollama": func(rec ProviderRecord) (Provider, error) {
			return NewOllamaProvider(rec, supervisor, chatTimeout, logger), nil
		},
	}

	for name, preset := range cloudPresets {
		preset := preset
		builders[name] = func(rec ProviderRecord) (Provider, error) {
			if rec.API.BaseURL == "" {
				rec.API.BaseURL = preset.baseURL
			}
			// Hosted endpoints are never child processes of the gateway.
			rec.Start = nil
			return NewOpenAICompatProvider(rec, nil, OpenAICompatOptions{
				EndpointPath:   preset.endpointPath,
				ModelsEndpoint: preset.modelsPath,
				ChatTimeout:    chatTimeout,
				BuildHeaders:   preset.buildHeaders,
			}, logger), nil
		}
	}

	return builders
}
