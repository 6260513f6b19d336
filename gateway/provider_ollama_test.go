package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/modelgate/types"
)

func ollamaRecord(baseURL string) ProviderRecord {
	return ProviderRecord{
		ProviderID:   "local-ollama",
		ProviderType: "ollama",
		API: ProviderAPIRecord{
			BaseURL: baseURL,
			Health: ProviderHealthRecord{
				Path:           "/",
				TimeoutSeconds: 2,
				SuccessCodes:   []int{200},
			},
			Models: ProviderModelsRecord{Path: "/api/tags"},
		},
	}
}

func TestOllamaListModelsFromTags(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/tags", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"models": []map[string]any{
				{"name": "llama3:8b"},
				{"name": "qwen2:7b"},
			},
		})
	}))
	defer srv.Close()

	p := NewOllamaProvider(ollamaRecord(srv.URL), nil, 0, zap.NewNop())
	assert.Equal(t, []string{"llama3:8b", "qwen2:7b"}, p.ListModels(context.Background()))
}

func TestOllamaChatTranslation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)

		var native ollamaChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&native))
		assert.Equal(t, "llama3:8b", native.Model)
		assert.False(t, native.Stream)
		require.Len(t, native.Messages, 1)
		assert.Equal(t, "user", native.Messages[0].Role)
		// Sampling knobs ride in options, translated from the canonical names.
		assert.Equal(t, 0.5, native.Options["temperature"])
		assert.Equal(t, float64(128), native.Options["num_predict"])

		json.NewEncoder(w).Encode(ollamaChatResponse{
			Message:         ollamaChatMessage{Role: "assistant", Content: "hey there"},
			Done:            true,
			PromptEvalCount: 11,
			EvalCount:       7,
		})
	}))
	defer srv.Close()

	p := NewOllamaProvider(ollamaRecord(srv.URL), nil, 0, zap.NewNop())
	req := chatReq("llama3:8b")
	req.Temperature = 0.5
	req.MaxTokens = 128

	resp, err := p.ChatCompletion(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "llama3:8b", resp.Model)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "hey there", resp.Choices[0].Message.Content)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	assert.Equal(t, 11, resp.Usage.PromptTokens)
	assert.Equal(t, 7, resp.Usage.CompletionTokens)
	assert.Equal(t, 18, resp.Usage.TotalTokens)
}

func TestOllamaTruncatedResponseFinishReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ollamaChatResponse{
			Message: ollamaChatMessage{Content: "partial"},
			Done:    false,
		})
	}))
	defer srv.Close()

	p := NewOllamaProvider(ollamaRecord(srv.URL), nil, 0, zap.NewNop())
	resp, err := p.ChatCompletion(context.Background(), chatReq("llama3:8b"))
	require.NoError(t, err)
	assert.Equal(t, "length", resp.Choices[0].FinishReason)
	assert.Equal(t, "assistant", resp.Choices[0].Message.Role)
}

func TestOllamaUnreachableNormalizes(t *testing.T) {
	p := NewOllamaProvider(ollamaRecord("http://127.0.0.1:1"), nil, 0, zap.NewNop())

	assert.False(t, p.HealthCheck(context.Background()))

	_, err := p.ChatCompletion(context.Background(), chatReq("llama3:8b"))
	require.Error(t, err)
	var gerr *types.Error
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, types.NormUnreachable, gerr.Normalize())
}
