package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/modelgate/types"
)

func compatRecord(baseURL string) ProviderRecord {
	return ProviderRecord{
		ProviderID:   "pA",
		ProviderType: "openai_compat",
		API: ProviderAPIRecord{
			BaseURL: baseURL,
			Health: ProviderHealthRecord{
				Path:           "/health",
				TimeoutSeconds: 2,
				SuccessCodes:   []int{200},
			},
			Models: ProviderModelsRecord{Path: "/v1/models"},
		},
	}
}

func TestOpenAICompatHealthCheck(t *testing.T) {
	healthy := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if healthy {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	p := NewOpenAICompatProvider(compatRecord(srv.URL), nil, OpenAICompatOptions{}, zap.NewNop())
	assert.True(t, p.HealthCheck(context.Background()))

	healthy = false
	assert.False(t, p.HealthCheck(context.Background()))
}

func TestOpenAICompatHealthCheckUnreachableIsFalse(t *testing.T) {
	rec := compatRecord("http://127.0.0.1:1")
	p := NewOpenAICompatProvider(rec, nil, OpenAICompatOptions{}, zap.NewNop())
	assert.False(t, p.HealthCheck(context.Background()))
}

func TestOpenAICompatListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/models", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data":   []map[string]string{{"id": "m1"}, {"id": "m2"}},
		})
	}))
	defer srv.Close()

	p := NewOpenAICompatProvider(compatRecord(srv.URL), nil, OpenAICompatOptions{}, zap.NewNop())
	assert.Equal(t, []string{"m1", "m2"}, p.ListModels(context.Background()))
}

func TestOpenAICompatDeclaredModelsSkipNetwork(t *testing.T) {
	rec := compatRecord("http://127.0.0.1:1") // nothing listens here
	rec.API.Models.DeclaredModels = []string{"m-static"}
	p := NewOpenAICompatProvider(rec, nil, OpenAICompatOptions{}, zap.NewNop())
	assert.Equal(t, []string{"m-static"}, p.ListModels(context.Background()))
}

func TestOpenAICompatChatCompletionPassThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "m1", req.Model)

		json.NewEncoder(w).Encode(ChatCompletionResponse{
			ID:     "chatcmpl-1",
			Object: "chat.completion",
			Model:  req.Model,
			Choices: []ChatCompletionChoice{{
				Message:      ChatMessage{Role: "assistant", Content: "hello"},
				FinishReason: "stop",
			}},
		})
	}))
	defer srv.Close()

	rec := compatRecord(srv.URL)
	rec.API.APIKey = "sk-test"
	p := NewOpenAICompatProvider(rec, nil, OpenAICompatOptions{}, zap.NewNop())

	resp, err := p.ChatCompletion(context.Background(), chatReq("m1"))
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Choices[0].Message.Content)
}

func TestOpenAICompatErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantCode types.ErrorCode
		wantNorm types.NormalizedCode
	}{
		{"rate limited", 429, `{"error":{"message":"slow down"}}`, types.ErrRateLimited, types.NormOther},
		{"service unavailable", 503, `{"error":{"message":"down"}}`, types.ErrServiceUnavailable, types.NormUnreachable},
		{"gateway timeout", 504, `{"error":{"message":"late"}}`, types.ErrUpstreamTimeout, types.NormTimeout},
		{"context length", 400, `{"error":{"message":"maximum context length exceeded"}}`, types.ErrContextTooLong, types.NormContextLength},
		{"oom", 500, `{"error":{"message":"CUDA out of memory"}}`, types.ErrOutOfMemory, types.NormOOM},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			p := NewOpenAICompatProvider(compatRecord(srv.URL), nil, OpenAICompatOptions{}, zap.NewNop())
			_, err := p.ChatCompletion(context.Background(), chatReq("m1"))
			require.Error(t, err)

			var gerr *types.Error
			require.True(t, errors.As(err, &gerr))
			assert.Equal(t, tt.wantCode, gerr.Code)
			assert.Equal(t, tt.wantNorm, gerr.Normalize())
		})
	}
}

func TestOpenAICompatTransportErrors(t *testing.T) {
	rec := compatRecord("http://127.0.0.1:1")
	p := NewOpenAICompatProvider(rec, nil, OpenAICompatOptions{}, zap.NewNop())

	_, err := p.ChatCompletion(context.Background(), chatReq("m1"))
	require.Error(t, err)
	var gerr *types.Error
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, types.NormUnreachable, gerr.Normalize())
}

func TestOpenAICompatTimeoutNormalizes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewOpenAICompatProvider(compatRecord(srv.URL), nil, OpenAICompatOptions{ChatTimeout: 50 * time.Millisecond}, zap.NewNop())
	_, err := p.ChatCompletion(context.Background(), chatReq("m1"))
	require.Error(t, err)
	var gerr *types.Error
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, types.NormTimeout, gerr.Normalize())
}

func TestOpenAICompatUnmanagedLifecycle(t *testing.T) {
	p := NewOpenAICompatProvider(compatRecord("http://127.0.0.1:1"), nil, OpenAICompatOptions{}, zap.NewNop())
	assert.False(t, p.IsManaged())
	assert.True(t, p.Start(context.Background()))
	assert.NoError(t, p.Stop(context.Background()))
}
