package gateway

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/modelgate/types"
)

func newTestController(t *testing.T, cfg ControllerConfig, registry *Registry, tables *Tables, maxConcurrency int) (*Controller, *Scheduler) {
	t.Helper()
	s := newTestScheduler(t, registry, tables, maxConcurrency)
	resolver := NewRouteResolver(tables)
	c := NewController(cfg, resolver, registry, s, zap.NewNop())
	return c, s
}

func TestControllerHappyPath(t *testing.T) {
	pA := newFakeProvider("pA", "m1")
	c, _ := newTestController(t, ControllerConfig{EnableFallback: true}, testRegistry(t, pA), testTables(nil), 10)

	resp, attempts, err := c.ChatCompletion(context.Background(), chatReq("m1"))
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Empty(t, attempts)
	assert.Equal(t, "m1", resp.Model)
}

func TestControllerFallbackOnTimeout(t *testing.T) {
	pA := newFakeProvider("pA", "m1")
	pA.complete = func(ChatCompletionRequest) (*ChatCompletionResponse, error) {
		return nil, &types.Error{Code: types.ErrTimeout, Message: "pA timed out", Provider: "pA"}
	}
	pB := newFakeProvider("pB", "m2")

	tables := NewTables()
	tables.Replace(map[string]RouteRecord{
		"r1": {
			Name:           "r1",
			PrimaryModel:   "m1",
			FallbackModels: []string{"m2"},
			FallbackOn:     map[string]bool{"timeout": true},
		},
	}, nil)

	c, _ := newTestController(t, ControllerConfig{EnableFallback: true}, testRegistry(t, pA, pB), tables, 10)

	resp, attempts, err := c.ChatCompletion(context.Background(), chatReq("route:r1"))
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, "m2", resp.Model)
	require.Len(t, attempts, 1)
	assert.Equal(t, "m1", attempts[0].Model)
	assert.Equal(t, types.NormTimeout, attempts[0].Normalized)
}

func TestControllerFallbackSuppressedByTriggerSet(t *testing.T) {
	pA := newFakeProvider("pA", "m1")
	pA.complete = func(ChatCompletionRequest) (*ChatCompletionResponse, error) {
		return nil, &types.Error{Code: types.ErrOutOfMemory, Message: "pA OOM", Provider: "pA"}
	}
	pB := newFakeProvider("pB", "m2")

	tables := NewTables()
	tables.Replace(map[string]RouteRecord{
		"r1": {
			Name:           "r1",
			PrimaryModel:   "m1",
			FallbackModels: []string{"m2"},
			FallbackOn:     map[string]bool{"unreachable": true},
		},
	}, nil)

	c, _ := newTestController(t, ControllerConfig{EnableFallback: true}, testRegistry(t, pA, pB), tables, 10)

	resp, attempts, err := c.ChatCompletion(context.Background(), chatReq("route:r1"))
	require.Error(t, err)
	assert.Nil(t, resp)
	// Exactly one attempt: oom is not in the trigger set, so m2 never runs.
	require.Len(t, attempts, 1)
	assert.Equal(t, types.NormOOM, attempts[0].Normalized)
	assert.Empty(t, pB.startedModels())
}

func TestControllerFallbackDisabledGlobally(t *testing.T) {
	pA := newFakeProvider("pA", "m1")
	pA.complete = func(ChatCompletionRequest) (*ChatCompletionResponse, error) {
		return nil, &types.Error{Code: types.ErrTimeout, Message: "pA timed out", Provider: "pA"}
	}
	pB := newFakeProvider("pB", "m2")

	tables := NewTables()
	tables.Replace(map[string]RouteRecord{
		"r1": {
			Name:           "r1",
			PrimaryModel:   "m1",
			FallbackModels: []string{"m2"},
			FallbackOn:     map[string]bool{"timeout": true},
		},
	}, nil)

	c, _ := newTestController(t, ControllerConfig{EnableFallback: false}, testRegistry(t, pA, pB), tables, 10)

	_, attempts, err := c.ChatCompletion(context.Background(), chatReq("route:r1"))
	require.Error(t, err)
	require.Len(t, attempts, 1)
	assert.Empty(t, pB.startedModels())
}

func TestControllerMissWithoutRefreshRecordsAttempt(t *testing.T) {
	c, _ := newTestController(t, ControllerConfig{AutoRefreshOnMiss: false}, testRegistry(t), testTables(nil), 10)

	resp, attempts, err := c.ChatCompletion(context.Background(), chatReq("absent"))
	require.Error(t, err)
	assert.Nil(t, resp)
	require.Len(t, attempts, 1)
	assert.Contains(t, attempts[0].Error, "not found")
}

func TestControllerAutoRefreshOnMiss(t *testing.T) {
	dir := t.TempDir()
	record := `provider_id: pA
provider_type: fake
api:
  base_url: http://127.0.0.1:1
  models:
    declared_models: [mNew]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pa.yaml"), []byte(record), 0o644))

	fake := newFakeProvider("pA", "mNew")
	builders := map[string]BuilderFunc{
		"fake": func(rec ProviderRecord) (Provider, error) { return fake, nil },
	}
	registry := NewRegistry(dir, builders, zap.NewNop())

	c, _ := newTestController(t, ControllerConfig{
		AutoRefreshOnMiss: true,
		RefreshCooldown:   time.Millisecond,
	}, registry, testTables(nil), 10)

	resp, attempts, err := c.ChatCompletion(context.Background(), chatReq("mNew"))
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Empty(t, attempts)
	assert.Equal(t, "mNew", resp.Model)
}

func TestControllerRefreshCooldownSuppressed(t *testing.T) {
	registry := NewRegistry(t.TempDir(), nil, zap.NewNop())
	c, _ := newTestController(t, ControllerConfig{
		AutoRefreshOnMiss: true,
		RefreshCooldown:   time.Hour,
	}, registry, testTables(nil), 10)

	_, _, _ = c.ChatCompletion(context.Background(), chatReq("absent"))
	first := registry.LastRefreshedAt()
	assert.False(t, first.IsZero())

	_, _, _ = c.ChatCompletion(context.Background(), chatReq("absent"))
	assert.Equal(t, first, registry.LastRefreshedAt(), "second miss inside the cooldown must not refresh")
}
