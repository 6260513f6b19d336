package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- DefaultConfig aggregate ---

func TestDefaultConfig_ContainsAllSubConfigs(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	// Each sub-config should be non-zero
	assert.NotEqual(t, ServerConfig{}, cfg.Server)
	assert.NotEqual(t, RuntimeConfig{}, cfg.Runtime)
	assert.NotEqual(t, RoutingConfig{}, cfg.Routing)
	assert.NotEqual(t, SchedulingConfig{}, cfg.Scheduling)
	assert.NotEqual(t, LogConfig{}, cfg.Log)
	assert.NotEqual(t, ProvidersConfig{}, cfg.Providers)
	assert.NotEqual(t, TelemetryConfig{}, cfg.Telemetry)
}

// --- Individual Default*Config functions ---

func TestDefaultServerConfig(t *testing.T) {
	cfg := DefaultServerConfig()
	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 8000, cfg.Port)
	assert.Equal(t, 9091, cfg.MetricsPort)
	assert.Equal(t, 15*time.Second, cfg.ShutdownTimeout)
	// 写超时必须覆盖最长的对话补全（默认 600s）
	assert.Greater(t, cfg.WriteTimeout, 10*time.Minute)
	assert.Equal(t, 100, cfg.RateLimitRPS)
	assert.Equal(t, 200, cfg.RateLimitBurst)
}

func TestDefaultRuntimeConfig(t *testing.T) {
	cfg := DefaultRuntimeConfig()
	assert.True(t, cfg.AutoRefreshOnMiss)
	assert.Equal(t, 30, cfg.RefreshCooldownSeconds)
	assert.Equal(t, 600, cfg.RequestTimeoutSeconds)
}

func TestDefaultRoutingConfig(t *testing.T) {
	cfg := DefaultRoutingConfig()
	assert.True(t, cfg.EnableFallback)
	assert.Equal(t, 2, cfg.MaxFallbackAttempts)
}

func TestDefaultSchedulingConfig(t *testing.T) {
	cfg := DefaultSchedulingConfig()
	assert.Equal(t, "sticky_priority", cfg.PickNextStrategy)
	assert.Equal(t, 0.01, cfg.AgingBonusPerSecond)
	assert.Equal(t, 10, cfg.MaxConcurrency)
}

func TestDefaultLogConfig(t *testing.T) {
	cfg := DefaultLogConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, []string{"stdout"}, cfg.OutputPaths)
	assert.Equal(t, 500, cfg.KeepLastNRequestsInMemory)
	assert.Equal(t, "logs", cfg.LogDir)
}

func TestDefaultProvidersConfig(t *testing.T) {
	cfg := DefaultProvidersConfig()
	assert.Equal(t, "providers", cfg.ConfigDir)
	assert.Equal(t, "routes.yaml", cfg.RoutesPath)
	assert.Equal(t, "models.yaml", cfg.ModelsPath)
}

func TestDefaultTelemetryConfig(t *testing.T) {
	cfg := DefaultTelemetryConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
	assert.Equal(t, "modelgate", cfg.ServiceName)
	assert.Equal(t, 0.1, cfg.SampleRate)
}
