// =============================================================================
// 📦 ModelGate 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:     DefaultServerConfig(),
		Runtime:    DefaultRuntimeConfig(),
		Routing:    DefaultRoutingConfig(),
		Scheduling: DefaultSchedulingConfig(),
		Log:        DefaultLogConfig(),
		Providers:  DefaultProvidersConfig(),
		Telemetry:  DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:        "127.0.0.1",
		Port:        8000,
		MetricsPort: 9091,
		ReadTimeout: 30 * time.Second,
		// 写超时必须覆盖最长的对话补全
		WriteTimeout:    11 * time.Minute,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultRuntimeConfig 返回默认运行时配置
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		AutoRefreshOnMiss:      true,
		RefreshCooldownSeconds: 30,
		RequestTimeoutSeconds:  600,
	}
}

// DefaultRoutingConfig 返回默认路由配置
func DefaultRoutingConfig() RoutingConfig {
	return RoutingConfig{
		EnableFallback:      true,
		MaxFallbackAttempts: 2,
	}
}

// DefaultSchedulingConfig 返回默认调度配置
func DefaultSchedulingConfig() SchedulingConfig {
	return SchedulingConfig{
		PickNextStrategy:    "sticky_priority",
		AgingBonusPerSecond: 0.01,
		MaxConcurrency:      10,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:                     "info",
		Format:                    "json",
		OutputPaths:               []string{"stdout"},
		KeepLastNRequestsInMemory: 500,
		LogDir:                    "logs",
	}
}

// DefaultProvidersConfig 返回默认提供方配置
func DefaultProvidersConfig() ProvidersConfig {
	return ProvidersConfig{
		ConfigDir:  "providers",
		RoutesPath: "routes.yaml",
		ModelsPath: "models.yaml",
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "modelgate",
		SampleRate:   0.1,
	}
}
