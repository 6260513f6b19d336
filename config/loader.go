// =============================================================================
// 📦 ModelGate 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("AGW").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是网关的完整配置结构
type Config struct {
	// Server 服务器配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Runtime 运行时行为
	Runtime RuntimeConfig `yaml:"runtime" env:"RUNTIME"`

	// Routing 路由与回退
	Routing RoutingConfig `yaml:"routing" env:"ROUTING"`

	// Scheduling 调度配置
	Scheduling SchedulingConfig `yaml:"scheduling" env:"SCHEDULING"`

	// Log 日志配置
	Log LogConfig `yaml:"logging" env:"LOG"`

	// Providers 提供方记录目录
	Providers ProvidersConfig `yaml:"providers" env:"PROVIDERS"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// JWT 管理接口认证配置
	JWT JWTConfig `yaml:"jwt" env:"JWT"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// 监听地址
	Host string `yaml:"host" env:"HOST"`
	// HTTP 端口
	Port int `yaml:"port" env:"PORT"`
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时（长对话补全需要远大于常规 API 的值）
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 限流（每秒请求数 / 突发量）
	RateLimitRPS   int `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// 管理接口 API Key 列表（为空时管理接口不设防）
	APIKeys []string `yaml:"api_keys" env:"API_KEYS"`
	// CORS 允许的来源
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
	// 仪表盘静态文件目录（为空时不挂载）
	StaticDir string `yaml:"static_dir" env:"STATIC_DIR"`
	// TLS 证书（为空时走明文 HTTP）
	TLSCertFile string `yaml:"tls_cert_file" env:"TLS_CERT_FILE"`
	TLSKeyFile  string `yaml:"tls_key_file" env:"TLS_KEY_FILE"`
}

// RuntimeConfig 运行时行为
type RuntimeConfig struct {
	// 候选模型缺失时是否自动刷新注册表
	AutoRefreshOnMiss bool `yaml:"auto_refresh_on_miss" env:"AUTO_REFRESH_ON_MISS"`
	// 两次刷新之间的最小间隔（秒）
	RefreshCooldownSeconds int `yaml:"refresh_cooldown_seconds" env:"REFRESH_COOLDOWN_SECONDS"`
	// 对话补全的默认超时（秒）
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds" env:"REQUEST_TIMEOUT_SECONDS"`
}

// RoutingConfig 路由与回退
type RoutingConfig struct {
	// 全局回退开关
	EnableFallback bool `yaml:"enable_fallback" env:"ENABLE_FALLBACK"`
	// 单次请求允许的最大回退次数（回退控制器不读取此值，尝试次数不受其限制）
	MaxFallbackAttempts int `yaml:"max_fallback_attempts" env:"MAX_FALLBACK_ATTEMPTS"`
}

// SchedulingConfig 调度配置
type SchedulingConfig struct {
	// 候选排序策略: sticky_priority 或 score_then_age
	PickNextStrategy string `yaml:"pick_next_strategy" env:"PICK_NEXT_STRATEGY"`
	// 排队时长加分（每秒）
	AgingBonusPerSecond float64 `yaml:"aging_bonus_per_second" env:"AGING_BONUS_PER_SECOND"`
	// 全局并发上限
	MaxConcurrency int `yaml:"max_concurrency" env:"MAX_CONCURRENCY"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 请求日志内存环大小
	KeepLastNRequestsInMemory int `yaml:"keep_last_n_requests_in_memory" env:"KEEP_LAST_N_REQUESTS_IN_MEMORY"`
	// 请求日志文件目录（JSONL）
	LogDir string `yaml:"log_dir" env:"LOG_DIR"`
}

// ProvidersConfig 提供方记录配置
type ProvidersConfig struct {
	// 提供方 YAML 记录目录
	ConfigDir string `yaml:"config_dir" env:"CONFIG_DIR"`
	// 路由定义文件
	RoutesPath string `yaml:"routes_path" env:"ROUTES_PATH"`
	// 模型评分/资源定义文件
	ModelsPath string `yaml:"models_path" env:"MODELS_PATH"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// JWTConfig 管理接口的 Bearer Token 认证配置
type JWTConfig struct {
	// HMAC 密钥（HS256）；与 PublicKey 均为空时禁用 JWT 认证
	Secret string `yaml:"secret" env:"SECRET"`
	// RSA 公钥 PEM（RS256，可选）
	PublicKey string `yaml:"public_key" env:"PUBLIC_KEY"`
	// 期望的签发者（可选）
	Issuer string `yaml:"issuer" env:"ISSUER"`
	// 期望的受众（可选）
	Audience string `yaml:"audience" env:"AUDIENCE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "AGW",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 4. 运行验证器
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		// 获取 env tag
		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		// 如果是结构体，递归处理
		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		// 获取环境变量值
		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		// 设置字段值
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	// 验证服务器配置
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, "invalid HTTP port")
	}

	// 验证运行时配置
	if c.Runtime.RequestTimeoutSeconds <= 0 {
		errs = append(errs, "request_timeout_seconds must be positive")
	}
	if c.Runtime.RefreshCooldownSeconds < 0 {
		errs = append(errs, "refresh_cooldown_seconds must not be negative")
	}

	// 验证调度配置
	switch c.Scheduling.PickNextStrategy {
	case "sticky_priority", "score_then_age":
	default:
		errs = append(errs, fmt.Sprintf("unknown pick_next_strategy: %s", c.Scheduling.PickNextStrategy))
	}
	if c.Scheduling.MaxConcurrency < 0 {
		errs = append(errs, "max_concurrency must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// Addr 返回 HTTP 监听地址
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// RefreshCooldown 返回刷新冷却时长
func (r *RuntimeConfig) RefreshCooldown() time.Duration {
	return time.Duration(r.RefreshCooldownSeconds) * time.Second
}

// RequestTimeout 返回对话补全超时时长
func (r *RuntimeConfig) RequestTimeout() time.Duration {
	return time.Duration(r.RequestTimeoutSeconds) * time.Second
}
