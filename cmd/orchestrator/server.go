// Package main provides the ModelGate server implementation.
package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/BaSui01/modelgate/config"
	"github.com/BaSui01/modelgate/gateway"
	"github.com/BaSui01/modelgate/internal/metrics"
	"github.com/BaSui01/modelgate/internal/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 ModelGate 的主服务器：装配注册表、调度器、控制器与
// 请求日志，并管理 API 与 Metrics 两个监听器的生命周期。
type Server struct {
	mu         sync.RWMutex
	cfg        *config.Config
	configPath string
	logger     *zap.Logger

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// 核心组件
	supervisor *gateway.Supervisor
	registry   *gateway.Registry
	tables     *gateway.Tables
	scheduler  *gateway.Scheduler
	controller *gateway.Controller
	reqLog     *gateway.RequestLog
	handlers   *Handlers

	// 路由/模型定义的最近一次加载结果（供 /health/config 使用）
	routes map[string]config.RouteConfig
	models map[string]config.ModelScoreConfig

	// 指标收集器
	metricsCollector *metrics.Collector

	// 热更新管理器
	hotReloadManager *config.HotReloadManager
	configAPIHandler *config.ConfigAPIHandler

	rootCtx    context.Context
	rootCancel context.CancelFunc
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		rootCtx:    ctx,
		rootCancel: cancel,
	}
}

func (s *Server) currentConfig() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	// 1. 初始化指标收集器
	s.metricsCollector = metrics.NewCollector("modelgate", s.logger)

	// 2. 装配核心组件
	if err := s.initGateway(); err != nil {
		return fmt.Errorf("failed to init gateway: %w", err)
	}

	// 3. 初始化热更新管理器
	if err := s.initHotReloadManager(); err != nil {
		return fmt.Errorf("failed to init hot reload manager: %w", err)
	}

	// 4. 启动 HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 5. 启动 Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.String("addr", s.cfg.Server.Addr()),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("hot_reload_enabled", s.configPath != ""),
	)

	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initGateway 装配注册表、规则、调度器、控制器与请求日志
func (s *Server) initGateway() error {
	cfg := s.cfg

	reqLog, err := gateway.NewRequestLog(cfg.Log.LogDir, cfg.Log.KeepLastNRequestsInMemory, s.logger)
	if err != nil {
		return fmt.Errorf("open request log: %w", err)
	}
	s.reqLog = reqLog

	s.supervisor = gateway.NewSupervisor(s.logger)
	s.tables = gateway.NewTables()
	if err := s.reloadDefinitions(); err != nil {
		return err
	}

	builders := gateway.DefaultBuilders(s.supervisor, cfg.Runtime.RequestTimeout(), s.logger)
	s.registry = gateway.NewRegistry(cfg.Providers.ConfigDir, builders, s.logger)
	s.registry.HealthObserver = s.metricsCollector.SetProviderHealth

	s.registry.Load()
	probeCtx, cancel := context.WithTimeout(s.rootCtx, 2*time.Minute)
	s.registry.DetectAndRegister(probeCtx)
	cancel()
	s.logger.Info("registry populated", zap.Strings("models", s.registry.ModelIDs()))

	rules := gateway.NewConcurrencyManager(s.logger, s.tables, cfg.Scheduling.MaxConcurrency)
	s.scheduler = gateway.NewScheduler(gateway.SchedulerConfig{
		PickNextStrategy:    cfg.Scheduling.PickNextStrategy,
		AgingBonusPerSecond: cfg.Scheduling.AgingBonusPerSecond,
	}, rules, s.registry, s.tables, reqLog, s.metricsCollector, s.logger)

	resolver := gateway.NewRouteResolver(s.tables)
	s.controller = gateway.NewController(gateway.ControllerConfig{
		AutoRefreshOnMiss: cfg.Runtime.AutoRefreshOnMiss,
		RefreshCooldown:   cfg.Runtime.RefreshCooldown(),
		EnableFallback:    cfg.Routing.EnableFallback,
	}, resolver, s.registry, s.scheduler, s.logger)

	s.handlers = &Handlers{
		cfg:        s.currentConfig,
		registry:   s.registry,
		scheduler:  s.scheduler,
		controller: s.controller,
		tables:     s.tables,
		reqLog:     reqLog,
		routes:     func() map[string]config.RouteConfig { s.mu.RLock(); defer s.mu.RUnlock(); return s.routes },
		models:     func() map[string]config.ModelScoreConfig { s.mu.RLock(); defer s.mu.RUnlock(); return s.models },
		reloadDefs: s.reloadDefinitions,
		logger:     s.logger,
	}

	s.logger.Info("gateway components initialized")
	return nil
}

// reloadDefinitions 重新加载 routes.yaml 与 models.yaml 并整体替换查询表
func (s *Server) reloadDefinitions() error {
	cfg := s.currentConfig()

	routes, err := config.LoadRoutes(cfg.Providers.RoutesPath)
	if err != nil {
		return fmt.Errorf("load routes: %w", err)
	}
	if err := config.ValidateRoutes(routes); err != nil {
		return fmt.Errorf("validate routes: %w", err)
	}
	models, err := config.LoadModels(cfg.Providers.ModelsPath)
	if err != nil {
		return fmt.Errorf("load models: %w", err)
	}

	routeRecords := make(map[string]gateway.RouteRecord, len(routes))
	for name, r := range routes {
		triggers := make(map[string]bool, len(r.FallbackOn))
		for _, code := range r.FallbackOn {
			triggers[code] = true
		}
		routeRecords[name] = gateway.RouteRecord{
			Name:           name,
			PrimaryModel:   r.PrimaryModel,
			FallbackModels: r.FallbackModels,
			FallbackOn:     triggers,
		}
	}

	modelRecords := make(map[string]gateway.ModelRecord, len(models))
	for id, m := range models {
		modelRecords[id] = gateway.ModelRecord{
			BasePriority:   m.BasePriority,
			LoadPenalty:    m.LoadPenalty,
			RuntimePenalty: m.RuntimePenalty,
			AlwaysRunLast:  m.AlwaysRunLast,
			Resources: gateway.ModelResources{
				CPUUsage:  m.Resources.CPUUsage,
				GPUUsage:  m.Resources.GPUUsage,
				VRAMUsage: m.Resources.VRAMUsage,
				Exclusive: m.Resources.Exclusive,
			},
		}
	}

	s.tables.Replace(routeRecords, modelRecords)
	s.mu.Lock()
	s.routes = routes
	s.models = models
	s.mu.Unlock()

	s.logger.Info("route and model definitions loaded",
		zap.Int("routes", len(routes)),
		zap.Int("models", len(models)),
	)
	return nil
}

// initHotReloadManager 初始化热更新管理器
func (s *Server) initHotReloadManager() error {
	opts := []config.HotReloadOption{
		config.WithHotReloadLogger(s.logger),
	}

	if s.configPath != "" {
		opts = append(opts, config.WithConfigPath(s.configPath))
	}

	s.hotReloadManager = config.NewHotReloadManager(s.cfg, opts...)

	// 注册配置变更回调
	s.hotReloadManager.OnChange(func(change config.ConfigChange) {
		s.logger.Info("Configuration changed",
			zap.String("path", change.Path),
			zap.String("source", change.Source),
			zap.Bool("requires_restart", change.RequiresRestart),
		)
	})

	// 注册配置重载回调：替换当前配置并重载路由/模型定义
	s.hotReloadManager.OnReload(func(oldConfig, newConfig *config.Config) {
		s.mu.Lock()
		s.cfg = newConfig
		s.mu.Unlock()
		if err := s.reloadDefinitions(); err != nil {
			s.logger.Error("failed to reload route/model definitions", zap.Error(err))
		}
	})

	// 启动热更新管理器
	if err := s.hotReloadManager.Start(s.rootCtx); err != nil {
		return fmt.Errorf("failed to start hot reload manager: %w", err)
	}

	// 创建配置 API 处理器
	s.configAPIHandler = config.NewConfigAPIHandler(s.hotReloadManager)

	return nil
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// startHTTPServer 启动 HTTP 服务器
func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	// ========================================
	// 核心网关端点
	// ========================================
	mux.HandleFunc("/v1/chat/completions", s.handlers.HandleChatCompletions)
	mux.HandleFunc("/v1/models", s.handlers.HandleListModels)
	mux.HandleFunc("/health", s.handlers.HandleHealth)
	mux.HandleFunc("/refresh", s.handlers.HandleRefresh)

	// ========================================
	// 运维端点
	// ========================================
	mux.HandleFunc("/healthz", s.handlers.HandleHealthz)
	mux.HandleFunc("/readyz", s.handlers.HandleReadyz)
	mux.HandleFunc("/version", s.handlers.HandleVersion(Version, BuildTime, GitCommit))
	mux.HandleFunc("/health/config", s.handlers.HandleConfigDump)
	mux.HandleFunc("/health/config/routes", s.handlers.HandleUpdateRoutes)

	// ========================================
	// 管理端点
	// ========================================
	mux.HandleFunc("/admin/providers/", s.handlers.HandleProviderConfig)
	mux.HandleFunc("/admin/logs", s.handlers.HandleLogs)

	// ========================================
	// 配置管理 API
	// ========================================
	if s.configAPIHandler != nil {
		s.configAPIHandler.RegisterRoutes(mux)
		s.logger.Info("Configuration API registered")
	}

	// ========================================
	// 仪表盘静态文件
	// ========================================
	if dir := s.cfg.Server.StaticDir; dir != "" {
		mux.Handle("/dashboard/", http.StripPrefix("/dashboard/", http.FileServer(http.Dir(dir))))
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/" {
				http.Redirect(w, r, "/dashboard/", http.StatusFound)
				return
			}
			http.NotFound(w, r)
		})
		s.logger.Info("Dashboard mounted", zap.String("dir", dir))
	}

	// ========================================
	// 构建中间件链
	// ========================================
	skipAuthPaths := []string{
		"/health", "/healthz", "/readyz", "/version", "/metrics",
		"/v1/chat/completions", "/v1/models",
	}
	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.metricsCollector),
		OTelTracing(),
		SecurityHeaders(),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		RateLimiter(s.rootCtx, float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger),
		APIKeyAuth(s.cfg.Server.APIKeys, skipAuthPaths, s.logger),
		JWTAuth(s.cfg.JWT, skipAuthPaths, s.logger),
	)

	// ========================================
	// 使用 internal/server.Manager
	// ========================================
	serverConfig := server.Config{
		Addr:            s.cfg.Server.Addr(),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     120 * time.Second,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)

	// 启动服务器（非阻塞）；配置了证书时走 TLS
	if s.cfg.Server.TLSCertFile != "" && s.cfg.Server.TLSKeyFile != "" {
		if err := s.httpManager.StartTLS(s.cfg.Server.TLSCertFile, s.cfg.Server.TLSKeyFile); err != nil {
			return err
		}
	} else if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.String("addr", s.cfg.Server.Addr()))
	return nil
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

// startMetricsServer 启动 Metrics 服务器
func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)

	// 启动服务器（非阻塞）
	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	// 使用 httpManager 的 WaitForShutdown（它会监听信号）
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}

	// 执行清理
	s.Shutdown()
}

// Shutdown 优雅关闭所有服务
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	// 1. 停止热更新管理器
	if s.hotReloadManager != nil {
		if err := s.hotReloadManager.Stop(); err != nil {
			s.logger.Error("Hot reload manager shutdown error", zap.Error(err))
		}
	}

	// 2. 关闭 HTTP 服务器
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	// 3. 关闭 Metrics 服务器
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	// 4. 调度器排空：在途任务跑完，日志各记一条
	if s.scheduler != nil {
		if err := s.scheduler.Shutdown(ctx); err != nil {
			s.logger.Error("Scheduler shutdown error", zap.Error(err))
		}
	}

	// 5. 终止托管的后端进程
	if s.supervisor != nil {
		s.supervisor.StopAll()
	}

	if s.reqLog != nil {
		_ = s.reqLog.Sync()
	}

	s.rootCancel()
	s.logger.Info("Graceful shutdown completed")
}
