// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 调度指标
	queueDepth        *prometheus.GaugeVec
	activeJobs        prometheus.Gauge
	dispatchAdmits    *prometheus.CounterVec
	dispatchDenies    *prometheus.CounterVec
	jobsTotal         *prometheus.CounterVec
	chatDuration      *prometheus.HistogramVec
	providerHealthUp  *prometheus.GaugeVec
	registryRefreshes prometheus.Counter

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	// 调度指标
	c.queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Pending jobs per model queue",
		},
		[]string{"model"},
	)

	c.activeJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_jobs",
			Help:      "Jobs currently executing a backend call",
		},
	)

	c.dispatchAdmits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_admit_total",
			Help:      "Total admissions by the scheduling pass",
		},
		[]string{"model"},
	)

	c.dispatchDenies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_deny_total",
			Help:      "Total denials by the scheduling pass, by denying rule",
		},
		[]string{"model", "rule"},
	)

	c.jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Total jobs reaching a terminal state",
		},
		[]string{"model", "provider", "status"},
	)

	c.chatDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chat_completion_duration_seconds",
			Help:      "Chat completion duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"provider", "model"},
	)

	c.providerHealthUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_health_up",
			Help:      "Last health probe outcome per provider (1 healthy, 0 unhealthy)",
		},
		[]string{"provider"},
	)

	c.registryRefreshes = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_refresh_total",
			Help:      "Total registry refreshes",
		},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 🗓️ 调度指标记录
// =============================================================================

// SetQueueDepth 记录某模型队列的积压深度
func (c *Collector) SetQueueDepth(model string, depth int) {
	c.queueDepth.WithLabelValues(model).Set(float64(depth))
}

// SetActiveJobs 记录活跃任务数
func (c *Collector) SetActiveJobs(n int) {
	c.activeJobs.Set(float64(n))
}

// RecordAdmit 记录一次准入
func (c *Collector) RecordAdmit(model string) {
	c.dispatchAdmits.WithLabelValues(model).Inc()
}

// RecordDeny 记录一次拒绝及其规则
func (c *Collector) RecordDeny(model, rule string) {
	c.dispatchDenies.WithLabelValues(model, rule).Inc()
}

// RecordJob 记录任务终态与耗时
func (c *Collector) RecordJob(model, provider, status string, d time.Duration) {
	if provider == "" {
		provider = "none"
	}
	c.jobsTotal.WithLabelValues(model, provider, status).Inc()
	c.chatDuration.WithLabelValues(provider, model).Observe(d.Seconds())
}

// SetProviderHealth 记录提供方健康探测结果
func (c *Collector) SetProviderHealth(provider string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	c.providerHealthUp.WithLabelValues(provider).Set(v)
}

// RecordRegistryRefresh 记录一次注册表刷新
func (c *Collector) RecordRegistryRefresh() {
	c.registryRefreshes.Inc()
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
