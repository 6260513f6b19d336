// 版权所有 2026 ModelGate Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的全链路指标采集能力，覆盖
HTTP 与调度两大维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制，避免手动管理 Registry。所有指标按 namespace 隔离，
支持多维度 label 分组，便于 Grafana 等工具进行可视化与告警。

# 核心类型

  - Collector：指标收集器，持有 Counter、Histogram、Gauge 等
    Prometheus 向量指标，按业务域分组管理。

# 主要能力

  - HTTP 指标：请求总数、请求耗时、请求/响应体大小，
    按 method/path/status 分组，状态码归类为 2xx/3xx/4xx/5xx。
  - 队列指标：每模型积压深度 Gauge、活跃任务数 Gauge。
  - 准入指标：调度准入/拒绝计数，拒绝按规则名分组。
  - 任务指标：终态任务计数（model/provider/status）、
    对话补全耗时 Histogram（provider/model）。
  - 提供方指标：健康探测结果 Gauge、注册表刷新计数。
*/
package metrics
