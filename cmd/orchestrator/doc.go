// Copyright (c) ModelGate Authors.
// Licensed under the MIT License.

/*
Package main 提供 ModelGate 服务端程序入口。

# 概述

cmd/orchestrator 是本地 AI 编排网关的可执行入口：对外暴露统一的
chat-completion API，对内装配提供方注册表、按模型排队的调度器、
并发准入规则、托管进程监督器与回退控制器。程序支持 YAML 配置文件
加载、结构化日志（zap）、Prometheus 指标采集以及配置热重载。

# 核心类型

  - Server           — 主服务器，管理 HTTP、Metrics 双端口及优雅关闭
  - Handlers          — 网关 API 端点集合（补全、模型列表、管理接口）
  - Middleware        — HTTP 中间件函数签名 func(http.Handler) http.Handler
  - responseWriter    — 包装 http.ResponseWriter 以捕获状态码

# 主要能力

  - 子命令：serve（启动服务）、version、health
  - 中间件链：Recovery、RequestID、SecurityHeaders、RequestLogger、
    MetricsMiddleware、OTelTracing、CORS、RateLimiter（基于 IP）、
    APIKeyAuth（X-API-Key）、JWTAuth（管理接口）
  - 配置热重载：HotReloadManager 监听文件变更并回调，
    routes.yaml / models.yaml 独立重载
  - Metrics 服务器：独立端口暴露 /metrics（Prometheus）
  - 优雅关闭：信号监听 → 停止热更新 → 关闭 HTTP → 排空调度器 →
    终止托管进程 → 刷新请求日志
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
