// Copyright (c) ModelGate Authors.
// Licensed under the MIT License.

/*
Package types 提供 ModelGate 网关的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 gateway、config、
cmd 等上层模块提供统一的错误契约。

# 核心类型

  - Error           — 结构化错误（Code、Message、HTTPStatus、
    Retryable、Provider、Cause），实现 error 与 Unwrap
  - ErrorCode       — 面向 HTTP 响应的开放错误码集合
  - NormalizedCode  — 面向路由回退匹配的闭集错误码
    （unreachable / timeout / oom / context_length / other）

# 主要能力

  - 链式构造：NewError(...).WithCause(...).WithHTTPStatus(...)
  - 错误归类：Error.Normalize() 将开放码映射到回退闭集
  - 辅助判断：IsRetryable、GetErrorCode
*/
package types
