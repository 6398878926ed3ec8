// Copyright (c) Tessellate AI Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 GraphRAG HTTP API 的请求处理器实现。

# 核心类型

  - QueryHandler   — 查询处理器，支持同步 JSON、SSE 流与 WebSocket 流
  - HealthHandler  — 服务健康检查（/health, /healthz, /ready）
  - Response       — 统一 JSON 响应结构（success + data + error + timestamp）
  - ErrorInfo      — 结构化错误信息，含 code、message、retryable 标记

# 主要能力

  - 统一响应格式：WriteSuccess / WriteError / WriteJSON 辅助函数
  - 请求验证：DecodeJSONBody（严格模式）、ValidateContentType
  - ErrorCode → HTTP 状态码自动映射（422 客户端错误 / 502 检索失败）
  - SSE 流式输出：QueryHandler.HandleStream 以 text/event-stream 逐事件推送
  - WebSocket 流式输出：QueryHandler.HandleWebSocket 以 JSON 文本帧推送
  - 可扩展健康检查：RegisterCheck 注册自定义 HealthCheck 实现
*/
package handlers
