// Copyright (c) Tessellate AI Authors.
// Licensed under the MIT License.

/*
Package main 提供 GraphRAG 查询服务的程序入口。

# 概述

cmd/graphrag 是混合检索查询引擎的可执行入口，提供 HTTP API 服务、
健康检查和版本查询等子命令。程序支持 YAML 配置文件 + 环境变量加载、
结构化日志（zap）、Prometheus 指标采集与 OTel 遥测。

# 核心类型

  - Server      — 主服务器，装配检索管线并管理 HTTP、Metrics 双端口
  - Middleware  — HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 子命令：serve（启动服务）、version、health
  - 管线装配：向量/稀疏/图存储 → 混合检索 → 模式策略 → 引擎 → handlers
  - 中间件链：Recovery、RequestID、SecurityHeaders、RequestLogger、
    Metrics、JWTAuth（Bearer，租户声明）、RateLimiter（租户/IP）
  - Metrics 服务器：独立端口暴露 /metrics（Prometheus）
  - 优雅关闭：信号监听 → 关闭 HTTP → 关闭 Metrics → 释放连接池
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
