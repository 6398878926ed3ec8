// Copyright (c) Tessellate AI Authors.
// Licensed under the MIT License.

/*
Package types 提供 GraphRAG 查询引擎的全局共享类型定义。

# 概述

types 是引擎最底层的公共包，不依赖任何内部包，为 retrieval、search、
agent、evidence、engine 等上层模块提供统一的类型契约。所有跨包共享的
结构体、枚举和错误码均定义于此，以避免循环依赖。

# 核心类型

  - Query              — 单次请求的不可变查询对象（原始/归一化文本、租户、过滤器、选项）
  - Filters            — 查询过滤器（文档 ID、日期范围、标签）
  - Options            — 查询选项（检索模式、HyDE/重写/分解开关、max_chunks、遍历深度）
  - SearchMode         — 五种检索模式枚举（basic / local / global / drift / structured）
  - RetrievalCandidate — 单通道检索候选（chunk、来源通道、通道内排名）
  - FusedResult        — RRF 融合后的结果（累计分数、贡献通道集合）
  - Citation           — 引用（1-based 连续索引，一个 chunk 恰好一个索引）
  - AgentStep / AgentTrajectory — 智能体轨迹（append-only，硬上限 10 步）
  - CommunitySummary   — 社区摘要（只读消费，由图谱维护子系统产出）
  - GraphNeighborhood  — 种子实体的 N 跳邻域（只读消费）
  - Error / ErrorCode  — 结构化错误体系，含 HTTP 状态码与 Retryable 标记

# 生命周期

Query、RetrievalCandidate、FusedResult、Citation、AgentTrajectory 均为
请求作用域对象：请求开始时创建，请求结束时丢弃，本核心不做任何持久化。
只有 CommunitySummary 与 GraphNeighborhood 是持久数据，归属于外部的
摄取/图谱维护子系统。
*/
package types
