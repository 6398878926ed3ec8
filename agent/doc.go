// Copyright (c) Tessellate AI Authors.
// Licensed under the MIT License.

// Package agent 实现 ReAct 编排器：显式状态机（reasoning / acting /
// observing / done），通过 LLM function calling 提议工具调用，
// 工具集覆盖检索模式、图查询与外部连接器。
//
// 轨迹步数硬上限由循环计数器强制执行（types.MaxAgentSteps），
// 与模型输出无关；工具失败记录为观察并回馈下一轮推理，不中止循环。
package agent
