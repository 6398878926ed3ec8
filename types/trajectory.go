package types

import (
	"fmt"
	"time"
)

// MaxAgentSteps 智能体轨迹的硬上限。独立于模型输出强制执行，
// 保证无论模型行为如何，延迟与成本都有界。
const MaxAgentSteps = 10

// TerminationReason 轨迹终止原因。
type TerminationReason string

const (
	TerminationAnswerProduced   TerminationReason = "answer_produced"
	TerminationStepLimitReached TerminationReason = "step_limit_reached"
	TerminationError            TerminationReason = "error"
)

// AgentStep 轨迹中的一步：工具调用及其观察结果。
type AgentStep struct {
	// Index 步骤序号（0-based，追加顺序）
	Index int `json:"index"`
	// Tool 工具名
	Tool string `json:"tool"`
	// Input 工具输入（JSON 文本）
	Input string `json:"input"`
	// Observation 工具输出或错误文本
	Observation string `json:"observation"`
	// IsError 观察是否为错误（错误同样回馈给下一轮推理，而非中止轨迹）
	IsError bool `json:"is_error,omitempty"`
	// Timestamp 执行时间
	Timestamp time.Time `json:"timestamp"`
}

// AgentTrajectory 拥有一条有序、append-only 的步骤序列。
// len(Steps) <= MaxAgentSteps 是硬不变量。
type AgentTrajectory struct {
	ID          string            `json:"id"`
	Steps       []AgentStep       `json:"steps"`
	Termination TerminationReason `json:"termination,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	FinishedAt  time.Time         `json:"finished_at,omitempty"`
}

// NewAgentTrajectory 创建空轨迹。
func NewAgentTrajectory(id string) *AgentTrajectory {
	return &AgentTrajectory{
		ID:        id,
		Steps:     make([]AgentStep, 0, MaxAgentSteps),
		StartedAt: time.Now(),
	}
}

// Append 追加一步。达到硬上限时返回错误，调用方应终止循环。
func (t *AgentTrajectory) Append(step AgentStep) error {
	if len(t.Steps) >= MaxAgentSteps {
		return fmt.Errorf("trajectory %s already at step limit %d", t.ID, MaxAgentSteps)
	}
	step.Index = len(t.Steps)
	if step.Timestamp.IsZero() {
		step.Timestamp = time.Now()
	}
	t.Steps = append(t.Steps, step)
	return nil
}

// Terminate 记录终止原因与完成时间。仅首次调用生效。
func (t *AgentTrajectory) Terminate(reason TerminationReason) {
	if t.Termination != "" {
		return
	}
	t.Termination = reason
	t.FinishedAt = time.Now()
}

// AtLimit 判断轨迹是否已达步数上限。
func (t *AgentTrajectory) AtLimit() bool {
	return len(t.Steps) >= MaxAgentSteps
}
