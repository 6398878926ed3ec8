package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tessellate-ai/graphrag/llm"
	"github.com/tessellate-ai/graphrag/retrieval"
	"github.com/tessellate-ai/graphrag/search"
	"github.com/tessellate-ai/graphrag/types"
)

// runState 编排器状态机状态。
type runState string

const (
	stateReasoning runState = "reasoning" // 调用模型提议下一步
	stateActing    runState = "acting"    // 执行提议的工具调用
	stateObserving runState = "observing" // 记录观察并回馈消息流
	stateDone      runState = "done"      // 终止
)

const agentSystemPrompt = `You are a retrieval agent for a knowledge base built from documents and a knowledge graph.

Use the available tools to gather evidence before answering. Prefer search tools for content questions, the graph query tool for counting and relationship questions, and connector tools for calendar or chat lookups. When the gathered evidence is sufficient, answer the question directly without calling more tools. If a tool fails, try a different tool or answer from what you already have.`

// 单条观察的体积上限，防止单个工具输出撑爆后续上下文。
const (
	maxObservationHits = 5
	maxObservationRows = 20
	maxSnippetLen      = 300
)

// OrchestratorConfig 编排器配置。
type OrchestratorConfig struct {
	// Model 推理所用模型
	Model string `json:"model" yaml:"model"`
	// Temperature 推理温度
	Temperature float32 `json:"temperature" yaml:"temperature"`
	// ConnectorLimit 连接器工具单次返回条数上限
	ConnectorLimit int `json:"connector_limit" yaml:"connector_limit"`
	// ToolTimeout 单个工具调用的执行上限
	ToolTimeout time.Duration `json:"tool_timeout" yaml:"tool_timeout"`
	// SystemPrompt 覆盖默认系统提示词（空串用默认）
	SystemPrompt string `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
}

// DefaultOrchestratorConfig 返回默认配置。
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Model:          "gpt-4o-mini",
		Temperature:    0.2,
		ConnectorLimit: 5,
		ToolTimeout:    20 * time.Second,
	}
}

// Metrics 智能体运行指标端口。
type Metrics interface {
	RecordAgentRun(termination string, steps int)
}

// RunResult 一次编排运行的结果。
type RunResult struct {
	// Answer 最终回答（step_limit_reached 时可能为空）
	Answer string `json:"answer"`
	// Trajectory 完整轨迹（含终止原因）
	Trajectory *types.AgentTrajectory `json:"trajectory"`
	// Evidence 检索工具沿途收集的证据（按生效分数排序、去重）
	Evidence []types.FusedResult `json:"evidence,omitempty"`
	// TokensUsed 各轮推理调用 token 总量
	TokensUsed int `json:"tokens_used,omitempty"`
}

// Orchestrator ReAct 编排器。每次 Run 构建独立的工具集与证据收集器，
// 实例本身可跨请求复用。
type Orchestrator struct {
	cfg        OrchestratorConfig
	provider   llm.Provider
	strategies *search.Registry
	querier    retrieval.GraphQuerier
	connectors []Connector
	metrics    Metrics
	logger     *zap.Logger
}

// SetMetrics 挂载指标收集器（可选能力）。
func (o *Orchestrator) SetMetrics(m Metrics) { o.metrics = m }

// NewOrchestrator 创建编排器。querier 与 connectors 可为空，
// 对应工具不注册。
func NewOrchestrator(cfg OrchestratorConfig, provider llm.Provider, strategies *search.Registry, querier retrieval.GraphQuerier, connectors []Connector, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultOrchestratorConfig()
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.ConnectorLimit <= 0 {
		cfg.ConnectorLimit = def.ConnectorLimit
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = def.ToolTimeout
	}
	return &Orchestrator{
		cfg:        cfg,
		provider:   provider,
		strategies: strategies,
		querier:    querier,
		connectors: connectors,
		logger:     logger.With(zap.String("component", "agent_orchestrator")),
	}
}

// Run 执行完整的推理-行动循环。
//
// 步数上限由轨迹计数器在 reasoning 入口强制检查：达到上限即以
// step_limit_reached 终止，无论模型是否还想继续。工具执行失败
// 转为错误观察回馈给模型，循环继续。
func (o *Orchestrator) Run(ctx context.Context, q *types.Query) (*RunResult, error) {
	traj := types.NewAgentTrajectory(uuid.NewString())
	result := &RunResult{Trajectory: traj}
	defer func() {
		if o.metrics != nil {
			o.metrics.RecordAgentRun(string(traj.Termination), len(traj.Steps))
		}
	}()
	sink := newEvidenceSink()
	tools := o.buildTools(q, sink)

	systemPrompt := o.cfg.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = agentSystemPrompt
	}
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt},
		{Role: llm.RoleUser, Content: q.Raw},
	}

	o.logger.Info("agent run started",
		zap.String("trajectory_id", traj.ID),
		zap.String("tenant_id", q.TenantID),
	)

	var pending []llm.ToolCall
	var observations []toolObservation
	state := stateReasoning

	for state != stateDone {
		switch state {
		case stateReasoning:
			if err := ctx.Err(); err != nil {
				traj.Terminate(types.TerminationError)
				result.Evidence = sink.list()
				return result, fmt.Errorf("agent run cancelled: %w", err)
			}
			if traj.AtLimit() {
				o.logger.Warn("agent step limit reached",
					zap.String("trajectory_id", traj.ID),
					zap.Int("steps", len(traj.Steps)),
				)
				traj.Terminate(types.TerminationStepLimitReached)
				state = stateDone
				continue
			}

			resp, err := o.provider.Completion(ctx, &llm.ChatRequest{
				TenantID:    q.TenantID,
				Model:       o.cfg.Model,
				Temperature: o.cfg.Temperature,
				Messages:    messages,
				Tools:       tools.Schemas(),
				ToolChoice:  "auto",
			})
			if err != nil {
				traj.Terminate(types.TerminationError)
				result.Evidence = sink.list()
				return result, fmt.Errorf("agent reasoning failed: %w", err)
			}
			choice, err := llm.FirstChoice(resp)
			if err != nil {
				traj.Terminate(types.TerminationError)
				result.Evidence = sink.list()
				return result, fmt.Errorf("agent reasoning returned no choices: %w", err)
			}
			result.TokensUsed += resp.Usage.TotalTokens

			if len(choice.Message.ToolCalls) == 0 {
				result.Answer = choice.Message.Content
				traj.Terminate(types.TerminationAnswerProduced)
				state = stateDone
				continue
			}

			messages = append(messages, choice.Message)
			pending = choice.Message.ToolCalls
			state = stateActing

		case stateActing:
			observations = observations[:0]
			for _, call := range pending {
				text, isErr := o.executeTool(ctx, tools, call)
				observations = append(observations, toolObservation{call: call, text: text, isErr: isErr})
			}
			pending = nil
			state = stateObserving

		case stateObserving:
			limitHit := false
			for _, obs := range observations {
				if err := traj.Append(types.AgentStep{
					Tool:        obs.call.Name,
					Input:       string(obs.call.Arguments),
					Observation: obs.text,
					IsError:     obs.isErr,
					Timestamp:   time.Now(),
				}); err != nil {
					// 批内越界：丢弃剩余观察并终止
					limitHit = true
					break
				}

				messages = append(messages, llm.Message{
					Role:       llm.RoleTool,
					ToolCallID: obs.call.ID,
					Content:    obs.text,
				})
			}
			observations = nil

			if limitHit {
				traj.Terminate(types.TerminationStepLimitReached)
				state = stateDone
				continue
			}
			state = stateReasoning
		}
	}

	result.Evidence = sink.list()

	o.logger.Info("agent run finished",
		zap.String("trajectory_id", traj.ID),
		zap.Int("steps", len(traj.Steps)),
		zap.String("termination", string(traj.Termination)),
		zap.Int("evidence", len(result.Evidence)),
	)
	return result, nil
}

// toolObservation acting 阶段的执行结果，observing 阶段入轨迹与消息流。
type toolObservation struct {
	call  llm.ToolCall
	text  string
	isErr bool
}

// executeTool 执行单个工具调用，受 ToolTimeout 限制。任何失败都转为
// 错误观察文本，不向上传播。
func (o *Orchestrator) executeTool(ctx context.Context, tools *ToolRegistry, call llm.ToolCall) (observation string, isError bool) {
	tool, ok := tools.Get(call.Name)
	if !ok {
		o.logger.Warn("unknown tool proposed", zap.String("tool", call.Name))
		return fmt.Sprintf("unknown tool: %s", call.Name), true
	}

	toolCtx, cancel := context.WithTimeout(ctx, o.cfg.ToolTimeout)
	defer cancel()

	out, err := tool.Fn(toolCtx, call.Arguments)
	if err != nil {
		o.logger.Warn("tool execution failed",
			zap.String("tool", call.Name),
			zap.Error(err),
		)
		return fmt.Sprintf("tool %s failed: %s", call.Name, err.Error()), true
	}
	return string(out), false
}

// --- 工具集构建 ---

type searchToolArgs struct {
	Query string `json:"query"`
}

type graphToolArgs struct {
	Template string         `json:"template"`
	Params   map[string]any `json:"params,omitempty"`
}

type searchHit struct {
	ChunkID      string  `json:"chunk_id"`
	DocumentName string  `json:"document_name,omitempty"`
	Score        float64 `json:"score"`
	Snippet      string  `json:"snippet,omitempty"`
}

type searchObservation struct {
	Mode      types.SearchMode `json:"mode"`
	Total     int              `json:"total"`
	Hits      []searchHit      `json:"hits"`
	FollowUps []string         `json:"follow_ups,omitempty"`
}

type graphObservation struct {
	Total int              `json:"total"`
	Rows  []map[string]any `json:"rows"`
}

type connectorObservation struct {
	Source string          `json:"source"`
	Items  []ConnectorItem `json:"items"`
}

var searchArgsSchema = json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"the question to search for"}},"required":["query"]}`)

var connectorArgsSchema = json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"keywords to look up"}},"required":["query"]}`)

// buildTools 为一次运行构建工具集：每个检索模式一个 search_* 工具、
// 可选的 graph_query 工具与每个连接器一个 search_* 工具。
// 检索工具将证据写入 sink，供最终组装复用。
func (o *Orchestrator) buildTools(q *types.Query, sink *evidenceSink) *ToolRegistry {
	tools := NewToolRegistry(o.logger)

	if o.strategies != nil {
		for _, mode := range o.strategies.Modes() {
			strat, ok := o.strategies.Get(mode)
			if !ok {
				continue
			}
			schema := llm.ToolSchema{
				Name:        "search_" + string(mode),
				Description: searchToolDescription(mode),
				Parameters:  searchArgsSchema,
			}
			if err := tools.Register(schema, o.searchToolFunc(q, strat, sink)); err != nil {
				o.logger.Warn("tool registration failed", zap.Error(err))
			}
		}
	}

	if o.querier != nil {
		schema := llm.ToolSchema{
			Name: "graph_query",
			Description: "Run a parameterized read-only query against the knowledge graph. Available templates: " +
				strings.Join(o.querier.Templates(), ", ") + ".",
			Parameters: json.RawMessage(`{"type":"object","properties":{"template":{"type":"string","description":"template name"},"params":{"type":"object","description":"template parameters"}},"required":["template"]}`),
		}
		if err := tools.Register(schema, o.graphToolFunc()); err != nil {
			o.logger.Warn("tool registration failed", zap.Error(err))
		}
	}

	for _, conn := range o.connectors {
		conn := conn
		schema := llm.ToolSchema{
			Name:        "search_" + conn.Name(),
			Description: fmt.Sprintf("Search the %s connector for related external records.", conn.Name()),
			Parameters:  connectorArgsSchema,
		}
		if err := tools.Register(schema, o.connectorToolFunc(conn)); err != nil {
			o.logger.Warn("tool registration failed", zap.Error(err))
		}
	}

	return tools
}

func searchToolDescription(mode types.SearchMode) string {
	switch mode {
	case types.ModeBasic:
		return "Search document chunks by semantic and keyword similarity. Best for direct factual questions."
	case types.ModeLocal:
		return "Search anchored on entities mentioned in the question, including their graph neighborhood. Best for questions about specific named things."
	case types.ModeGlobal:
		return "Answer thematic questions by summarizing across community summaries of the whole corpus."
	case types.ModeDrift:
		return "Iterative multi-hop search that decomposes the question into follow-ups. Best for compound questions."
	case types.ModeStructured:
		return "Compile the question into a parameterized graph query. Best for counting and listing questions."
	default:
		return "Search the knowledge base."
	}
}

func (o *Orchestrator) searchToolFunc(q *types.Query, strat search.ModeStrategy, sink *evidenceSink) ToolFunc {
	return func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		var a searchToolArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
		if strings.TrimSpace(a.Query) == "" {
			return nil, fmt.Errorf("query is required")
		}

		sub := *q
		sub.Raw = a.Query
		sub.Normalized = types.NormalizeText(a.Query)

		res, err := strat.Run(ctx, &sub)
		if err != nil {
			return nil, err
		}
		sink.add(res.Evidence)

		obs := searchObservation{
			Mode:      res.Mode,
			Total:     len(res.Evidence),
			Hits:      make([]searchHit, 0, maxObservationHits),
			FollowUps: res.FollowUps,
		}
		for i, ev := range res.Evidence {
			if i >= maxObservationHits {
				break
			}
			obs.Hits = append(obs.Hits, searchHit{
				ChunkID:      ev.ChunkID,
				DocumentName: ev.DocumentName,
				Score:        ev.FinalScore(),
				Snippet:      truncateSnippet(ev.Content),
			})
		}
		return json.Marshal(obs)
	}
}

func (o *Orchestrator) graphToolFunc() ToolFunc {
	return func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		var a graphToolArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
		rows, err := o.querier.RunQuery(ctx, a.Template, a.Params)
		if err != nil {
			return nil, err
		}
		obs := graphObservation{Total: len(rows), Rows: rows}
		if len(obs.Rows) > maxObservationRows {
			obs.Rows = obs.Rows[:maxObservationRows]
		}
		return json.Marshal(obs)
	}
}

func (o *Orchestrator) connectorToolFunc(conn Connector) ToolFunc {
	return func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		var a searchToolArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
		items, err := conn.Search(ctx, a.Query, o.cfg.ConnectorLimit)
		if err != nil {
			return nil, err
		}
		if items == nil {
			items = []ConnectorItem{}
		}
		return json.Marshal(connectorObservation{Source: conn.Name(), Items: items})
	}
}

func truncateSnippet(s string) string {
	if len(s) <= maxSnippetLen {
		return s
	}
	return s[:maxSnippetLen]
}

// --- 证据收集 ---

// evidenceSink 跨工具调用收集证据，按 ChunkID 去重并保留最优分数。
type evidenceSink struct {
	mu      sync.Mutex
	byChunk map[string]types.FusedResult
}

func newEvidenceSink() *evidenceSink {
	return &evidenceSink{byChunk: make(map[string]types.FusedResult)}
}

func (s *evidenceSink) add(results []types.FusedResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range results {
		if existing, ok := s.byChunk[r.ChunkID]; ok && existing.FinalScore() >= r.FinalScore() {
			continue
		}
		s.byChunk[r.ChunkID] = r
	}
}

func (s *evidenceSink) list() []types.FusedResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.FusedResult, 0, len(s.byChunk))
	for _, r := range s.byChunk {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		si, sj := out[i].FinalScore(), out[j].FinalScore()
		if si != sj {
			return si > sj
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	return out
}
