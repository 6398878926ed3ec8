package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tessellate-ai/graphrag/llm"
)

// ToolFunc 工具执行函数。参数与返回值均为 JSON 文本，
// 由编排器原样转为观察内容。
type ToolFunc func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// Tool 已注册的工具：schema 暴露给模型，fn 在 acting 阶段执行。
type Tool struct {
	Schema llm.ToolSchema
	Fn     ToolFunc
}

// ToolRegistry 工具注册表。Schemas 按注册顺序返回，
// 保证同一工具集下模型看到的定义顺序稳定。
type ToolRegistry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	order  []string
	logger *zap.Logger
}

// NewToolRegistry 创建空注册表。
func NewToolRegistry(logger *zap.Logger) *ToolRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ToolRegistry{
		tools:  make(map[string]Tool),
		logger: logger.With(zap.String("component", "tool_registry")),
	}
}

// Register 注册工具。名称为空或重复时返回错误。
func (r *ToolRegistry) Register(schema llm.ToolSchema, fn ToolFunc) error {
	if schema.Name == "" {
		return errors.New("tool name is empty")
	}
	if fn == nil {
		return fmt.Errorf("tool %s has nil func", schema.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[schema.Name]; exists {
		return fmt.Errorf("tool %s already registered", schema.Name)
	}
	r.tools[schema.Name] = Tool{Schema: schema, Fn: fn}
	r.order = append(r.order, schema.Name)

	r.logger.Debug("tool registered", zap.String("tool", schema.Name))
	return nil
}

// Get 按名称查找工具。
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Schemas 返回全部工具定义（注册顺序）。
func (r *ToolRegistry) Schemas() []llm.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]llm.ToolSchema, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].Schema)
	}
	return out
}

// ErrConnectorUnavailable 连接器未接入具体后端。
var ErrConnectorUnavailable = errors.New("connector not configured")

// ConnectorItem 连接器检索返回的单条外部记录。
type ConnectorItem struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Snippet   string    `json:"snippet,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Connector 外部数据源检索端口（日历、聊天记录等）。
// 协议实现在部署层接入；本包只依赖端口。
type Connector interface {
	// Name 连接器标识，用作工具名后缀
	Name() string

	// Search 在外部源中检索与 query 相关的记录
	Search(ctx context.Context, query string, limit int) ([]ConnectorItem, error)
}

// StubConnector 未接入后端的占位连接器。
// Search 恒返回 ErrConnectorUnavailable，经编排器转为错误观察。
type StubConnector struct {
	name string
}

// NewCalendarStub 日历连接器占位。
func NewCalendarStub() *StubConnector { return &StubConnector{name: "calendar"} }

// NewChatStub 聊天记录连接器占位。
func NewChatStub() *StubConnector { return &StubConnector{name: "chat"} }

func (s *StubConnector) Name() string { return s.name }

func (s *StubConnector) Search(ctx context.Context, query string, limit int) ([]ConnectorItem, error) {
	return nil, fmt.Errorf("%s: %w", s.name, ErrConnectorUnavailable)
}
