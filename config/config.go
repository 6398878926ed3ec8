// =============================================================================
// 📦 GraphRAG 配置
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("GRAPHRAG").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"time"
)

// Config 是查询引擎服务的完整配置结构
type Config struct {
	// Server 服务器配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Retrieval 检索默认配置（租户未覆盖时生效）
	Retrieval RetrievalConfig `yaml:"retrieval" env:"RETRIEVAL"`

	// Agent 智能体编排配置
	Agent AgentConfig `yaml:"agent" env:"AGENT"`

	// Redis 缓存配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Vector 向量存储配置
	Vector VectorStoreConfig `yaml:"vector" env:"VECTOR"`

	// LLM 大语言模型配置
	LLM LLMConfig `yaml:"llm" env:"LLM"`

	// Auth 认证配置
	Auth AuthConfig `yaml:"auth" env:"AUTH"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 单请求总体截止时间
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	// 每秒请求限流
	RateLimit float64 `yaml:"rate_limit" env:"RATE_LIMIT"`
	// 限流突发容量
	RateBurst int `yaml:"rate_burst" env:"RATE_BURST"`
}

// RetrievalConfig 检索配置。请求开始时快照为不可变 TenantConfig，
// 组件不做任何全局查找（显式传入，见 engine 包）。
type RetrievalConfig struct {
	// DenseWeight 稠密通道 RRF 权重
	DenseWeight float64 `yaml:"dense_weight" env:"DENSE_WEIGHT"`
	// SparseWeight 稀疏通道 RRF 权重
	SparseWeight float64 `yaml:"sparse_weight" env:"SPARSE_WEIGHT"`
	// GraphWeight 图通道 RRF 权重
	GraphWeight float64 `yaml:"graph_weight" env:"GRAPH_WEIGHT"`
	// RRFK RRF 平滑常数 k
	RRFK float64 `yaml:"rrf_k" env:"RRF_K"`
	// SimilarityThreshold 稠密检索相似度阈值，低于此分数的弱匹配被剪除
	SimilarityThreshold float64 `yaml:"similarity_threshold" env:"SIMILARITY_THRESHOLD"`
	// ChannelTimeout 单通道超时；超时通道按空结果处理，不致整个请求失败
	ChannelTimeout time.Duration `yaml:"channel_timeout" env:"CHANNEL_TIMEOUT"`
	// ChannelTopK 每通道候选数
	ChannelTopK int `yaml:"channel_top_k" env:"CHANNEL_TOP_K"`
	// RerankEnabled 是否启用重排序
	RerankEnabled bool `yaml:"rerank_enabled" env:"RERANK_ENABLED"`
	// RerankTopN 重排序输入候选上限（限制延迟）
	RerankTopN int `yaml:"rerank_top_n" env:"RERANK_TOP_N"`
	// RerankTimeout 重排序超时；超时回退融合顺序
	RerankTimeout time.Duration `yaml:"rerank_timeout" env:"RERANK_TIMEOUT"`
	// TokenBudget 证据组装 token 预算
	TokenBudget int `yaml:"token_budget" env:"TOKEN_BUDGET"`
	// GlobalTopK global 模式选取的社区摘要数
	GlobalTopK int `yaml:"global_top_k" env:"GLOBAL_TOP_K"`
	// GlobalMapParallelism global 模式 map 步骤并行度
	GlobalMapParallelism int `yaml:"global_map_parallelism" env:"GLOBAL_MAP_PARALLELISM"`
	// DriftHopBudget drift 模式跳数预算（小于智能体步数上限，单独约束纯检索迭代成本）
	DriftHopBudget int `yaml:"drift_hop_budget" env:"DRIFT_HOP_BUDGET"`
	// DriftMaxFollowUps 每跳最多生成的跟进子问题数
	DriftMaxFollowUps int `yaml:"drift_max_follow_ups" env:"DRIFT_MAX_FOLLOW_UPS"`
	// CacheEnabled 查询结果缓存开关
	CacheEnabled bool `yaml:"cache_enabled" env:"CACHE_ENABLED"`
	// CacheTTL 结果缓存 TTL
	CacheTTL time.Duration `yaml:"cache_ttl" env:"CACHE_TTL"`
}

// AgentConfig 智能体编排配置
type AgentConfig struct {
	// Model 模型名称
	Model string `yaml:"model" env:"MODEL"`
	// SystemPrompt 系统提示词（空则按角色使用内置提示词）
	SystemPrompt string `yaml:"system_prompt" env:"SYSTEM_PROMPT"`
	// Temperature 温度参数
	Temperature float64 `yaml:"temperature" env:"TEMPERATURE"`
	// ToolTimeout 单工具执行超时
	ToolTimeout time.Duration `yaml:"tool_timeout" env:"TOOL_TIMEOUT"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	// 健康检查间隔
	HealthCheckInterval time.Duration `yaml:"health_check_interval" env:"HEALTH_CHECK_INTERVAL"`
}

// VectorStoreConfig 向量存储配置
type VectorStoreConfig struct {
	// Backend: qdrant, pgvector, memory
	Backend string `yaml:"backend" env:"BACKEND"`
	// Qdrant REST 地址
	QdrantBaseURL string `yaml:"qdrant_base_url" env:"QDRANT_BASE_URL"`
	// Qdrant API Key（可选）
	QdrantAPIKey string `yaml:"qdrant_api_key" env:"QDRANT_API_KEY"`
	// 集合/表名
	Collection string `yaml:"collection" env:"COLLECTION"`
	// pgvector DSN
	PostgresDSN string `yaml:"postgres_dsn" env:"POSTGRES_DSN"`
	// 请求超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// LLMConfig LLM 配置
type LLMConfig struct {
	// BaseURL OpenAI 兼容端点
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// API Key
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// Model 默认模型
	Model string `yaml:"model" env:"MODEL"`
	// EmbeddingModel 嵌入模型
	EmbeddingModel string `yaml:"embedding_model" env:"EMBEDDING_MODEL"`
	// 请求超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// 最大重试次数
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
}

// AuthConfig 认证配置
type AuthConfig struct {
	// Enabled 是否启用 JWT 认证
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// JWTSecret HMAC 签名密钥
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
	// Issuer 期望的签发方
	Issuer string `yaml:"issuer" env:"ISSUER"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// Validate 校验配置合法性。
// 通道权重只要求为正；是否归一到 1.0 由上层 UI 提示，引擎不强制。
func (c *Config) Validate() error {
	r := c.Retrieval
	if r.DenseWeight <= 0 || r.SparseWeight <= 0 || r.GraphWeight <= 0 {
		return fmt.Errorf("retrieval weights must be positive (dense=%v sparse=%v graph=%v)",
			r.DenseWeight, r.SparseWeight, r.GraphWeight)
	}
	if r.RRFK <= 0 {
		return fmt.Errorf("rrf_k must be positive, got %v", r.RRFK)
	}
	if r.SimilarityThreshold < 0 || r.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity_threshold must be in [0,1], got %v", r.SimilarityThreshold)
	}
	if r.TokenBudget <= 0 {
		return fmt.Errorf("token_budget must be positive, got %d", r.TokenBudget)
	}
	if r.DriftHopBudget <= 0 {
		return fmt.Errorf("drift_hop_budget must be positive, got %d", r.DriftHopBudget)
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth enabled but jwt_secret is empty")
	}
	return nil
}
