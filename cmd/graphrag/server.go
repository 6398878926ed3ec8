package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tessellate-ai/graphrag/agent"
	"github.com/tessellate-ai/graphrag/api/handlers"
	"github.com/tessellate-ai/graphrag/config"
	"github.com/tessellate-ai/graphrag/engine"
	"github.com/tessellate-ai/graphrag/evidence"
	"github.com/tessellate-ai/graphrag/internal/cache"
	"github.com/tessellate-ai/graphrag/internal/metrics"
	"github.com/tessellate-ai/graphrag/internal/server"
	"github.com/tessellate-ai/graphrag/llm"
	"github.com/tessellate-ai/graphrag/retrieval"
	"github.com/tessellate-ai/graphrag/search"
	"github.com/tessellate-ai/graphrag/stores"
)

// =============================================================================
// Server 结构
// =============================================================================

// Server GraphRAG 查询服务主服务器：装配检索管线并托管 HTTP 接口。
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	httpManager    *server.Manager
	metricsManager *server.Manager

	queryHandler  *handlers.QueryHandler
	healthHandler *handlers.HealthHandler

	metricsCollector *metrics.Collector
	cacheManager     *cache.Manager
	pgSearcher       *stores.PgVectorSearcher

	rateLimiterCancel context.CancelFunc
}

// NewServer 创建服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
	}
}

// =============================================================================
// 启动流程
// =============================================================================

// Start 装配管线并启动所有服务
func (s *Server) Start() error {
	s.metricsCollector = metrics.NewCollector("graphrag", s.logger)

	if err := s.initPipeline(); err != nil {
		return fmt.Errorf("failed to init query pipeline: %w", err)
	}
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
	)
	return nil
}

// =============================================================================
// 管线装配
// =============================================================================

// initPipeline 装配检索管线：存储适配器 → 通道 → 策略 → 引擎 → handlers
func (s *Server) initPipeline() error {
	// LLM Provider：补全、流式与嵌入共用一个 OpenAI 兼容端点
	provider := llm.NewOpenAIProvider(llm.OpenAIConfig{
		BaseURL:        s.cfg.LLM.BaseURL,
		APIKey:         s.cfg.LLM.APIKey,
		Model:          s.cfg.LLM.Model,
		EmbeddingModel: s.cfg.LLM.EmbeddingModel,
		Timeout:        s.cfg.LLM.Timeout,
		MaxRetries:     s.cfg.LLM.MaxRetries,
	}, s.logger)
	provider.SetMetrics(s.metricsCollector)

	// Redis 缓存（尽力而为：不可达时禁用缓存，服务照常启动）
	cacheManager, err := cache.NewManager(s.cfg.Redis, s.logger)
	if err != nil {
		s.logger.Warn("Redis not available, caching disabled", zap.Error(err))
	} else {
		s.cacheManager = cacheManager
	}

	// 稠密向量存储
	dense, err := s.openVectorStore()
	if err != nil {
		return err
	}

	// 稀疏索引与图存储（进程内实现；语料由采集子系统推送）
	sparse := stores.NewBM25Index(stores.DefaultBM25Config(), s.logger)
	graph := stores.NewMemoryGraph(s.logger)
	communities := stores.NewCommunityIndex(s.logger)

	// 重排序器：进程内词法打分。外部 cross-encoder 服务经
	// retrieval.NewHTTPReranker 换入，接口一致
	var reranker retrieval.Reranker
	if s.cfg.Retrieval.RerankEnabled {
		reranker = retrieval.NewLexicalReranker()
	}

	// 检索结果缓存（复用 Redis 连接池）
	var resultCache retrieval.ResultCache
	if s.cacheManager != nil && s.cfg.Retrieval.CacheEnabled {
		resultCache = retrieval.NewRedisResultCache(s.cacheManager.Client(), s.cfg.Retrieval.CacheTTL, s.logger)
	}

	retriever := retrieval.NewHybridRetriever(
		s.cfg.Retrieval, provider, dense, sparse, graph, reranker, resultCache, s.logger)
	retriever.SetMetrics(s.metricsCollector)

	generator := engine.NewProviderGenerator(provider, s.cfg.LLM.Model, float32(s.cfg.Agent.Temperature))
	retriever.SetHydeGenerator(engine.NewHydeGenerator(generator))

	// 模式策略
	basic := search.NewBasicStrategy(retriever, s.logger)
	local := search.NewLocalStrategy(retriever, graph, s.logger)
	global := search.NewGlobalStrategy(search.GlobalConfig{
		TopK:           s.cfg.Retrieval.GlobalTopK,
		MapParallelism: s.cfg.Retrieval.GlobalMapParallelism,
		Level:          -1,
	}, provider, communities, generator, s.logger)
	drift := search.NewDriftStrategy(search.DriftConfig{
		HopBudget:    s.cfg.Retrieval.DriftHopBudget,
		MaxFollowUps: s.cfg.Retrieval.DriftMaxFollowUps,
	}, local, basic, generator, s.logger)
	structured := search.NewStructuredStrategy(graph, s.logger)

	registry := search.NewRegistry(basic, local, global, drift, structured)

	classifier := search.NewLLMClassifier(generator, s.logger)
	router := search.NewRouter(search.DefaultRouterConfig(), graph, classifier, s.logger)

	// 证据组装
	counter := evidence.NewTiktokenCounter(s.cfg.LLM.Model, s.logger)
	assembler := evidence.NewAssembler(evidence.AssemblerConfig{
		TokenBudget: s.cfg.Retrieval.TokenBudget,
	}, counter, s.logger)

	// 引擎与可选能力
	eng := engine.NewEngine(s.cfg.Retrieval, router, registry, assembler, s.logger)
	eng.SetMetrics(s.metricsCollector)
	eng.SetGenerator(generator)
	eng.SetQualityEvaluator(engine.NewLLMQualityEvaluator(generator))
	if s.cacheManager != nil && s.cfg.Retrieval.CacheEnabled {
		eng.SetResponseCache(engine.NewRedisResponseCache(s.cacheManager, s.cfg.Retrieval.CacheTTL, s.logger))
	}
	if s.cacheManager != nil {
		// 会话历史放 Redis；改写器据此解析指代
		history := engine.NewRedisHistory(s.cacheManager.Client(), 24*time.Hour, s.logger)
		eng.SetHistory(history)
		eng.SetRewriter(engine.NewRewriter(generator, history, s.logger))
	}

	// 智能体编排器：检索模式 + 图查询 + 连接器桩
	orchestrator := agent.NewOrchestrator(agent.OrchestratorConfig{
		Model:        s.cfg.Agent.Model,
		Temperature:  float32(s.cfg.Agent.Temperature),
		SystemPrompt: s.cfg.Agent.SystemPrompt,
		ToolTimeout:  s.cfg.Agent.ToolTimeout,
	}, provider, registry, graph, []agent.Connector{
		agent.NewCalendarStub(),
		agent.NewChatStub(),
	}, s.logger)
	orchestrator.SetMetrics(s.metricsCollector)
	eng.SetOrchestrator(orchestrator)

	// Handlers
	s.queryHandler = handlers.NewQueryHandler(eng, s.logger)
	s.healthHandler = handlers.NewHealthHandler(s.logger)
	if s.cacheManager != nil {
		s.healthHandler.RegisterCheck(handlers.NewPingHealthCheck("redis", s.cacheManager.Ping))
	}

	s.logger.Info("Query pipeline initialized",
		zap.String("vector_backend", s.cfg.Vector.Backend),
		zap.String("llm_model", s.cfg.LLM.Model),
		zap.Bool("cache_enabled", s.cacheManager != nil && s.cfg.Retrieval.CacheEnabled),
	)
	return nil
}

// openVectorStore 按配置后端创建稠密向量检索适配器
func (s *Server) openVectorStore() (retrieval.VectorSearcher, error) {
	switch s.cfg.Vector.Backend {
	case "qdrant":
		return stores.NewQdrantSearcher(stores.QdrantConfig{
			BaseURL:    s.cfg.Vector.QdrantBaseURL,
			APIKey:     s.cfg.Vector.QdrantAPIKey,
			Collection: s.cfg.Vector.Collection,
			Timeout:    s.cfg.Vector.Timeout,
		}, s.logger), nil
	case "pgvector":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		searcher, err := stores.NewPgVectorSearcher(ctx, stores.PgVectorConfig{
			DSN:   s.cfg.Vector.PostgresDSN,
			Table: s.cfg.Vector.Collection,
		}, s.logger)
		if err != nil {
			return nil, fmt.Errorf("connect pgvector: %w", err)
		}
		s.pgSearcher = searcher
		return searcher, nil
	default:
		return nil, fmt.Errorf("unknown vector backend: %q", s.cfg.Vector.Backend)
	}
}

// =============================================================================
// HTTP 服务器
// =============================================================================

// startHTTPServer 注册路由、组装中间件链并启动 HTTP 服务器
func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	// 健康检查端点
	mux.HandleFunc("/health", s.healthHandler.HandleHealth)
	mux.HandleFunc("/healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("/ready", s.healthHandler.HandleReady)
	mux.HandleFunc("/readyz", s.healthHandler.HandleReady)

	// 查询 API
	mux.HandleFunc("/v1/query", s.queryHandler.HandleQuery)
	mux.HandleFunc("/v1/query/stream", s.queryHandler.HandleStream)
	mux.HandleFunc("/v1/query/ws", s.queryHandler.HandleWebSocket)

	// 中间件链
	skipAuthPaths := []string{"/health", "/healthz", "/ready", "/readyz", "/version"}
	rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = rateLimiterCancel

	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.metricsCollector),
	}
	if s.cfg.Server.RequestTimeout > 0 {
		middlewares = append(middlewares, RequestTimeout(s.cfg.Server.RequestTimeout))
	}
	if s.cfg.Auth.Enabled {
		middlewares = append(middlewares, JWTAuth(s.cfg.Auth, skipAuthPaths, s.logger))
	}
	// 限流排在认证后，有租户声明时按租户配额
	middlewares = append(middlewares,
		RateLimiter(rateLimiterCtx, s.cfg.Server.RateLimit, s.cfg.Server.RateBurst, s.logger))

	handler := Chain(mux, middlewares...)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)
	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// startMetricsServer 启动 Metrics 服务器
func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)
	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// =============================================================================
// 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown 优雅关闭所有服务
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx := context.Background()

	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}
	if s.cacheManager != nil {
		if err := s.cacheManager.Close(); err != nil {
			s.logger.Error("Cache manager shutdown error", zap.Error(err))
		}
	}
	if s.pgSearcher != nil {
		s.pgSearcher.Close()
	}

	s.logger.Info("Graceful shutdown completed")
}
