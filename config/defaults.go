package config

import "time"

// DefaultConfig 返回带合理默认值的完整配置
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			MetricsPort:     9090,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			RequestTimeout:  60 * time.Second,
			RateLimit:       20,
			RateBurst:       40,
		},
		Retrieval: DefaultRetrievalConfig(),
		Agent: AgentConfig{
			Model:       "gpt-4o",
			Temperature: 0.2,
			ToolTimeout: 20 * time.Second,
		},
		Redis: RedisConfig{
			Addr:                "localhost:6379",
			DB:                  0,
			PoolSize:            10,
			MinIdleConns:        2,
			HealthCheckInterval: 30 * time.Second,
		},
		Vector: VectorStoreConfig{
			Backend:       "qdrant",
			QdrantBaseURL: "http://localhost:6333",
			Collection:    "chunks",
			Timeout:       10 * time.Second,
		},
		LLM: LLMConfig{
			BaseURL:        "https://api.openai.com/v1",
			Model:          "gpt-4o",
			EmbeddingModel: "text-embedding-3-small",
			Timeout:        60 * time.Second,
			MaxRetries:     2,
		},
		Auth: AuthConfig{
			Enabled: false,
			Issuer:  "graphrag",
		},
		Log: LogConfig{
			Level:        "info",
			Format:       "json",
			EnableCaller: false,
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			ServiceName: "graphrag",
			SampleRate:  0.1,
		},
	}
}

// DefaultRetrievalConfig 返回默认检索配置
func DefaultRetrievalConfig() RetrievalConfig {
	return RetrievalConfig{
		DenseWeight:          0.5,
		SparseWeight:         0.3,
		GraphWeight:          0.2,
		RRFK:                 60,
		SimilarityThreshold:  0.7,
		ChannelTimeout:       5 * time.Second,
		ChannelTopK:          20,
		RerankEnabled:        true,
		RerankTopN:           20,
		RerankTimeout:        3 * time.Second,
		TokenBudget:          8192,
		GlobalTopK:           8,
		GlobalMapParallelism: 4,
		DriftHopBudget:       3,
		DriftMaxFollowUps:    3,
		CacheEnabled:         true,
		CacheTTL:             10 * time.Minute,
	}
}
