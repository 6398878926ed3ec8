// Copyright (c) Tessellate AI Authors.
// Licensed under the MIT License.

// Package metrics 收集查询引擎的 prometheus 指标：
// HTTP 层、查询/模式、检索通道、缓存与智能体运行。
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector 指标收集器。
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 查询指标
	queriesTotal  *prometheus.CounterVec
	queryDuration *prometheus.HistogramVec
	queryEvidence *prometheus.HistogramVec

	// 检索通道指标
	channelRequestsTotal *prometheus.CounterVec
	channelDuration      *prometheus.HistogramVec
	channelDegraded      *prometheus.CounterVec

	// 重排序指标
	rerankTotal *prometheus.CounterVec

	// 缓存指标
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// LLM 指标
	llmRequestsTotal *prometheus.CounterVec
	llmTokensUsed    *prometheus.CounterVec

	// 智能体指标
	agentRunsTotal *prometheus.CounterVec
	agentSteps     *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器并注册所有指标。
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.queriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Total number of processed queries",
		},
		[]string{"mode", "status"},
	)
	c.queryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "End-to-end query duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"mode"},
	)
	c.queryEvidence = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_evidence_chunks",
			Help:      "Number of evidence chunks returned per query",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50},
		},
		[]string{"mode"},
	)

	c.channelRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_requests_total",
			Help:      "Total number of retrieval channel executions",
		},
		[]string{"channel", "status"},
	)
	c.channelDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "channel_duration_seconds",
			Help:      "Retrieval channel duration in seconds",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"channel"},
	)
	c.channelDegraded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_degraded_total",
			Help:      "Total number of degraded (timed out or failed) channel executions",
		},
		[]string{"channel"},
	)

	c.rerankTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rerank_total",
			Help:      "Total number of rerank attempts",
		},
		[]string{"status"},
	)

	c.cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache"},
	)
	c.cacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache"},
	)

	c.llmRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Total number of LLM requests",
		},
		[]string{"provider", "model", "status"},
	)
	c.llmTokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_used_total",
			Help:      "Total number of LLM tokens used",
		},
		[]string{"provider", "model", "type"},
	)

	c.agentRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_runs_total",
			Help:      "Total number of agent orchestrator runs",
		},
		[]string{"termination"},
	)
	c.agentSteps = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_steps",
			Help:      "Number of steps per agent run",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 10},
		},
		[]string{"termination"},
	)

	return c
}

// RecordHTTPRequest 记录一次 HTTP 请求。
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordQuery 记录一次查询：模式、结果状态、耗时与证据数。
func (c *Collector) RecordQuery(mode, status string, duration time.Duration, evidenceCount int) {
	c.queriesTotal.WithLabelValues(mode, status).Inc()
	c.queryDuration.WithLabelValues(mode).Observe(duration.Seconds())
	c.queryEvidence.WithLabelValues(mode).Observe(float64(evidenceCount))
}

// RecordChannel 记录一次检索通道执行。
func (c *Collector) RecordChannel(channel, status string, duration time.Duration) {
	c.channelRequestsTotal.WithLabelValues(channel, status).Inc()
	c.channelDuration.WithLabelValues(channel).Observe(duration.Seconds())
	if status != "ok" {
		c.channelDegraded.WithLabelValues(channel).Inc()
	}
}

// RecordRerank 记录一次重排序尝试（ok / fallback）。
func (c *Collector) RecordRerank(status string) {
	c.rerankTotal.WithLabelValues(status).Inc()
}

// RecordCacheHit 记录缓存命中。
func (c *Collector) RecordCacheHit(cache string) {
	c.cacheHits.WithLabelValues(cache).Inc()
}

// RecordCacheMiss 记录缓存未命中。
func (c *Collector) RecordCacheMiss(cache string) {
	c.cacheMisses.WithLabelValues(cache).Inc()
}

// RecordLLMRequest 记录一次 LLM 调用。
func (c *Collector) RecordLLMRequest(provider, model, status string, promptTokens, completionTokens int) {
	c.llmRequestsTotal.WithLabelValues(provider, model, status).Inc()
	if promptTokens > 0 {
		c.llmTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		c.llmTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordAgentRun 记录一次智能体运行。
func (c *Collector) RecordAgentRun(termination string, steps int) {
	c.agentRunsTotal.WithLabelValues(termination).Inc()
	c.agentSteps.WithLabelValues(termination).Observe(float64(steps))
}
