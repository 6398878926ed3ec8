package search

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tessellate-ai/graphrag/types"
)

// EntityResolver 实体识别端口（图存储满足）。
type EntityResolver interface {
	FindEntities(ctx context.Context, query string) ([]string, error)
}

// Classifier 可插拔的模式分类器。启发式无明确信号时咨询。
type Classifier interface {
	// Classify 返回建议模式与置信度（0-1）
	Classify(ctx context.Context, q *types.Query) (types.SearchMode, float64, error)
}

// RouterConfig 路由器配置。
type RouterConfig struct {
	// CacheEnabled 路由决策缓存开关
	CacheEnabled bool `json:"cache_enabled"`
	// CacheTTL 决策缓存 TTL
	CacheTTL time.Duration `json:"cache_ttl"`
	// ClassifierThreshold 采纳分类器建议的最低置信度
	ClassifierThreshold float64 `json:"classifier_threshold"`
	// AggregationKeywords 命中即路由 structured 的聚合类关键词
	AggregationKeywords []string `json:"aggregation_keywords,omitempty"`
	// GlobalKeywords 命中即路由 global 的主题类关键词
	GlobalKeywords []string `json:"global_keywords,omitempty"`
}

// DefaultRouterConfig 返回默认路由配置。
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		CacheEnabled:        true,
		CacheTTL:            5 * time.Minute,
		ClassifierThreshold: 0.6,
		AggregationKeywords: []string{
			"how many", "count", "list all", "list every", "number of",
			"most connected", "top entities", "which entities",
		},
		GlobalKeywords: []string{
			"overall", "themes", "summarize", "summary of", "across all",
			"trends", "big picture", "in general", "main topics",
		},
	}
}

// Decision 一次路由决策。
type Decision struct {
	Mode types.SearchMode `json:"mode"`
	// Source 决策来源：explicit / heuristic / classifier / default
	Source     string    `json:"source"`
	Confidence float64   `json:"confidence"`
	Reason     string    `json:"reason,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// routingCache 带 TTL 的进程内决策缓存。
type routingCache struct {
	mu      sync.RWMutex
	entries map[string]*Decision
	ttl     time.Duration
}

func newRoutingCache(ttl time.Duration) *routingCache {
	return &routingCache{entries: make(map[string]*Decision), ttl: ttl}
}

func (c *routingCache) get(key string) (*Decision, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	decision, ok := c.entries[key]
	if !ok || time.Since(decision.Timestamp) > c.ttl {
		return nil, false
	}
	return decision, true
}

func (c *routingCache) set(key string, decision *Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = decision
}

// Router 将查询分派到检索模式。优先级：显式指定 > 启发式 >
// 分类器 > basic 兜底。
type Router struct {
	cfg        RouterConfig
	entities   EntityResolver
	classifier Classifier
	cache      *routingCache
	logger     *zap.Logger
}

// NewRouter 创建路由器。entities 与 classifier 可为 nil，对应信号随之关闭。
func NewRouter(cfg RouterConfig, entities EntityResolver, classifier Classifier, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	var cache *routingCache
	if cfg.CacheEnabled {
		ttl := cfg.CacheTTL
		if ttl <= 0 {
			ttl = 5 * time.Minute
		}
		cache = newRoutingCache(ttl)
	}
	return &Router{
		cfg:        cfg,
		entities:   entities,
		classifier: classifier,
		cache:      cache,
		logger:     logger.With(zap.String("component", "router")),
	}
}

// Route 决定查询的检索模式。显式模式不进缓存，未知显式模式返回 422。
func (r *Router) Route(ctx context.Context, q *types.Query) (*Decision, error) {
	if explicit := q.Options.SearchMode; explicit != "" {
		if !types.ValidSearchMode(explicit) {
			return nil, types.NewError(types.ErrInvalidMode, "unknown search mode: "+explicit).WithHTTPStatus(422)
		}
		return &Decision{
			Mode:       types.SearchMode(explicit),
			Source:     "explicit",
			Confidence: 1.0,
			Timestamp:  time.Now(),
		}, nil
	}

	cacheKey := q.TenantID + "|" + q.Normalized
	if r.cache != nil {
		if cached, ok := r.cache.get(cacheKey); ok {
			return cached, nil
		}
	}

	decision := r.decide(ctx, q)
	decision.Timestamp = time.Now()
	if r.cache != nil {
		r.cache.set(cacheKey, decision)
	}
	r.logger.Debug("routed query",
		zap.String("mode", string(decision.Mode)),
		zap.String("source", decision.Source),
		zap.Float64("confidence", decision.Confidence))
	return decision, nil
}

func (r *Router) decide(ctx context.Context, q *types.Query) *Decision {
	text := q.Normalized

	if keyword := matchKeyword(text, r.cfg.AggregationKeywords); keyword != "" {
		return &Decision{Mode: types.ModeStructured, Source: "heuristic", Confidence: 0.9,
			Reason: "aggregation keyword: " + keyword}
	}
	if q.Options.UseDecomposition || looksCompound(text) {
		return &Decision{Mode: types.ModeDrift, Source: "heuristic", Confidence: 0.8,
			Reason: "decomposition requested or compound question"}
	}
	if r.entities != nil {
		if found, err := r.entities.FindEntities(ctx, q.Raw); err != nil {
			r.logger.Warn("entity resolution failed during routing", zap.Error(err))
		} else if len(found) > 0 {
			return &Decision{Mode: types.ModeLocal, Source: "heuristic", Confidence: 0.8,
				Reason: "recognized entities"}
		}
	}
	if keyword := matchKeyword(text, r.cfg.GlobalKeywords); keyword != "" {
		return &Decision{Mode: types.ModeGlobal, Source: "heuristic", Confidence: 0.8,
			Reason: "thematic keyword: " + keyword}
	}

	// 无启发式信号时咨询分类器，失败回落 basic
	if r.classifier != nil {
		if mode, confidence, err := r.classifier.Classify(ctx, q); err != nil {
			r.logger.Warn("classifier failed, defaulting to basic", zap.Error(err))
		} else if confidence >= r.cfg.ClassifierThreshold && types.ValidSearchMode(string(mode)) {
			return &Decision{Mode: mode, Source: "classifier", Confidence: confidence}
		}
	}

	return &Decision{Mode: types.ModeBasic, Source: "default", Confidence: 0.5}
}

func matchKeyword(text string, keywords []string) string {
	for _, keyword := range keywords {
		if strings.Contains(text, keyword) {
			return keyword
		}
	}
	return ""
}

// looksCompound 判断是否为需要分解的复合问题：多问号，或出现
// 串联连接词。
func looksCompound(normalized string) bool {
	if strings.Count(normalized, "?") >= 2 {
		return true
	}
	for _, marker := range []string{" and then ", " and also ", " as well as ", " and how ", " and why ", " and what "} {
		if strings.Contains(normalized, marker) {
			return true
		}
	}
	return false
}
