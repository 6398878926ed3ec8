package metrics

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

var namespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&namespaceSeq, 1)
	return fmt.Sprintf("graphrag_test_%d", seq)
}

func TestNewCollector(t *testing.T) {
	c := NewCollector(nextTestNamespace(), nil)

	assert.NotNil(t, c)
	assert.NotNil(t, c.queriesTotal)
	assert.NotNil(t, c.channelRequestsTotal)
	assert.NotNil(t, c.agentRunsTotal)
}

func TestCollectorRecordQuery(t *testing.T) {
	c := NewCollector(nextTestNamespace(), nil)

	c.RecordQuery("basic", "ok", 120*time.Millisecond, 5)
	c.RecordQuery("global", "error", 2*time.Second, 0)

	assert.Equal(t, 2, testutil.CollectAndCount(c.queriesTotal))
	assert.Equal(t, 2, testutil.CollectAndCount(c.queryDuration))
}

func TestCollectorRecordChannelDegraded(t *testing.T) {
	c := NewCollector(nextTestNamespace(), nil)

	c.RecordChannel("dense", "ok", 30*time.Millisecond)
	c.RecordChannel("graph", "timeout", 500*time.Millisecond)

	assert.Equal(t, 2, testutil.CollectAndCount(c.channelRequestsTotal))
	// 仅降级的通道计入 degraded
	assert.Equal(t, 1, testutil.CollectAndCount(c.channelDegraded))
}

func TestCollectorRecordLLMTokens(t *testing.T) {
	c := NewCollector(nextTestNamespace(), nil)

	c.RecordLLMRequest("openai", "gpt-4o-mini", "ok", 120, 40)

	assert.Equal(t, 1, testutil.CollectAndCount(c.llmRequestsTotal))
	assert.Equal(t, 2, testutil.CollectAndCount(c.llmTokensUsed))
}

func TestCollectorRecordAgentRun(t *testing.T) {
	c := NewCollector(nextTestNamespace(), nil)

	c.RecordAgentRun("answer_produced", 3)
	c.RecordAgentRun("step_limit_reached", 10)

	assert.Equal(t, 2, testutil.CollectAndCount(c.agentRunsTotal))
}

func TestCollectorRecordCache(t *testing.T) {
	c := NewCollector(nextTestNamespace(), nil)

	c.RecordCacheHit("response")
	c.RecordCacheMiss("response")
	c.RecordCacheMiss("retrieval")

	assert.Equal(t, 1, testutil.CollectAndCount(c.cacheHits))
	assert.Equal(t, 2, testutil.CollectAndCount(c.cacheMisses))
}
