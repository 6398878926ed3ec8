// Copyright (c) Tessellate AI Authors.
// Licensed under the MIT License.

// Package evidence 负责最终证据集的组装：按 chunk 去重、裁剪到
// token 预算、分配连续的 1-based 引用索引。
package evidence

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// TokenCounter 文本 token 计数端口。
type TokenCounter interface {
	Count(text string) int
}

// 模型 → tiktoken 编码。未知模型回落 cl100k_base。
var modelEncodings = map[string]string{
	"gpt-4o":        "o200k_base",
	"gpt-4o-mini":   "o200k_base",
	"gpt-4-turbo":   "cl100k_base",
	"gpt-4":         "cl100k_base",
	"gpt-3.5-turbo": "cl100k_base",
}

// TiktokenCounter 基于 tiktoken 的精确计数器，懒初始化编码。
// 编码初始化失败时逐次回落估算口径。
type TiktokenCounter struct {
	encoding string
	enc      *tiktoken.Tiktoken
	once     sync.Once
	initErr  error
	logger   *zap.Logger
}

// NewTiktokenCounter 按模型名创建计数器。
func NewTiktokenCounter(model string, logger *zap.Logger) *TiktokenCounter {
	if logger == nil {
		logger = zap.NewNop()
	}
	encoding, ok := modelEncodings[model]
	if !ok {
		encoding = "cl100k_base"
	}
	return &TiktokenCounter{
		encoding: encoding,
		logger:   logger.With(zap.String("component", "tokenizer")),
	}
}

func (t *TiktokenCounter) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = fmt.Errorf("init tiktoken encoding %s: %w", t.encoding, err)
			return
		}
		t.enc = enc
	})
	return t.initErr
}

// Count 返回文本的 token 数。
func (t *TiktokenCounter) Count(text string) int {
	if err := t.init(); err != nil {
		t.logger.Warn("tiktoken unavailable, falling back to estimator", zap.Error(err))
		return EstimateTokens(text)
	}
	return len(t.enc.Encode(text, nil, nil))
}

// EstimatorCounter 估算计数器（约 4 字符一个 token），
// 离线环境或测试用。
type EstimatorCounter struct{}

// Count 估算文本 token 数。
func (EstimatorCounter) Count(text string) int { return EstimateTokens(text) }

// EstimateTokens 粗粒度估算，宁多勿少。
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return len(text)/4 + 1
}
