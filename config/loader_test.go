package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	def := DefaultConfig()
	if cfg.Server.HTTPPort != def.Server.HTTPPort {
		t.Errorf("expected default http_port %d, got %d", def.Server.HTTPPort, cfg.Server.HTTPPort)
	}
	if cfg.Retrieval.RRFK != def.Retrieval.RRFK {
		t.Errorf("expected default rrf_k %v, got %v", def.Retrieval.RRFK, cfg.Retrieval.RRFK)
	}
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  http_port: 9090
retrieval:
  channel_top_k: 30
  cache_ttl: 10m
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.HTTPPort != 9090 {
		t.Errorf("yaml override lost: http_port = %d", cfg.Server.HTTPPort)
	}
	if cfg.Retrieval.ChannelTopK != 30 {
		t.Errorf("yaml override lost: channel_top_k = %d", cfg.Retrieval.ChannelTopK)
	}
	if cfg.Retrieval.CacheTTL != 10*time.Minute {
		t.Errorf("yaml duration not parsed: %v", cfg.Retrieval.CacheTTL)
	}
	// 未覆盖的字段保持默认
	if cfg.Retrieval.TokenBudget != DefaultConfig().Retrieval.TokenBudget {
		t.Errorf("unrelated default changed: %d", cfg.Retrieval.TokenBudget)
	}
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  http_port: 9090\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("GRAPHRAG_SERVER_HTTP_PORT", "7070")
	t.Setenv("GRAPHRAG_RETRIEVAL_CHANNEL_TIMEOUT", "3s")
	t.Setenv("GRAPHRAG_RETRIEVAL_RERANK_ENABLED", "true")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.HTTPPort != 7070 {
		t.Errorf("env should win over yaml: http_port = %d", cfg.Server.HTTPPort)
	}
	if cfg.Retrieval.ChannelTimeout != 3*time.Second {
		t.Errorf("env duration not applied: %v", cfg.Retrieval.ChannelTimeout)
	}
	if !cfg.Retrieval.RerankEnabled {
		t.Error("env bool not applied")
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/config.yaml").Load()
	if err != nil {
		t.Fatalf("Load should tolerate a missing file: %v", err)
	}
	if cfg.Server.HTTPPort != DefaultConfig().Server.HTTPPort {
		t.Errorf("defaults not applied: %d", cfg.Server.HTTPPort)
	}
}

func TestLoad_ValidationFailures(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"zero rrf_k", map[string]string{"GRAPHRAG_RETRIEVAL_RRF_K": "0"}},
		{"negative weight", map[string]string{"GRAPHRAG_RETRIEVAL_DENSE_WEIGHT": "-1"}},
		{"threshold out of range", map[string]string{"GRAPHRAG_RETRIEVAL_SIMILARITY_THRESHOLD": "1.5"}},
		{"auth without secret", map[string]string{"GRAPHRAG_AUTH_ENABLED": "true"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := NewLoader().Load(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoad_CustomValidator(t *testing.T) {
	_, err := NewLoader().WithValidator(func(c *Config) error {
		return os.ErrInvalid
	}).Load()
	if err == nil {
		t.Error("expected custom validator error")
	}
}
