package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "documents", cfg.DocumentCollection)
	assert.Equal(t, "query_cache", cfg.CacheCollection)
	assert.Equal(t, 10, cfg.TopK)
	assert.Equal(t, 3, cfg.TopN)
	assert.Equal(t, 4, cfg.MaxWorkers)
	assert.InDelta(t, 0.95, cfg.CacheThreshold, 1e-6)
	assert.InDelta(t, 0.9, cfg.CacheTargetOccupancy, 1e-9)
	assert.True(t, cfg.AllowEmptyContext)
	assert.Equal(t, 60*time.Second, cfg.GenerateTimeout)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("TOP_K_RETRIEVAL", "20")
	t.Setenv("TOP_K_RERANK", "5")
	t.Setenv("EMBED_TIMEOUT", "250ms")
	t.Setenv("ALLOW_EMPTY_CONTEXT", "false")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 20, cfg.TopK)
	assert.Equal(t, 5, cfg.TopN)
	assert.Equal(t, 250*time.Millisecond, cfg.EmbedTimeout)
	assert.False(t, cfg.AllowEmptyContext)
}

func TestLoad_FileOverridesEnv(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("MAX_WORKERS", "2")

	path := filepath.Join(t.TempDir(), "flashrag.yaml")
	content := []byte("max_workers: 8\ncache_threshold: 0.9\nvector_backend: memory\nrerank_timeout: 3s\n")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.MaxWorkers)
	assert.InDelta(t, 0.9, cfg.CacheThreshold, 1e-6)
	assert.Equal(t, "memory", cfg.VectorBackend)
	assert.Equal(t, 3*time.Second, cfg.RerankTimeout)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{"top_k below top_n", func(c *Config) { c.TopK, c.TopN = 2, 3 }, "TopK"},
		{"zero threshold", func(c *Config) { c.CacheThreshold = 0 }, "CacheThreshold"},
		{"threshold above one", func(c *Config) { c.CacheThreshold = 1.5 }, "CacheThreshold"},
		{"zero workers", func(c *Config) { c.MaxWorkers = 0 }, "MaxWorkers"},
		{"occupancy above one", func(c *Config) { c.CacheTargetOccupancy = 1.2 }, "CacheTargetOccupancy"},
		{"unknown backend", func(c *Config) { c.VectorBackend = "faiss" }, "VectorBackend"},
		{"shared partition", func(c *Config) { c.CacheCollection = c.DocumentCollection }, "DocumentCollection"},
		{"postgres without dsn", func(c *Config) { c.RateLimitBackend = "postgres"; c.DatabaseURL = "" }, "DatabaseURL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *base
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}

	t.Run("top_k equal to top_n", func(t *testing.T) {
		cfg := *base
		cfg.TopK, cfg.TopN = 3, 3
		assert.NoError(t, cfg.Validate())
	})
}
