package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout.Duration())
	assert.Equal(t, "english", cfg.Postgres.FTSConfig)
	assert.Equal(t, 384, cfg.Postgres.EmbeddingDim)
	assert.Equal(t, 300*time.Second, cfg.Redis.SearchTTL.Duration())
	assert.Equal(t, 900*time.Second, cfg.Redis.SynthesisTTL.Duration())
	assert.Equal(t, "searchindex", cfg.Index.Backend)
	assert.Equal(t, 768, cfg.Index.ImageVectorSize)
	assert.Equal(t, 2.5, cfg.Index.TitleBoost)
	assert.Equal(t, 2.0, cfg.Index.FileNameBoost)
	assert.Equal(t, 2.5, cfg.Postgres.TitleBoost)
	assert.Equal(t, 2.0, cfg.Postgres.FileNameBoost)
	assert.Equal(t, 2500, cfg.Ingest.ChunkSize)
	assert.Equal(t, 250, cfg.Ingest.ChunkOverlap)
	assert.Equal(t, 60, cfg.Retrieval.RRFK)
	assert.Equal(t, 120*time.Second, cfg.Research.TotalBudget.Duration())
	assert.Equal(t, 0.08, cfg.Research.FollowupRelevanceMin)
	assert.Equal(t, "none", cfg.LLM.Provider)
}

func TestLoadWithFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
server:
  port: 9100
ingest:
  chunk_size: 1000
  chunk_overlap: 100
index:
  backend: metastore
postgres:
  store_embeddings: true
`)
	require.NoError(t, os.WriteFile(path, content, 0600))

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, 1000, cfg.Ingest.ChunkSize)
	assert.Equal(t, 100, cfg.Ingest.ChunkOverlap)
	assert.Equal(t, "metastore", cfg.Index.Backend)
	// Untouched sections keep defaults.
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestLoadRejectsWorldReadableFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9100\n"), 0644))

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permissions")
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("RESEARCHD_SERVER_PORT", "9999")
	t.Setenv("RESEARCHD_RETRIEVAL_DEFAULT_K", "12")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 12, cfg.Retrieval.DefaultK)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"overlap >= size", func(c *Config) { c.Ingest.ChunkOverlap = c.Ingest.ChunkSize }},
		{"bad backend", func(c *Config) { c.Index.Backend = "opensearch" }},
		{"openai without key", func(c *Config) { c.LLM.Provider = "openai"; c.LLM.APIKey = "" }},
		{"bad mmr lambda", func(c *Config) { c.Retrieval.MMRLambda = 1.5 }},
		{"zero budget", func(c *Config) { c.Research.TotalBudget = 0 }},
		{"metastore without stored embeddings", func(c *Config) {
			c.Index.Backend = "metastore"
			c.Postgres.StoreEmbeddings = false
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSecretRedaction(t *testing.T) {
	s := Secret("super-secret")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "super-secret", s.Value())
	assert.True(t, s.IsSet())

	b, err := s.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"[REDACTED]"`, string(b))

	var empty Secret
	assert.Equal(t, "", empty.String())
	assert.False(t, empty.IsSet())
}

func TestDurationUnmarshal(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("-5s")))
	assert.Error(t, d.UnmarshalText([]byte("bogus")))
}
