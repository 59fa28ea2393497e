package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithFile("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "chromem", cfg.Index.Backend)
	assert.Equal(t, "sqlite", cfg.Metastore.Backend)
	assert.Equal(t, 3, cfg.Retrieval.OverfetchFactor)
	assert.Equal(t, 10, cfg.Retrieval.OverfetchMargin)
	assert.Equal(t, 10, cfg.Retrieval.MaxOverfetchFactor)
	assert.False(t, cfg.Retrieval.PartialResults)
	assert.Equal(t, "pure_similarity", cfg.Retrieval.Rerank.Policy)
	assert.Equal(t, 5*time.Second, cfg.Retrieval.Timeouts.Embed.Duration())
	assert.Equal(t, 384, cfg.Embeddings.Dimension)
}

func TestLoadWithFile(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: debug
  format: console
index:
  backend: memory
retrieval:
  overfetch_factor: 4
  partial_results: true
  min_score: 0.5
  rerank:
    policy: recency_boosted
    half_life: 2160h
    weight: 0.3
  timeouts:
    embed: 500ms
`)

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "memory", cfg.Index.Backend)
	assert.Equal(t, 4, cfg.Retrieval.OverfetchFactor)
	assert.True(t, cfg.Retrieval.PartialResults)
	assert.InDelta(t, 0.5, cfg.Retrieval.MinScore, 1e-9)
	assert.Equal(t, "recency_boosted", cfg.Retrieval.Rerank.Policy)
	assert.Equal(t, 2160*time.Hour, cfg.Retrieval.Rerank.HalfLife.Duration())
	assert.InDelta(t, 0.3, cfg.Retrieval.Rerank.Weight, 1e-9)
	assert.Equal(t, 500*time.Millisecond, cfg.Retrieval.Timeouts.Embed.Duration())
	// Untouched sections keep defaults.
	assert.Equal(t, "sqlite", cfg.Metastore.Backend)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadWithFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "chromem", cfg.Index.Backend)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: debug\n")
	t.Setenv("QUIVERD_LOGGING_LEVEL", "warn")
	t.Setenv("QUIVERD_RETRIEVAL_OVERFETCH_MARGIN", "25")

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 25, cfg.Retrieval.OverfetchMargin)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad format", "logging:\n  format: xml\n"},
		{"bad policy", "retrieval:\n  rerank:\n    policy: mystery\n"},
		{"bad backend", "index:\n  backend: faiss\n"},
		{"pgvector without dsn", "index:\n  backend: pgvector\n"},
		{"min score out of range", "retrieval:\n  min_score: 1.5\n"},
		{"recency weight out of range", "retrieval:\n  rerank:\n    policy: recency_boosted\n    weight: 1.0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadWithFile(writeConfig(t, tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadRejectsOversizedFile(t *testing.T) {
	big := make([]byte, maxConfigFileSize+1)
	for i := range big {
		big[i] = '#'
	}
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, big, 0o600))

	_, err := LoadWithFile(path)
	assert.Error(t, err)
}

func TestSecretRedaction(t *testing.T) {
	s := Secret("hunter2")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "hunter2", s.Value())
	assert.True(t, s.IsSet())

	data, err := s.MarshalJSON()
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hunter2")

	assert.Equal(t, "", Secret("").String())
}

func TestDurationUnmarshal(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("-5s")))
	assert.Error(t, d.UnmarshalText([]byte("bogus")))
}
