package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "embedded", cfg.Vector.Provider)
	assert.Equal(t, 384, cfg.Embedding.Dimensions)
	assert.Equal(t, 4, cfg.Tasks.Workers)
	assert.Equal(t, 500*time.Millisecond, cfg.Tasks.PollInterval)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "webintel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
llm:
  endpoint: http://model-host:11434
  model: llama3
crawl:
  max_total_pages: 200
vector:
  provider: qdrant
  host: qdrant.local
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://model-host:11434", cfg.LLM.Endpoint)
	assert.Equal(t, "llama3", cfg.LLM.Model)
	assert.Equal(t, 200, cfg.Crawl.MaxTotalPages)
	assert.Equal(t, "qdrant", cfg.Vector.Provider)
	// Untouched keys keep their defaults.
	assert.Equal(t, 2, cfg.Crawl.MaxDepth)
	assert.Equal(t, float64(35), cfg.Crawl.ScoreThreshold)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().LLM.Model, cfg.LLM.Model)
}

func TestLoadMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("llm: [not: a map"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("WEBINTEL_LLM_MODEL", "qwen3:8b")
	t.Setenv("WEBINTEL_CRAWL_MAX_TOTAL_PAGES", "7")
	t.Setenv("WEBINTEL_CHAT_QUALITY_THRESHOLD", "0.55")
	t.Setenv("WEBINTEL_TASK_POLL_INTERVAL", "2s")
	t.Setenv("WEBINTEL_CRAWL_USE_LLM_LINK_RANK", "true")
	t.Setenv("WEBINTEL_LLM_RETRIES", "not-a-number")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()

	assert.Equal(t, "qwen3:8b", cfg.LLM.Model)
	assert.Equal(t, 7, cfg.Crawl.MaxTotalPages)
	assert.Equal(t, 0.55, cfg.Chat.QualityThreshold)
	assert.Equal(t, 2*time.Second, cfg.Tasks.PollInterval)
	assert.True(t, cfg.Crawl.UseLLMLinkRank)
	assert.Equal(t, 3, cfg.LLM.Retries, "malformed env values are ignored")
}

func TestValidateRejections(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Embedding.Dimensions = 0
	assert.ErrorContains(t, cfg.Validate(), "dimensions")

	cfg = DefaultConfig()
	cfg.Tasks.Workers = 0
	assert.ErrorContains(t, cfg.Validate(), "workers")

	cfg = DefaultConfig()
	cfg.Vector.Provider = "pinecone"
	assert.ErrorContains(t, cfg.Validate(), "vector provider")

	cfg = DefaultConfig()
	cfg.Embedding.Provider = "openai"
	assert.ErrorContains(t, cfg.Validate(), "embedding provider")
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	cfg := DefaultConfig()
	cfg.LLM.Model = "custom"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "custom", loaded.LLM.Model)
}
