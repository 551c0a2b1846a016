package embedding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbedConfigTruncatesToCollectionDims(t *testing.T) {
	cfg := embedConfig(384)
	assert.Equal(t, "RETRIEVAL_DOCUMENT", cfg.TaskType)
	require.NotNil(t, cfg.OutputDimensionality)
	assert.Equal(t, int32(384), *cfg.OutputDimensionality)
}

func TestNewGenAIEngineRequiresAPIKey(t *testing.T) {
	_, err := NewGenAIEngine("", "gemini-embedding-001", 384)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key")
}

func TestCosineSimilarity(t *testing.T) {
	sim, err := CosineSimilarity([]float32{1, 0}, []float32{1, 0})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, sim, 1e-9)

	sim, err = CosineSimilarity([]float32{1, 0}, []float32{0, 1})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, sim, 1e-9)

	sim, err = CosineSimilarity([]float32{0, 0}, []float32{1, 0})
	require.NoError(t, err)
	assert.Equal(t, 0.0, sim)

	_, err = CosineSimilarity([]float32{1}, []float32{1, 0})
	assert.Error(t, err)
}
