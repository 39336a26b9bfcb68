package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	braerr "github.com/agent-brain/agent-brain/internal/errors"
)

func newChroma(t *testing.T) *ChromaBackend {
	t.Helper()
	b := NewChromaBackend(t.TempDir())
	require.NoError(t, b.Initialize(context.Background()))
	t.Cleanup(func() { b.Close() })
	return b
}

func seedChroma(t *testing.T, b *ChromaBackend) {
	t.Helper()
	_, err := b.UpsertDocuments(context.Background(),
		[]string{"c1", "c2", "c3"},
		[][]float32{{1, 0, 0}, {0, 1, 0}, {0.9, 0.1, 0}},
		[]string{
			"connection pool setup for postgres",
			"chunking overlapping windows of text",
			"database connection retry with backoff",
		},
		[]map[string]string{
			{MetaSourceType: SourceTypeCode, MetaLanguage: "go", MetaSource: "a.go"},
			{MetaSourceType: SourceTypeDoc, MetaLanguage: "en", MetaSource: "b.md"},
			{MetaSourceType: SourceTypeCode, MetaLanguage: "go", MetaSource: "c.go"},
		})
	require.NoError(t, err)
}

func TestChromaUpsertAndVectorSearch(t *testing.T) {
	b := newChroma(t)
	seedChroma(t, b)

	results, err := b.VectorSearch(context.Background(), []float32{1, 0, 0}, 3, 0, nil)
	require.NoError(t, err)
	require.NotEmpty(t, results)

	assert.Equal(t, "c1", results[0].ChunkID)
	for _, r := range results {
		assert.GreaterOrEqual(t, r.Score, 0.0)
		assert.LessOrEqual(t, r.Score, 1.0)
		require.NotNil(t, r.VectorScore)
	}
}

func TestChromaVectorSearchMinScore(t *testing.T) {
	b := newChroma(t)
	seedChroma(t, b)

	results, err := b.VectorSearch(context.Background(), []float32{1, 0, 0}, 3, 0.95, nil)
	require.NoError(t, err)
	for _, r := range results {
		assert.GreaterOrEqual(t, r.Score, 0.95)
	}
}

func TestChromaVectorSearchMetadataFilter(t *testing.T) {
	b := newChroma(t)
	seedChroma(t, b)

	results, err := b.VectorSearch(context.Background(), []float32{1, 0, 0}, 3, 0,
		map[string]string{MetaSourceType: SourceTypeDoc})
	require.NoError(t, err)
	for _, r := range results {
		assert.Equal(t, SourceTypeDoc, r.Metadata[MetaSourceType])
	}
}

func TestChromaKeywordSearchMaxNormalised(t *testing.T) {
	b := newChroma(t)
	seedChroma(t, b)

	results, err := b.KeywordSearch(context.Background(), "database connection", 10, nil, nil)
	require.NoError(t, err)
	require.NotEmpty(t, results)

	var sawMax bool
	for _, r := range results {
		assert.LessOrEqual(t, r.Score, 1.0)
		if r.Score == 1.0 {
			sawMax = true
		}
		require.NotNil(t, r.BM25Score)
	}
	assert.True(t, sawMax, "top keyword score must normalise to 1.0")
}

func TestChromaCountAndGetByID(t *testing.T) {
	b := newChroma(t)
	seedChroma(t, b)

	n, err := b.Count(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = b.Count(context.Background(), map[string]string{MetaSourceType: SourceTypeCode})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := b.GetByID(context.Background(), "c2")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "b.md", got.Metadata[MetaSource])

	missing, err := b.GetByID(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestChromaMismatchedBatchLeavesStateUnchanged(t *testing.T) {
	b := newChroma(t)
	seedChroma(t, b)

	_, err := b.UpsertDocuments(context.Background(),
		[]string{"x1", "x2"},
		[][]float32{{1, 0, 0}},
		[]string{"one", "two"},
		[]map[string]string{{}, {}})
	require.Error(t, err)

	n, err := b.Count(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestChromaProvenanceLifecycle(t *testing.T) {
	b := newChroma(t)

	meta, err := b.GetEmbeddingMetadata(context.Background())
	require.NoError(t, err)
	assert.Nil(t, meta)

	triple := EmbeddingMetadata{Provider: "ollama", Model: "nomic-embed-text", Dimensions: 3}
	require.NoError(t, b.SetEmbeddingMetadata(context.Background(), triple))
	// Same triple again is a no-op.
	require.NoError(t, b.SetEmbeddingMetadata(context.Background(), triple))

	err = b.SetEmbeddingMetadata(context.Background(),
		EmbeddingMetadata{Provider: "openai", Model: "text-embedding-3-small", Dimensions: 1536})
	require.Error(t, err)

	got, err := b.GetEmbeddingMetadata(context.Background())
	require.NoError(t, err)
	assert.Equal(t, triple, *got)
}

func TestChromaDimensionMismatchBlocksUpsert(t *testing.T) {
	b := newChroma(t)
	require.NoError(t, b.SetEmbeddingMetadata(context.Background(),
		EmbeddingMetadata{Provider: "ollama", Model: "m", Dimensions: 3}))

	_, err := b.UpsertDocuments(context.Background(),
		[]string{"c1"},
		[][]float32{{1, 0, 0, 0}},
		[]string{"text"},
		[]map[string]string{{}})
	require.Error(t, err)
	assert.Equal(t, braerr.ErrCodeDimensionMismatch, braerr.GetCode(err))
}

func TestChromaResetClearsEverything(t *testing.T) {
	b := newChroma(t)
	seedChroma(t, b)
	require.NoError(t, b.SetEmbeddingMetadata(context.Background(),
		EmbeddingMetadata{Provider: "ollama", Model: "m", Dimensions: 3}))

	require.NoError(t, b.Reset(context.Background()))

	n, err := b.Count(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	meta, err := b.GetEmbeddingMetadata(context.Background())
	require.NoError(t, err)
	assert.Nil(t, meta)

	results, err := b.KeywordSearch(context.Background(), "database", 10, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestChromaUpsertVisibleImmediately(t *testing.T) {
	b := newChroma(t)

	_, err := b.UpsertDocuments(context.Background(),
		[]string{"fresh"},
		[][]float32{{0, 0, 1}},
		[]string{"freshly indexed chunk"},
		[]map[string]string{{MetaSourceType: SourceTypeDoc, MetaLanguage: "en"}})
	require.NoError(t, err)

	got, err := b.GetByID(context.Background(), "fresh")
	require.NoError(t, err)
	require.NotNil(t, got)

	results, err := b.VectorSearch(context.Background(), []float32{0, 0, 1}, 1, 0, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "fresh", results[0].ChunkID)
}
