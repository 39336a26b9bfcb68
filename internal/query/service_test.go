package query

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	braerr "github.com/agent-brain/agent-brain/internal/errors"
	"github.com/agent-brain/agent-brain/internal/graph"
	"github.com/agent-brain/agent-brain/internal/store"
)

type fakeBackend struct {
	store.Backend

	meta    *store.EmbeddingMetadata
	vector  []store.SearchResult
	keyword []store.SearchResult
	byID    map[string]store.SearchResult

	vectorCalls  int
	keywordCalls int
	vectorTopK   int
}

func (f *fakeBackend) GetEmbeddingMetadata(ctx context.Context) (*store.EmbeddingMetadata, error) {
	return f.meta, nil
}

func (f *fakeBackend) VectorSearch(ctx context.Context, embedding []float32, topK int, minScore float64, filter map[string]string) ([]store.SearchResult, error) {
	f.vectorCalls++
	f.vectorTopK = topK
	var out []store.SearchResult
	for _, r := range f.vector {
		if r.Score >= minScore {
			out = append(out, r)
		}
	}
	return truncateResults(out, topK), nil
}

func (f *fakeBackend) KeywordSearch(ctx context.Context, query string, topK int, sourceTypes, languages []string) ([]store.SearchResult, error) {
	f.keywordCalls++
	return truncateResults(f.keyword, topK), nil
}

func (f *fakeBackend) GetByID(ctx context.Context, chunkID string) (*store.SearchResult, error) {
	if r, ok := f.byID[chunkID]; ok {
		return &r, nil
	}
	return nil, nil
}

type fixedEmbedder struct {
	dims int
}

func (e fixedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func (e fixedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (e fixedEmbedder) Dimensions() int      { return e.dims }
func (e fixedEmbedder) ModelName() string    { return "test-model" }
func (e fixedEmbedder) ProviderName() string { return "test" }
func (e fixedEmbedder) Close() error         { return nil }

// lazyEmbedder reports zero dimensions until the first embed, like the
// real provider clients do.
type lazyEmbedder struct {
	dims int
}

func (e *lazyEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.dims = 768
	return make([]float32, e.dims), nil
}

func (e *lazyEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i], _ = e.Embed(ctx, texts[i])
	}
	return out, nil
}

func (e *lazyEmbedder) Dimensions() int      { return e.dims }
func (e *lazyEmbedder) ModelName() string    { return "test-model" }
func (e *lazyEmbedder) ProviderName() string { return "test" }
func (e *lazyEmbedder) Close() error         { return nil }

type fixedReranker struct {
	scores []float64
}

func (r fixedReranker) Rerank(ctx context.Context, query string, documents []string) ([]float64, error) {
	return r.scores[:len(documents)], nil
}

func (r fixedReranker) ModelName() string { return "test-reranker" }
func (r fixedReranker) Close() error      { return nil }

func readyBackend() *fakeBackend {
	return &fakeBackend{
		meta: &store.EmbeddingMetadata{Provider: "test", Model: "test-model", Dimensions: 3},
	}
}

func newService(backend *fakeBackend) *Service {
	return NewService(backend, fixedEmbedder{dims: 3}, Options{})
}

func TestSearchValidation(t *testing.T) {
	svc := newService(readyBackend())
	ctx := context.Background()

	cases := []struct {
		name string
		req  Request
		code string
	}{
		{"empty query", Request{Query: "  ", TopK: 5, Mode: ModeVector}, braerr.ErrCodeQueryEmpty},
		{"too long", Request{Query: strings.Repeat("x", 5000), TopK: 5, Mode: ModeVector}, braerr.ErrCodeQueryTooLong},
		{"negative top_k", Request{Query: "q", TopK: -1, Mode: ModeVector}, braerr.ErrCodeInvalidInput},
		{"bad mode", Request{Query: "q", TopK: 5, Mode: "fuzzy"}, braerr.ErrCodeInvalidInput},
		{"bad min_score", Request{Query: "q", TopK: 5, Mode: ModeVector, MinScore: 1.5}, braerr.ErrCodeInvalidInput},
		{"graph disabled", Request{Query: "q", TopK: 5, Mode: ModeGraph}, braerr.ErrCodeInvalidInput},
		{"multi disabled", Request{Query: "q", TopK: 5, Mode: ModeMulti}, braerr.ErrCodeInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Search(ctx, tc.req)
			require.Error(t, err)
			assert.Equal(t, tc.code, braerr.GetCode(err))
		})
	}

	alpha := 1.5
	_, err := svc.Search(ctx, Request{Query: "q", TopK: 5, Mode: ModeHybrid, Alpha: &alpha})
	require.Error(t, err)
	assert.Equal(t, braerr.ErrCodeInvalidInput, braerr.GetCode(err))
}

func TestSearchTopKZeroSkipsBackend(t *testing.T) {
	backend := readyBackend()
	svc := newService(backend)

	resp, err := svc.Search(context.Background(), Request{Query: "q", TopK: 0, Mode: ModeVector})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.Zero(t, backend.vectorCalls)
}

func TestSearchNotReadyWithoutProvenance(t *testing.T) {
	svc := newService(&fakeBackend{})
	_, err := svc.Search(context.Background(), Request{Query: "q", TopK: 5, Mode: ModeVector})
	require.Error(t, err)
	assert.Equal(t, braerr.ErrCodeNotReady, braerr.GetCode(err))
}

func TestSearchDimensionMismatchConflicts(t *testing.T) {
	backend := readyBackend()
	backend.meta.Dimensions = 1536
	svc := newService(backend)

	_, err := svc.Search(context.Background(), Request{Query: "q", TopK: 5, Mode: ModeVector})
	require.Error(t, err)
	assert.Equal(t, braerr.ErrCodeDimensionMismatch, braerr.GetCode(err))
	assert.Contains(t, err.Error(), "1536")
	assert.Contains(t, err.Error(), "3")
}

func TestSearchLazyEmbedderDimensionMismatch(t *testing.T) {
	backend := readyBackend()
	backend.meta.Dimensions = 3072
	svc := NewService(backend, &lazyEmbedder{}, Options{})

	// The embedder has not embedded anything yet, so its dimensionality
	// is unknown; readiness must learn it and still reject the query.
	_, err := svc.Search(context.Background(), Request{Query: "q", TopK: 5, Mode: ModeVector})
	require.Error(t, err)
	assert.Equal(t, braerr.ErrCodeDimensionMismatch, braerr.GetCode(err))
	assert.Zero(t, backend.vectorCalls)
}

func TestSearchBM25SkipsDimensionCheck(t *testing.T) {
	backend := readyBackend()
	backend.meta.Dimensions = 1536
	backend.keyword = []store.SearchResult{result("k1", 1.0)}
	svc := newService(backend)

	resp, err := svc.Search(context.Background(), Request{Query: "q", TopK: 5, Mode: ModeBM25})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 1)
}

func TestSearchVectorMode(t *testing.T) {
	backend := readyBackend()
	backend.vector = []store.SearchResult{result("a", 0.9), result("b", 0.4)}
	svc := newService(backend)

	resp, err := svc.Search(context.Background(), Request{Query: "q", TopK: 5, Mode: ModeVector, MinScore: 0.5})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "a", resp.Results[0].ChunkID)
	assert.Equal(t, 5, backend.vectorTopK)
	assert.GreaterOrEqual(t, resp.QueryTimeMs, 0.0)
	assert.Equal(t, 1, resp.TotalResults)
}

func TestSearchHybridFetchesCandidatePool(t *testing.T) {
	backend := readyBackend()
	backend.vector = []store.SearchResult{result("a", 0.9)}
	backend.keyword = []store.SearchResult{result("a", 1.0), result("b", 0.5)}
	svc := newService(backend)

	resp, err := svc.Search(context.Background(), Request{Query: "q", TopK: 2, Mode: ModeHybrid})
	require.NoError(t, err)
	// top_k × 10 candidates, capped at 100.
	assert.Equal(t, 20, backend.vectorTopK)
	assert.Equal(t, 1, backend.keywordCalls)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "a", resp.Results[0].ChunkID)
}

func TestSearchHybridAlphaOneMatchesVectorOrder(t *testing.T) {
	backend := readyBackend()
	backend.vector = []store.SearchResult{result("a", 0.9), result("b", 0.7)}
	backend.keyword = []store.SearchResult{result("b", 1.0)}
	svc := newService(backend)

	alpha := 1.0
	resp, err := svc.Search(context.Background(), Request{Query: "q", TopK: 2, Mode: ModeHybrid, Alpha: &alpha})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "a", resp.Results[0].ChunkID)
	assert.Equal(t, "b", resp.Results[1].ChunkID)
}

func TestSearchGraphMode(t *testing.T) {
	idx, err := graph.Open(t.TempDir())
	require.NoError(t, err)
	idx.AddTriplets("chunk-1", []graph.Triplet{
		{Subject: "fastapi", Relation: "is a", Object: "framework"},
	})

	backend := readyBackend()
	backend.byID = map[string]store.SearchResult{
		"chunk-1": result("chunk-1", 0),
	}
	svc := newService(backend).WithGraph(idx)

	resp, err := svc.Search(context.Background(), Request{Query: "tell me about fastapi", TopK: 5, Mode: ModeGraph})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "chunk-1", resp.Results[0].ChunkID)
	assert.Equal(t, 1.0, resp.Results[0].Score)

	// No entities in the query means no results, not an error.
	resp, err = svc.Search(context.Background(), Request{Query: "nothing known here", TopK: 5, Mode: ModeGraph})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
}

func TestSearchMultiModeFusesAllRetrievers(t *testing.T) {
	idx, err := graph.Open(t.TempDir())
	require.NoError(t, err)
	idx.AddTriplets("g1", []graph.Triplet{
		{Subject: "fastapi", Relation: "is a", Object: "framework"},
	})

	backend := readyBackend()
	backend.vector = []store.SearchResult{result("v1", 0.9), result("g1", 0.8)}
	backend.keyword = []store.SearchResult{result("g1", 1.0)}
	backend.byID = map[string]store.SearchResult{"g1": result("g1", 0)}
	svc := newService(backend).WithGraph(idx)

	resp, err := svc.Search(context.Background(), Request{Query: "fastapi docs", TopK: 5, Mode: ModeMulti})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	// g1 is present in all three lists and must rank first.
	assert.Equal(t, "g1", resp.Results[0].ChunkID)
}

func TestSearchRerankReplacesScores(t *testing.T) {
	backend := readyBackend()
	backend.vector = []store.SearchResult{result("a", 0.9), result("b", 0.8)}
	svc := newService(backend).WithReranker(fixedReranker{scores: []float64{0.1, 0.95}})

	resp, err := svc.Search(context.Background(), Request{Query: "q", TopK: 2, Mode: ModeVector, Rerank: true})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "b", resp.Results[0].ChunkID)
	require.NotNil(t, resp.Results[0].RerankScore)
	assert.Equal(t, 0.95, resp.Results[0].Score)
}

func TestSearchClampsTopK(t *testing.T) {
	backend := readyBackend()
	svc := NewService(backend, fixedEmbedder{dims: 3}, Options{MaxTopK: 10})

	_, err := svc.Search(context.Background(), Request{Query: "q", TopK: 500, Mode: ModeVector})
	require.NoError(t, err)
	assert.Equal(t, 10, backend.vectorTopK)
}

type captureRecorder struct {
	mode    string
	latency time.Duration
	count   int
	query   string
}

func (c *captureRecorder) RecordQuery(mode string, latency time.Duration, resultCount int, query string) {
	c.mode, c.latency, c.count, c.query = mode, latency, resultCount, query
}

func TestSearchRecordsTelemetry(t *testing.T) {
	backend := readyBackend()
	rec := &captureRecorder{}
	svc := newService(backend).WithRecorder(rec)

	_, err := svc.Search(context.Background(), Request{Query: "nothing matches", TopK: 5, Mode: ModeVector})
	require.NoError(t, err)
	assert.Equal(t, "vector", rec.mode)
	assert.Zero(t, rec.count)
	assert.Equal(t, "nothing matches", rec.query)
}

func TestReady(t *testing.T) {
	svc := newService(&fakeBackend{})
	ready, err := svc.Ready(context.Background())
	require.NoError(t, err)
	assert.False(t, ready)

	svc = newService(readyBackend())
	ready, err = svc.Ready(context.Background())
	require.NoError(t, err)
	assert.True(t, ready)
}
