package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-brain/agent-brain/internal/config"
	braerr "github.com/agent-brain/agent-brain/internal/errors"
)

// stubEmbedder counts calls so cache hits are observable.
type stubEmbedder struct {
	calls int32
	dims  int
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (s *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	atomic.AddInt32(&s.calls, int32(len(texts)))
	out := make([][]float32, len(texts))
	for i := range texts {
		vec := make([]float32, s.dims)
		vec[0] = float32(len(texts[i]))
		out[i] = vec
	}
	return out, nil
}

func (s *stubEmbedder) Dimensions() int      { return s.dims }
func (s *stubEmbedder) ModelName() string    { return "stub-model" }
func (s *stubEmbedder) ProviderName() string { return "stub" }
func (s *stubEmbedder) Close() error         { return nil }

func TestCachedEmbedderAvoidsRepeatCalls(t *testing.T) {
	stub := &stubEmbedder{dims: 4}
	cached := NewCachedEmbedder(stub, 10)

	v1, err := cached.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	v2, err := cached.Embed(context.Background(), "hello world")
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Equal(t, int32(1), atomic.LoadInt32(&stub.calls))
}

func TestCachedEmbedderBatchPartialHits(t *testing.T) {
	stub := &stubEmbedder{dims: 4}
	cached := NewCachedEmbedder(stub, 10)

	_, err := cached.Embed(context.Background(), "alpha")
	require.NoError(t, err)

	vecs, err := cached.EmbedBatch(context.Background(), []string{"alpha", "beta", "gamma"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	// alpha was cached; only beta and gamma hit the provider.
	assert.Equal(t, int32(3), atomic.LoadInt32(&stub.calls))
}

func TestOllamaEmbedBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/embed", r.URL.Path)
		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		resp := ollamaEmbedResponse{Embeddings: make([][]float32, len(req.Input))}
		for i := range req.Input {
			resp.Embeddings[i] = []float32{0.1, 0.2, 0.3}
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(srv.URL, "nomic-embed-text")
	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Len(t, vecs, 2)
	assert.Equal(t, 3, e.Dimensions())
}

func TestOpenAIEmbedRestoresInputOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		// Reply in reverse order; the client must restore by index.
		w.Write([]byte(`{"data":[{"index":1,"embedding":[2]},{"index":0,"embedding":[1]}]}`))
	}))
	defer srv.Close()

	e := NewOpenAIEmbedder(srv.URL, "text-embedding-3-small", "sk-test")
	vecs, err := e.EmbedBatch(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	assert.Equal(t, []float32{1}, vecs[0])
	assert.Equal(t, []float32{2}, vecs[1])
}

func TestRetryOnServerError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"embeddings":[[1,2]]}`))
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(srv.URL, "m")
	e.retry = braerr.RetryConfig{MaxRetries: 3, InitialDelay: 1, MaxDelay: 1, Multiplier: 1}

	vecs, err := e.EmbedBatch(context.Background(), []string{"x"})
	require.NoError(t, err)
	assert.Len(t, vecs, 1)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestRateLimitIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(srv.URL, "m")
	e.retry = braerr.RetryConfig{MaxRetries: 1, InitialDelay: 1, MaxDelay: 1, Multiplier: 1}

	_, err := e.EmbedBatch(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.Equal(t, braerr.ErrCodeProviderRateLimited, braerr.GetCode(err))
}

func TestSTRerankerScoresInInputOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/rerank", r.URL.Path)
		w.Write([]byte(`[{"index":1,"score":0.9},{"index":0,"score":0.2}]`))
	}))
	defer srv.Close()

	r := NewSTReranker(srv.URL, "cross-encoder/ms-marco-MiniLM-L-6-v2")
	scores, err := r.Rerank(context.Background(), "q", []string{"d0", "d1"})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.2, 0.9}, scores)
}

func TestParseRating(t *testing.T) {
	assert.Equal(t, 7.5, parseRating("7.5"))
	assert.Equal(t, 8.0, parseRating("I would rate this 8 out of 10"))
	assert.Equal(t, 10.0, parseRating("15"))
	assert.Equal(t, 0.0, parseRating("no number here"))
}

func TestNewEmbedderRequiresAPIKey(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "")
	_, err := NewEmbedder(config.ProviderConfig{Provider: "openai", Model: "m", APIKeyEnv: "TEST_OPENAI_KEY"})
	require.Error(t, err)
	assert.Equal(t, braerr.ErrCodeMissingAPIKey, braerr.GetCode(err))

	t.Setenv("TEST_OPENAI_KEY", "sk-x")
	e, err := NewEmbedder(config.ProviderConfig{Provider: "openai", Model: "m", APIKeyEnv: "TEST_OPENAI_KEY"})
	require.NoError(t, err)
	assert.Equal(t, "openai", e.ProviderName())
}

func TestNewEmbedderAttachesSingleCache(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-x")
	e, err := NewEmbedder(config.ProviderConfig{Provider: "openai", Model: "m", APIKeyEnv: "TEST_OPENAI_KEY"})
	require.NoError(t, err)

	// The registry is the one place the LRU cache is attached; callers
	// get exactly one layer.
	cached, ok := e.(*CachedEmbedder)
	require.True(t, ok)
	_, nested := cached.inner.(*CachedEmbedder)
	assert.False(t, nested)
}

func TestNewRerankerOptional(t *testing.T) {
	r, err := NewReranker(config.RerankerConfig{})
	require.NoError(t, err)
	assert.Nil(t, r)

	_, err = NewReranker(config.RerankerConfig{Provider: "sentence-transformers"})
	require.Error(t, err)
}
