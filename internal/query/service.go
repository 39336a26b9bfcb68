package query

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agent-brain/agent-brain/internal/errors"
	"github.com/agent-brain/agent-brain/internal/graph"
	"github.com/agent-brain/agent-brain/internal/provider"
	"github.com/agent-brain/agent-brain/internal/store"
)

// Mode selects the retrieval strategy.
type Mode string

const (
	ModeVector Mode = "vector"
	ModeBM25   Mode = "bm25"
	ModeHybrid Mode = "hybrid"
	ModeGraph  Mode = "graph"
	ModeMulti  Mode = "multi"
)

// DefaultAlpha is the hybrid vector weight when the request leaves it unset.
const DefaultAlpha = 0.5

// Request is one search. TopK == 0 short-circuits to an empty response
// without touching the backend; callers apply their own default first.
type Request struct {
	Query       string
	TopK        int
	MinScore    float64
	Mode        Mode
	Alpha       *float64
	SourceTypes []string
	Languages   []string
	Rerank      bool
}

// Response carries the ranked results and the end-to-end latency.
type Response struct {
	Results      []store.SearchResult `json:"results"`
	QueryTimeMs  float64              `json:"query_time_ms"`
	TotalResults int                  `json:"total_results"`
}

// Recorder receives per-query telemetry. Implementations must be cheap;
// they run on the request path.
type Recorder interface {
	RecordQuery(mode string, latency time.Duration, resultCount int, query string)
}

// Options tunes validation bounds and fusion parameters.
type Options struct {
	MaxTopK               int
	MaxQueryLength        int
	CandidateMultiple     int
	RerankerMaxCandidates int
	RRFConstant           int
	GraphTraversalDepth   int
}

func (o *Options) defaults() {
	if o.MaxTopK <= 0 {
		o.MaxTopK = 100
	}
	if o.MaxQueryLength <= 0 {
		o.MaxQueryLength = 4096
	}
	if o.CandidateMultiple <= 0 {
		o.CandidateMultiple = 10
	}
	if o.RerankerMaxCandidates <= 0 {
		o.RerankerMaxCandidates = 100
	}
	if o.RRFConstant <= 0 {
		o.RRFConstant = DefaultRRFConstant
	}
	if o.GraphTraversalDepth <= 0 {
		o.GraphTraversalDepth = 2
	}
}

// Service executes queries against the backend. graphIdx is nil when
// graph mode is disabled; reranker and recorder are optional.
type Service struct {
	backend  store.Backend
	embedder provider.Embedder
	reranker provider.Reranker
	graphIdx *graph.Index
	recorder Recorder
	opts     Options
}

func NewService(backend store.Backend, embedder provider.Embedder, opts Options) *Service {
	opts.defaults()
	return &Service{backend: backend, embedder: embedder, opts: opts}
}

// WithReranker attaches a cross-encoder used when requests opt in.
func (s *Service) WithReranker(r provider.Reranker) *Service {
	s.reranker = r
	return s
}

// WithGraph enables graph and multi modes.
func (s *Service) WithGraph(idx *graph.Index) *Service {
	s.graphIdx = idx
	return s
}

// WithRecorder attaches query telemetry.
func (s *Service) WithRecorder(r Recorder) *Service {
	s.recorder = r
	return s
}

// Ready reports whether queries can be served: the collection must carry
// an embedding provenance record.
func (s *Service) Ready(ctx context.Context) (bool, error) {
	meta, err := s.backend.GetEmbeddingMetadata(ctx)
	if err != nil {
		return false, err
	}
	return meta != nil, nil
}

// Search validates, executes the requested mode, optionally reranks, and
// times the whole request.
func (s *Service) Search(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	if err := s.validate(req); err != nil {
		return nil, err
	}
	if req.TopK == 0 {
		return &Response{Results: []store.SearchResult{}}, nil
	}
	if req.TopK > s.opts.MaxTopK {
		req.TopK = s.opts.MaxTopK
	}

	if err := s.checkReadiness(ctx, req); err != nil {
		return nil, err
	}

	results, err := s.execute(ctx, req)
	if err != nil {
		return nil, err
	}

	if req.Rerank && s.reranker != nil && len(results) > 0 {
		results, err = s.rerank(ctx, req.Query, results)
		if err != nil {
			return nil, err
		}
	}
	results = truncateResults(results, req.TopK)
	if results == nil {
		results = []store.SearchResult{}
	}

	elapsed := time.Since(start)
	if s.recorder != nil {
		s.recorder.RecordQuery(string(req.Mode), elapsed, len(results), req.Query)
	}

	return &Response{
		Results:      results,
		QueryTimeMs:  float64(elapsed.Microseconds()) / 1000.0,
		TotalResults: len(results),
	}, nil
}

func (s *Service) validate(req Request) error {
	if strings.TrimSpace(req.Query) == "" {
		return errors.New(errors.ErrCodeQueryEmpty, "query must not be empty", nil)
	}
	if len(req.Query) > s.opts.MaxQueryLength {
		return errors.Newf(errors.ErrCodeQueryTooLong,
			"query length %d exceeds maximum %d", len(req.Query), s.opts.MaxQueryLength)
	}
	if req.TopK < 0 {
		return errors.Newf(errors.ErrCodeInvalidInput, "top_k must be non-negative, got %d", req.TopK)
	}
	if req.MinScore < 0 || req.MinScore > 1 {
		return errors.Newf(errors.ErrCodeInvalidInput, "min_score must be in [0,1], got %g", req.MinScore)
	}
	if req.Alpha != nil && (*req.Alpha < 0 || *req.Alpha > 1) {
		return errors.Newf(errors.ErrCodeInvalidInput, "alpha must be in [0,1], got %g", *req.Alpha)
	}

	switch req.Mode {
	case ModeVector, ModeBM25, ModeHybrid:
	case ModeGraph, ModeMulti:
		if s.graphIdx == nil {
			return errors.Newf(errors.ErrCodeInvalidInput, "mode %q requires the graph index to be enabled", req.Mode)
		}
	default:
		return errors.Newf(errors.ErrCodeInvalidInput, "unknown query mode %q", req.Mode)
	}
	return nil
}

// checkReadiness enforces the provenance requirement and, for modes that
// embed the query, the dimension compatibility check.
func (s *Service) checkReadiness(ctx context.Context, req Request) error {
	meta, err := s.backend.GetEmbeddingMetadata(ctx)
	if err != nil {
		return err
	}
	if meta == nil {
		return errors.New(errors.ErrCodeNotReady, "no documents have been indexed yet", nil).
			WithSuggestion("index a folder before querying")
	}
	if req.Mode == ModeBM25 {
		return nil
	}
	dims := s.embedder.Dimensions()
	if dims == 0 {
		// Lazy providers only learn their dimensionality from the first
		// embed. Embedding the query here makes a mismatch a conflict
		// up front instead of a backend failure mid-search, and the
		// cached embedder turns the real search embed into a cache hit.
		vec, err := s.embedder.Embed(ctx, req.Query)
		if err != nil {
			return err
		}
		dims = len(vec)
	}
	warning, err := store.ValidateCompatibility(
		s.embedder.ProviderName(), s.embedder.ModelName(), dims, meta)
	if err != nil {
		return err
	}
	if warning != "" {
		slog.Warn("embedding_provenance_mismatch", "detail", warning)
	}
	return nil
}

// candidateK is the retrieval depth for fusion and reranking.
func (s *Service) candidateK(topK int) int {
	n := topK * s.opts.CandidateMultiple
	if n > s.opts.RerankerMaxCandidates {
		n = s.opts.RerankerMaxCandidates
	}
	if n < topK {
		n = topK
	}
	return n
}

func (s *Service) execute(ctx context.Context, req Request) ([]store.SearchResult, error) {
	switch req.Mode {
	case ModeVector:
		return s.vectorSearch(ctx, req, req.TopK)
	case ModeBM25:
		return s.backend.KeywordSearch(ctx, req.Query, req.TopK, req.SourceTypes, req.Languages)
	case ModeHybrid:
		return s.hybridSearch(ctx, req)
	case ModeGraph:
		return s.graphSearch(ctx, req, req.TopK)
	case ModeMulti:
		return s.multiSearch(ctx, req)
	}
	return nil, errors.Newf(errors.ErrCodeInternal, "unhandled mode %q", req.Mode)
}

func (s *Service) vectorSearch(ctx context.Context, req Request, topK int) ([]store.SearchResult, error) {
	embedding, err := s.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, err
	}
	return s.backend.VectorSearch(ctx, embedding, topK, req.MinScore, s.metadataFilter(req))
}

// metadataFilter builds the equality filter for vector search from the
// single-valued request filters. Multi-valued filters only apply to BM25.
func (s *Service) metadataFilter(req Request) map[string]string {
	filter := map[string]string{}
	if len(req.SourceTypes) == 1 {
		filter[store.MetaSourceType] = req.SourceTypes[0]
	}
	if len(req.Languages) == 1 {
		filter[store.MetaLanguage] = req.Languages[0]
	}
	if len(filter) == 0 {
		return nil
	}
	return filter
}

func (s *Service) hybridSearch(ctx context.Context, req Request) ([]store.SearchResult, error) {
	alpha := DefaultAlpha
	if req.Alpha != nil {
		alpha = *req.Alpha
	}
	candidates := s.candidateK(req.TopK)

	var vector, keyword []store.SearchResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		vector, err = s.vectorSearch(gctx, req, candidates)
		return err
	})
	g.Go(func() error {
		var err error
		keyword, err = s.backend.KeywordSearch(gctx, req.Query, candidates, req.SourceTypes, req.Languages)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return alphaFuse(vector, keyword, alpha, req.MinScore), nil
}

// graphSearch seeds traversal with query entities and hydrates reached
// chunks from the backend.
func (s *Service) graphSearch(ctx context.Context, req Request, topK int) ([]store.SearchResult, error) {
	seeds := s.graphIdx.MatchEntities(req.Query)
	if len(seeds) == 0 {
		return nil, nil
	}
	hits := s.graphIdx.Traverse(seeds, s.opts.GraphTraversalDepth)

	var results []store.SearchResult
	for _, hit := range hits {
		if len(results) >= topK {
			break
		}
		if hit.Score < req.MinScore {
			continue
		}
		r, err := s.backend.GetByID(ctx, hit.ChunkID)
		if err != nil {
			return nil, err
		}
		if r == nil {
			continue
		}
		r.Score = hit.Score
		results = append(results, *r)
	}
	return results, nil
}

func (s *Service) multiSearch(ctx context.Context, req Request) ([]store.SearchResult, error) {
	candidates := s.candidateK(req.TopK)

	var vector, keyword, graphResults []store.SearchResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		vector, err = s.vectorSearch(gctx, req, candidates)
		return err
	})
	g.Go(func() error {
		var err error
		keyword, err = s.backend.KeywordSearch(gctx, req.Query, candidates, req.SourceTypes, req.Languages)
		return err
	})
	g.Go(func() error {
		var err error
		graphResults, err = s.graphSearch(gctx, req, candidates)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return rrfFuse([][]store.SearchResult{vector, keyword, graphResults}, s.opts.RRFConstant), nil
}

// rerank replaces candidate scores with cross-encoder scores.
func (s *Service) rerank(ctx context.Context, query string, candidates []store.SearchResult) ([]store.SearchResult, error) {
	if len(candidates) > s.opts.RerankerMaxCandidates {
		candidates = candidates[:s.opts.RerankerMaxCandidates]
	}
	texts := make([]string, len(candidates))
	for i, c := range candidates {
		texts[i] = c.Text
	}

	scores, err := s.reranker.Rerank(ctx, query, texts)
	if err != nil {
		return nil, err
	}
	if len(scores) != len(candidates) {
		return nil, errors.Newf(errors.ErrCodeInternal,
			"reranker returned %d scores for %d candidates", len(scores), len(candidates))
	}

	for i := range candidates {
		score := scores[i]
		candidates[i].RerankScore = &score
		candidates[i].Score = score
	}
	sortResults(candidates)
	return candidates, nil
}
