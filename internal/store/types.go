// Package store defines the storage backend contract and its two
// implementations: an embedded backend (chromem vector store with a bleve
// BM25 sidecar) and a Postgres backend (pgvector plus weighted tsvector).
//
// Score normalisation is part of the contract so query-time fusion stays
// backend-agnostic: vector scores map distances into [0,1] (cosine 1-d,
// L2 1/(1+d), inner product -d) and keyword scores are normalised per
// query by the maximum returned score.
package store

import (
	"context"

	"github.com/agent-brain/agent-brain/internal/errors"
)

// Closed metadata vocabularies.
const (
	SourceTypeDoc  = "doc"
	SourceTypeCode = "code"
)

// Well-known metadata keys carried on every chunk.
const (
	MetaSource      = "source"
	MetaSourceType  = "source_type"
	MetaLanguage    = "language"
	MetaFilename    = "filename"
	MetaTitle       = "title"
	MetaSummary     = "summary"
	MetaStartOffset = "start_offset"
	MetaEndOffset   = "end_offset"
	MetaStartLine   = "start_line"
	MetaEndLine     = "end_line"
	MetaContentHash = "content_hash"
)

// SearchResult is a single retrieval hit. Score is normalised within a
// single query to [0,1]; higher is better. The per-signal scores are set
// only when the corresponding retriever contributed.
type SearchResult struct {
	ChunkID     string            `json:"chunk_id"`
	Text        string            `json:"text"`
	Metadata    map[string]string `json:"metadata"`
	Score       float64           `json:"score"`
	VectorScore *float64          `json:"vector_score,omitempty"`
	BM25Score   *float64          `json:"bm25_score,omitempty"`
	RerankScore *float64          `json:"rerank_score,omitempty"`
}

// EmbeddingMetadata is the collection-level embedding provenance triple.
// Set once per collection; only a reset clears it.
type EmbeddingMetadata struct {
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	Dimensions int    `json:"dimensions"`
}

// Backend is the storage contract consumed by the pipeline and the query
// service. Inputs are pre-validated by callers; implementations own the
// index files under the state directory exclusively.
type Backend interface {
	// Initialize creates schema or collections. Idempotent.
	Initialize(ctx context.Context) error

	// UpsertDocuments atomically inserts or replaces chunks. All slices
	// must have equal length; on mismatch the call fails with the backend
	// state unchanged. Returns the number of documents written.
	UpsertDocuments(ctx context.Context, ids []string, embeddings [][]float32, documents []string, metadatas []map[string]string) (int, error)

	// VectorSearch runs kNN over embeddings. Results carry scores in
	// [0,1], higher better, filtered by minScore and the optional
	// metadata equality filter.
	VectorSearch(ctx context.Context, queryEmbedding []float32, topK int, minScore float64, filter map[string]string) ([]SearchResult, error)

	// KeywordSearch runs BM25 over chunk text. sourceTypes and languages
	// restrict candidates before top-k. Scores are max-normalised per
	// query: a non-empty result set always contains a 1.0.
	KeywordSearch(ctx context.Context, query string, topK int, sourceTypes, languages []string) ([]SearchResult, error)

	// Count returns the number of chunks matching the optional filter.
	Count(ctx context.Context, filter map[string]string) (int, error)

	// GetByID returns a single chunk or nil when absent.
	GetByID(ctx context.Context, chunkID string) (*SearchResult, error)

	// Reset wipes all data and the embedding provenance.
	Reset(ctx context.Context) error

	// GetEmbeddingMetadata returns the provenance triple, or nil when the
	// collection has never been written.
	GetEmbeddingMetadata(ctx context.Context) (*EmbeddingMetadata, error)

	// SetEmbeddingMetadata records provenance. Overwriting with a
	// different triple is rejected.
	SetEmbeddingMetadata(ctx context.Context, meta EmbeddingMetadata) error

	Close() error
}

// ValidateCompatibility checks runtime embedding configuration against the
// stored provenance. A dimension mismatch is critical and returned as an
// error; a provider/model-only mismatch degrades to a warning string.
func ValidateCompatibility(provider, model string, dims int, stored *EmbeddingMetadata) (warning string, err error) {
	if stored == nil {
		return "", nil
	}
	if dims != 0 && stored.Dimensions != 0 && dims != stored.Dimensions {
		return "", errors.Newf(errors.ErrCodeDimensionMismatch,
			"embedding dimensions %d do not match collection dimensions %d",
			dims, stored.Dimensions).
			WithSuggestion("reset the index or restore the original embedding model")
	}
	if provider != stored.Provider || model != stored.Model {
		return errors.Newf(errors.ErrCodeProviderMismatch,
			"embedding model %s/%s differs from collection provenance %s/%s",
			provider, model, stored.Provider, stored.Model).Error(), nil
	}
	return "", nil
}

// BM25Config tunes the keyword index.
type BM25Config struct {
	K1             float64
	B              float64
	StopWords      []string
	MinTokenLength int
}

// DefaultBM25Config returns the standard BM25 parameters.
func DefaultBM25Config() BM25Config {
	return BM25Config{
		K1:             1.2,
		B:              0.75,
		StopWords:      DefaultStopWords,
		MinTokenLength: 2,
	}
}

// DefaultStopWords filters high-frequency programming keywords that carry
// no retrieval signal.
var DefaultStopWords = []string{
	"var", "let", "const", "func", "function", "def", "class",
	"return", "if", "else", "for", "while",
	"the", "and", "is", "of", "to", "in",
	"data", "result", "value", "item", "key", "err", "ctx", "tmp",
}

// DistanceMetric names the vector distance functions backends may use.
type DistanceMetric string

const (
	MetricCosine       DistanceMetric = "cosine"
	MetricL2           DistanceMetric = "l2"
	MetricInnerProduct DistanceMetric = "ip"
)

// DistanceToScore maps a raw distance into the normalised [0,1] score
// space, higher better. Results outside the range are clamped.
func DistanceToScore(metric DistanceMetric, distance float64) float64 {
	var score float64
	switch metric {
	case MetricL2:
		score = 1.0 / (1.0 + distance)
	case MetricInnerProduct:
		score = -distance
	default: // cosine
		score = 1.0 - distance
	}
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
