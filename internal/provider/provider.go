// Package provider defines the capability contracts the core consumes for
// embedding, summarization and reranking, plus the concrete HTTP clients
// and the registry that maps config tags to constructors.
package provider

import "context"

// Embedder produces dense vectors for texts. Dimensions returns 0 until the
// first successful call; callers needing provenance should embed a probe
// text first.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	ModelName() string
	ProviderName() string
	Close() error
}

// Summarizer produces a short summary for a document, used to enrich chunk
// metadata. Optional; a nil Summarizer disables summaries.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
	ModelName() string
	Close() error
}

// Reranker scores (query, document) pairs with a cross-encoder. Scores are
// returned in input order; higher is more relevant.
type Reranker interface {
	Rerank(ctx context.Context, query string, documents []string) ([]float64, error)
	ModelName() string
	Close() error
}
