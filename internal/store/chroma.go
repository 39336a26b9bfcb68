package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/agent-brain/agent-brain/internal/errors"
)

const (
	chromaDirName     = "chroma_db"
	bm25DirName       = "bm25_index"
	provenanceFile    = "embedding_metadata.json"
	collectionName    = "chunks"
	upsertConcurrency = 4
)

// ChromaBackend is the embedded backend: a persistent chromem-go vector
// store under chroma_db/ with a bleve BM25 sidecar under bm25_index/.
// Embedding provenance lives in a JSON record next to the collection.
type ChromaBackend struct {
	stateDir string

	mu         sync.RWMutex
	db         *chromem.DB
	collection *chromem.Collection
	bm25       *BM25Index
	closed     bool
}

var _ Backend = (*ChromaBackend)(nil)

// NewChromaBackend creates the embedded backend rooted at stateDir.
func NewChromaBackend(stateDir string) *ChromaBackend {
	return &ChromaBackend{stateDir: stateDir}
}

// Initialize opens or creates the vector store and the keyword sidecar.
func (c *ChromaBackend) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db != nil {
		return nil
	}

	db, err := chromem.NewPersistentDB(filepath.Join(c.stateDir, chromaDirName), false)
	if err != nil {
		return errors.New(errors.ErrCodeCorruptIndex, "open vector store", err)
	}

	// Embeddings are computed upstream by the pipeline; the collection
	// must never embed on its own.
	coll, err := db.GetOrCreateCollection(collectionName, nil, rejectEmbedding)
	if err != nil {
		return errors.New(errors.ErrCodeCorruptIndex, "open collection", err)
	}

	bm25, err := NewBM25Index(filepath.Join(c.stateDir, bm25DirName), DefaultBM25Config())
	if err != nil {
		return err
	}

	c.db = db
	c.collection = coll
	c.bm25 = bm25
	c.closed = false
	return nil
}

func rejectEmbedding(ctx context.Context, text string) ([]float32, error) {
	return nil, errors.New(errors.ErrCodeInternal, "collection must not embed; embeddings are precomputed", nil)
}

// UpsertDocuments writes the batch into the vector store and the keyword
// sidecar. Slice lengths must match; the dimensionality of every embedding
// must equal the recorded provenance.
func (c *ChromaBackend) UpsertDocuments(ctx context.Context, ids []string, embeddings [][]float32, documents []string, metadatas []map[string]string) (int, error) {
	if len(ids) != len(embeddings) || len(ids) != len(documents) || len(ids) != len(metadatas) {
		return 0, errors.Newf(errors.ErrCodeInvalidInput,
			"mismatched batch lengths: %d ids, %d embeddings, %d documents, %d metadatas",
			len(ids), len(embeddings), len(documents), len(metadatas))
	}
	if len(ids) == 0 {
		return 0, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ready(); err != nil {
		return 0, err
	}

	if meta, err := c.readProvenance(); err == nil && meta != nil {
		for i, emb := range embeddings {
			if len(emb) != meta.Dimensions {
				return 0, errors.Newf(errors.ErrCodeDimensionMismatch,
					"embedding %d has %d dimensions, collection has %d", i, len(emb), meta.Dimensions)
			}
		}
	}

	docs := make([]chromem.Document, len(ids))
	for i := range ids {
		docs[i] = chromem.Document{
			ID:        ids[i],
			Content:   documents[i],
			Metadata:  metadatas[i],
			Embedding: embeddings[i],
		}
	}
	if err := c.collection.AddDocuments(ctx, docs, upsertConcurrency); err != nil {
		return 0, errors.Wrap(errors.ErrCodeUpsertFailed, err)
	}

	if err := c.bm25.Add(ctx, ids, documents, metadatas); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// VectorSearch runs cosine kNN. chromem similarity is already cosine, so
// the score is the similarity clamped into [0,1].
func (c *ChromaBackend) VectorSearch(ctx context.Context, queryEmbedding []float32, topK int, minScore float64, filter map[string]string) ([]SearchResult, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.ready(); err != nil {
		return nil, err
	}

	count := c.collection.Count()
	if count == 0 {
		return []SearchResult{}, nil
	}
	if topK > count {
		topK = count
	}

	results, err := c.collection.QueryEmbedding(ctx, queryEmbedding, topK, filter, nil)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeSearchFailed, err)
	}

	out := make([]SearchResult, 0, len(results))
	for _, r := range results {
		score := DistanceToScore(MetricCosine, 1.0-float64(r.Similarity))
		if score < minScore {
			continue
		}
		s := score
		out = append(out, SearchResult{
			ChunkID:     r.ID,
			Text:        r.Content,
			Metadata:    r.Metadata,
			Score:       score,
			VectorScore: &s,
		})
	}
	return out, nil
}

// KeywordSearch runs BM25 over the sidecar and hydrates text and metadata
// from the vector store. Scores are max-normalised per query.
func (c *ChromaBackend) KeywordSearch(ctx context.Context, query string, topK int, sourceTypes, languages []string) ([]SearchResult, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.ready(); err != nil {
		return nil, err
	}

	hits, err := c.bm25.Search(ctx, query, topK, sourceTypes, languages)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return []SearchResult{}, nil
	}

	maxScore := hits[0].Score
	for _, h := range hits {
		if h.Score > maxScore {
			maxScore = h.Score
		}
	}
	if maxScore <= 0 {
		maxScore = 1
	}

	out := make([]SearchResult, 0, len(hits))
	for _, h := range hits {
		doc, err := c.collection.GetByID(ctx, h.ChunkID)
		if err != nil {
			// Sidecar hit with no vector-store row: skip the orphan.
			continue
		}
		norm := h.Score / maxScore
		s := norm
		out = append(out, SearchResult{
			ChunkID:   h.ChunkID,
			Text:      doc.Content,
			Metadata:  doc.Metadata,
			Score:     norm,
			BM25Score: &s,
		})
	}
	return out, nil
}

// Count returns the chunk total. Filters are supported on the two
// filterable metadata fields via the keyword sidecar.
func (c *ChromaBackend) Count(ctx context.Context, filter map[string]string) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.ready(); err != nil {
		return 0, err
	}

	if len(filter) == 0 {
		return c.collection.Count(), nil
	}

	var sourceTypes, languages []string
	for k, v := range filter {
		switch k {
		case MetaSourceType:
			sourceTypes = append(sourceTypes, v)
		case MetaLanguage:
			languages = append(languages, v)
		default:
			return 0, errors.Newf(errors.ErrCodeInvalidInput, "unsupported count filter field %q", k)
		}
	}
	return c.bm25.CountFiltered(ctx, sourceTypes, languages)
}

// GetByID fetches a single chunk, nil when absent.
func (c *ChromaBackend) GetByID(ctx context.Context, chunkID string) (*SearchResult, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.ready(); err != nil {
		return nil, err
	}

	doc, err := c.collection.GetByID(ctx, chunkID)
	if err != nil {
		return nil, nil
	}
	return &SearchResult{ChunkID: doc.ID, Text: doc.Content, Metadata: doc.Metadata}, nil
}

// Reset wipes the collection, the sidecar and the provenance record.
func (c *ChromaBackend) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ready(); err != nil {
		return err
	}

	if err := c.db.DeleteCollection(collectionName); err != nil {
		return errors.Wrap(errors.ErrCodeStorageClosed, err)
	}
	coll, err := c.db.GetOrCreateCollection(collectionName, nil, rejectEmbedding)
	if err != nil {
		return errors.Wrap(errors.ErrCodeCorruptIndex, err)
	}
	c.collection = coll

	if err := c.bm25.Reset(); err != nil {
		return err
	}

	if err := os.Remove(c.provenancePath()); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(errors.ErrCodeStateDir, err)
	}
	return nil
}

// GetEmbeddingMetadata reads the provenance record, nil when never written.
func (c *ChromaBackend) GetEmbeddingMetadata(ctx context.Context) (*EmbeddingMetadata, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.readProvenance()
}

// SetEmbeddingMetadata writes the provenance record once; rewriting the
// same triple is a no-op, a different triple is a conflict.
func (c *ChromaBackend) SetEmbeddingMetadata(ctx context.Context, meta EmbeddingMetadata) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, err := c.readProvenance()
	if err != nil {
		return err
	}
	if existing != nil {
		if *existing == meta {
			return nil
		}
		return errors.Newf(errors.ErrCodeProviderMismatch,
			"embedding provenance already recorded as %s/%s/%d",
			existing.Provider, existing.Model, existing.Dimensions)
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return errors.Wrap(errors.ErrCodeInternal, err)
	}

	path := c.provenancePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(errors.ErrCodeStateDir, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(errors.ErrCodeStateDir, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(errors.ErrCodeStateDir, err)
	}
	return nil
}

// Close closes the keyword sidecar; chromem persists synchronously and has
// no close of its own.
func (c *ChromaBackend) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.bm25 != nil {
		return c.bm25.Close()
	}
	return nil
}

func (c *ChromaBackend) ready() error {
	if c.closed {
		return errors.New(errors.ErrCodeStorageClosed, "backend is closed", nil)
	}
	if c.db == nil {
		return errors.NotReadyError("backend not initialized")
	}
	return nil
}

func (c *ChromaBackend) provenancePath() string {
	return filepath.Join(c.stateDir, chromaDirName, provenanceFile)
}

func (c *ChromaBackend) readProvenance() (*EmbeddingMetadata, error) {
	data, err := os.ReadFile(c.provenancePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(errors.ErrCodeStateDir, err)
	}
	var meta EmbeddingMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, errors.New(errors.ErrCodeCorruptIndex,
			fmt.Sprintf("corrupt provenance record at %s", c.provenancePath()), err)
	}
	return &meta, nil
}
