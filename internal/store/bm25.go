package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/registry"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/agent-brain/agent-brain/internal/errors"
)

const (
	// ChunkTokenizerName is the registered name of the code-aware tokenizer.
	ChunkTokenizerName = "chunk_tokenizer"
	// ChunkStopFilterName is the registered name of the stopword filter.
	ChunkStopFilterName = "chunk_stop"
	// ChunkAnalyzerName is the registered name of the chunk analyzer.
	ChunkAnalyzerName = "chunk_analyzer"
)

func init() {
	_ = registry.RegisterTokenizer(ChunkTokenizerName, chunkTokenizerConstructor)
	_ = registry.RegisterTokenFilter(ChunkStopFilterName, chunkStopFilterConstructor)
}

// BM25Index is the persistent keyword sidecar used by the embedded backend.
// Documents carry the chunk text plus the two filterable metadata fields.
type BM25Index struct {
	mu     sync.RWMutex
	index  bleve.Index
	path   string
	config BM25Config
	closed bool
}

type bm25Document struct {
	Content    string `json:"content"`
	SourceType string `json:"source_type"`
	Language   string `json:"language"`
}

// BM25Hit is a raw keyword hit before normalisation.
type BM25Hit struct {
	ChunkID string
	Score   float64
}

// NewBM25Index opens or creates the keyword index at path; an empty path
// builds an in-memory index for tests. A corrupt on-disk index is cleared
// and recreated, requiring a reindex.
func NewBM25Index(path string, config BM25Config) (*BM25Index, error) {
	indexMapping, err := buildIndexMapping()
	if err != nil {
		return nil, err
	}

	var idx bleve.Index
	if path == "" {
		idx, err = bleve.NewMemOnly(indexMapping)
	} else {
		if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
			return nil, errors.Wrap(errors.ErrCodeStateDir, mkErr)
		}

		if validErr := checkIndexIntegrity(path); validErr != nil {
			slog.Warn("bm25_index_corrupted", "path", path, "error", validErr)
			if rmErr := os.RemoveAll(path); rmErr != nil {
				return nil, errors.New(errors.ErrCodeCorruptIndex,
					fmt.Sprintf("corrupt keyword index at %s cannot be cleared", path), rmErr)
			}
			slog.Info("bm25_index_cleared", "path", path)
		}

		idx, err = bleve.Open(path)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.New(path, indexMapping)
		} else if err != nil && isCorruptionError(err) {
			slog.Warn("bm25_index_open_failed", "path", path, "error", err)
			if rmErr := os.RemoveAll(path); rmErr != nil {
				return nil, errors.Wrap(errors.ErrCodeCorruptIndex, rmErr)
			}
			idx, err = bleve.New(path, indexMapping)
		}
	}
	if err != nil {
		return nil, errors.New(errors.ErrCodeCorruptIndex, "open keyword index", err)
	}

	return &BM25Index{index: idx, path: path, config: config}, nil
}

func buildIndexMapping() (*mapping.IndexMappingImpl, error) {
	im := bleve.NewIndexMapping()

	err := im.AddCustomAnalyzer(ChunkAnalyzerName, map[string]interface{}{
		"type":      custom.Name,
		"tokenizer": ChunkTokenizerName,
		"token_filters": []string{
			lowercase.Name,
			ChunkStopFilterName,
		},
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, err)
	}

	contentField := bleve.NewTextFieldMapping()
	contentField.Analyzer = ChunkAnalyzerName

	filterField := bleve.NewTextFieldMapping()
	filterField.Analyzer = keyword.Name

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("content", contentField)
	doc.AddFieldMappingsAt("source_type", filterField)
	doc.AddFieldMappingsAt("language", filterField)

	im.DefaultMapping = doc
	im.DefaultAnalyzer = ChunkAnalyzerName
	return im, nil
}

// Add indexes or replaces documents in one batch.
func (b *BM25Index) Add(ctx context.Context, ids []string, contents []string, metadatas []map[string]string) error {
	if len(ids) == 0 {
		return nil
	}
	if len(ids) != len(contents) || len(ids) != len(metadatas) {
		return errors.Newf(errors.ErrCodeInvalidInput,
			"mismatched batch lengths: %d ids, %d contents, %d metadatas",
			len(ids), len(contents), len(metadatas))
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New(errors.ErrCodeStorageClosed, "keyword index is closed", nil)
	}

	batch := b.index.NewBatch()
	for i, id := range ids {
		doc := bm25Document{
			Content:    contents[i],
			SourceType: metadatas[i][MetaSourceType],
			Language:   metadatas[i][MetaLanguage],
		}
		if err := batch.Index(id, doc); err != nil {
			return errors.Wrap(errors.ErrCodeUpsertFailed, err)
		}
	}
	if err := b.index.Batch(batch); err != nil {
		return errors.Wrap(errors.ErrCodeUpsertFailed, err)
	}
	return nil
}

// Search returns raw BM25 hits for the query, restricted to the given
// source types and languages when non-empty. Scores are unnormalised.
func (b *BM25Index) Search(ctx context.Context, queryStr string, limit int, sourceTypes, languages []string) ([]BM25Hit, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, errors.New(errors.ErrCodeStorageClosed, "keyword index is closed", nil)
	}
	if strings.TrimSpace(queryStr) == "" {
		return []BM25Hit{}, nil
	}

	match := bleve.NewMatchQuery(queryStr)
	match.SetField("content")

	var q query.Query = match
	conjuncts := []query.Query{q}
	if f := termDisjunction("source_type", sourceTypes); f != nil {
		conjuncts = append(conjuncts, f)
	}
	if f := termDisjunction("language", languages); f != nil {
		conjuncts = append(conjuncts, f)
	}
	if len(conjuncts) > 1 {
		q = bleve.NewConjunctionQuery(conjuncts...)
	}

	req := bleve.NewSearchRequest(q)
	req.Size = limit

	result, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeSearchFailed, err)
	}

	hits := make([]BM25Hit, 0, len(result.Hits))
	for _, hit := range result.Hits {
		hits = append(hits, BM25Hit{ChunkID: hit.ID, Score: hit.Score})
	}
	return hits, nil
}

func termDisjunction(field string, values []string) query.Query {
	if len(values) == 0 {
		return nil
	}
	terms := make([]query.Query, 0, len(values))
	for _, v := range values {
		tq := bleve.NewTermQuery(v)
		tq.SetField(field)
		terms = append(terms, tq)
	}
	return bleve.NewDisjunctionQuery(terms...)
}

// CountFiltered counts documents matching the source type and language
// restrictions.
func (b *BM25Index) CountFiltered(ctx context.Context, sourceTypes, languages []string) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0, errors.New(errors.ErrCodeStorageClosed, "keyword index is closed", nil)
	}

	var q query.Query = bleve.NewMatchAllQuery()
	conjuncts := []query.Query{q}
	if f := termDisjunction("source_type", sourceTypes); f != nil {
		conjuncts = append(conjuncts, f)
	}
	if f := termDisjunction("language", languages); f != nil {
		conjuncts = append(conjuncts, f)
	}
	if len(conjuncts) > 1 {
		q = bleve.NewConjunctionQuery(conjuncts...)
	}

	req := bleve.NewSearchRequest(q)
	req.Size = 0

	result, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return 0, errors.Wrap(errors.ErrCodeSearchFailed, err)
	}
	return int(result.Total), nil
}

// Delete removes documents by id.
func (b *BM25Index) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New(errors.ErrCodeStorageClosed, "keyword index is closed", nil)
	}

	batch := b.index.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	if err := b.index.Batch(batch); err != nil {
		return errors.Wrap(errors.ErrCodeUpsertFailed, err)
	}
	return nil
}

// Count returns the number of indexed documents.
func (b *BM25Index) Count() (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0, errors.New(errors.ErrCodeStorageClosed, "keyword index is closed", nil)
	}
	n, err := b.index.DocCount()
	if err != nil {
		return 0, errors.Wrap(errors.ErrCodeSearchFailed, err)
	}
	return int(n), nil
}

// Reset closes the index, removes its files and recreates it empty.
func (b *BM25Index) Reset() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.index != nil && !b.closed {
		_ = b.index.Close()
	}

	if b.path != "" {
		if err := os.RemoveAll(b.path); err != nil {
			return errors.Wrap(errors.ErrCodeStateDir, err)
		}
	}

	indexMapping, err := buildIndexMapping()
	if err != nil {
		return err
	}
	var idx bleve.Index
	if b.path == "" {
		idx, err = bleve.NewMemOnly(indexMapping)
	} else {
		idx, err = bleve.New(b.path, indexMapping)
	}
	if err != nil {
		return errors.Wrap(errors.ErrCodeCorruptIndex, err)
	}
	b.index = idx
	b.closed = false
	return nil
}

// Close closes the index. Further calls fail with a closed error.
func (b *BM25Index) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.index != nil {
		return b.index.Close()
	}
	return nil
}

// checkIndexIntegrity inspects the on-disk bleve layout before opening so a
// truncated index is detected up front rather than mid-query.
func checkIndexIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	metaPath := filepath.Join(path, "index_meta.json")
	info, err := os.Stat(metaPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("index_meta.json missing")
	}
	if err != nil {
		return fmt.Errorf("stat index_meta.json: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("index_meta.json empty")
	}

	data, err := os.ReadFile(metaPath)
	if err != nil {
		return fmt.Errorf("read index_meta.json: %w", err)
	}
	var meta map[string]interface{}
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("index_meta.json corrupt: %w", err)
	}
	return nil
}

func isCorruptionError(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "unexpected end of JSON") ||
		strings.Contains(s, "error parsing mapping JSON") ||
		strings.Contains(s, "failed to load segment") ||
		strings.Contains(s, "error opening bolt") ||
		strings.Contains(s, "no such file or directory") ||
		err == bleve.ErrorIndexMetaCorrupt
}

func chunkTokenizerConstructor(config map[string]interface{}, cache *registry.Cache) (analysis.Tokenizer, error) {
	return &chunkTokenizer{}, nil
}

type chunkTokenizer struct{}

func (t *chunkTokenizer) Tokenize(input []byte) analysis.TokenStream {
	text := string(input)
	tokens := TokenizeText(text)

	result := make(analysis.TokenStream, 0, len(tokens))
	pos := 1
	offset := 0
	for _, token := range tokens {
		start := strings.Index(strings.ToLower(text[offset:]), token)
		if start == -1 {
			start = offset
		} else {
			start += offset
		}
		end := start + len(token)

		result = append(result, &analysis.Token{
			Term:     []byte(token),
			Start:    start,
			End:      end,
			Position: pos,
			Type:     analysis.AlphaNumeric,
		})
		pos++
		if end <= len(text) {
			offset = end
		}
	}
	return result
}

func chunkStopFilterConstructor(config map[string]interface{}, cache *registry.Cache) (analysis.TokenFilter, error) {
	return &chunkStopFilter{stopWords: buildStopWordSet(DefaultStopWords)}, nil
}

type chunkStopFilter struct {
	stopWords map[string]struct{}
}

func (f *chunkStopFilter) Filter(input analysis.TokenStream) analysis.TokenStream {
	result := make(analysis.TokenStream, 0, len(input))
	for _, token := range input {
		if _, stop := f.stopWords[strings.ToLower(string(token.Term))]; !stop {
			result = append(result, token)
		}
	}
	return result
}
