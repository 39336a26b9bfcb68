package store

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	pgvector "github.com/pgvector/pgvector-go"

	"github.com/agent-brain/agent-brain/internal/errors"
)

// PgxPool is the subset of pgxpool.Pool the backend uses; pgxmock
// implements it for tests.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// PostgresOptions tunes the relational backend.
type PostgresOptions struct {
	URL                string
	PoolSize           int
	Language           string
	Metric             DistanceMetric
	HNSWM              int
	HNSWEfConstruction int
}

// PostgresBackend stores chunks in a single documents table: pgvector
// embeddings for kNN and a weighted tsvector (title A, summary B, body C)
// for keyword search.
type PostgresBackend struct {
	opts PostgresOptions

	mu     sync.RWMutex
	pool   PgxPool
	closed bool
}

var _ Backend = (*PostgresBackend)(nil)

// NewPostgresBackend creates the backend; Initialize connects.
func NewPostgresBackend(opts PostgresOptions) *PostgresBackend {
	if opts.Language == "" {
		opts.Language = "english"
	}
	if opts.Metric == "" {
		opts.Metric = MetricCosine
	}
	if opts.HNSWM == 0 {
		opts.HNSWM = 16
	}
	if opts.HNSWEfConstruction == 0 {
		opts.HNSWEfConstruction = 64
	}
	return &PostgresBackend{opts: opts}
}

// NewPostgresBackendWithPool injects a pool, used by tests with pgxmock.
func NewPostgresBackendWithPool(pool PgxPool, opts PostgresOptions) *PostgresBackend {
	b := NewPostgresBackend(opts)
	b.pool = pool
	return b
}

// Initialize connects with startup retry, registers the vector type and
// creates the schema. Idempotent.
func (p *PostgresBackend) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pool == nil {
		cfg, err := pgxpool.ParseConfig(p.opts.URL)
		if err != nil {
			return errors.New(errors.ErrCodeConfigInvalid, "parse database url", err)
		}
		if p.opts.PoolSize > 0 {
			cfg.MaxConns = int32(p.opts.PoolSize)
		}
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			return pgxvec.RegisterTypes(ctx, conn)
		}

		retry := errors.DefaultRetryConfig()
		retry.InitialDelay = 500 * time.Millisecond
		pool, err := errors.RetryWithResult(ctx, retry, func() (*pgxpool.Pool, error) {
			pool, err := pgxpool.NewWithConfig(ctx, cfg)
			if err != nil {
				return nil, errors.Wrap(errors.ErrCodeProviderUnavailable, err)
			}
			if err := pool.Ping(ctx); err != nil {
				pool.Close()
				return nil, errors.Wrap(errors.ErrCodeProviderUnavailable, err)
			}
			return pool, nil
		})
		if err != nil {
			return errors.New(errors.ErrCodeStorageClosed, "connect to postgres", err)
		}
		p.pool = pool
	}

	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS embedding_metadata (
			singleton BOOLEAN PRIMARY KEY DEFAULT TRUE CHECK (singleton),
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			dimensions INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return errors.Wrap(errors.ErrCodeStorageClosed, err)
		}
	}

	// The documents table needs the embedding dimensionality; create it
	// now when provenance already exists, otherwise at provenance write.
	meta, err := p.getMetadataLocked(ctx)
	if err != nil {
		return err
	}
	if meta != nil {
		return p.ensureDocumentsTable(ctx, meta.Dimensions)
	}
	return nil
}

func (p *PostgresBackend) ensureDocumentsTable(ctx context.Context, dims int) error {
	opclass := map[DistanceMetric]string{
		MetricCosine:       "vector_cosine_ops",
		MetricL2:           "vector_l2_ops",
		MetricInnerProduct: "vector_ip_ops",
	}[p.opts.Metric]

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS documents (
			chunk_id TEXT PRIMARY KEY,
			document_text TEXT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}',
			embedding VECTOR(%d),
			tsv TSVECTOR,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, dims),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS documents_embedding_idx
			ON documents USING hnsw (embedding %s)
			WITH (m = %d, ef_construction = %d)`,
			opclass, p.opts.HNSWM, p.opts.HNSWEfConstruction),
		`CREATE INDEX IF NOT EXISTS documents_tsv_idx ON documents USING gin (tsv)`,
		`CREATE INDEX IF NOT EXISTS documents_metadata_idx ON documents USING gin (metadata jsonb_path_ops)`,
	}
	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return errors.Wrap(errors.ErrCodeStorageClosed, err)
		}
	}
	return nil
}

const upsertSQL = `
	INSERT INTO documents (chunk_id, document_text, metadata, embedding, tsv, updated_at)
	VALUES ($1, $2, $3, $4,
		setweight(to_tsvector($5::regconfig, coalesce($6, '')), 'A') ||
		setweight(to_tsvector($5::regconfig, coalesce($7, '')), 'B') ||
		setweight(to_tsvector($5::regconfig, $2), 'C'),
		now())
	ON CONFLICT (chunk_id) DO UPDATE SET
		document_text = EXCLUDED.document_text,
		metadata = EXCLUDED.metadata,
		embedding = EXCLUDED.embedding,
		tsv = EXCLUDED.tsv,
		updated_at = now()`

// UpsertDocuments writes the batch in one transaction so a failure leaves
// the table unchanged.
func (p *PostgresBackend) UpsertDocuments(ctx context.Context, ids []string, embeddings [][]float32, documents []string, metadatas []map[string]string) (int, error) {
	if len(ids) != len(embeddings) || len(ids) != len(documents) || len(ids) != len(metadatas) {
		return 0, errors.Newf(errors.ErrCodeInvalidInput,
			"mismatched batch lengths: %d ids, %d embeddings, %d documents, %d metadatas",
			len(ids), len(embeddings), len(documents), len(metadatas))
	}
	if len(ids) == 0 {
		return 0, nil
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.ready(); err != nil {
		return 0, err
	}

	meta, err := p.getMetadataLocked(ctx)
	if err != nil {
		return 0, err
	}
	if meta != nil {
		for i, emb := range embeddings {
			if len(emb) != meta.Dimensions {
				return 0, errors.Newf(errors.ErrCodeDimensionMismatch,
					"embedding %d has %d dimensions, collection has %d", i, len(emb), meta.Dimensions)
			}
		}
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, errors.Wrap(errors.ErrCodeUpsertFailed, err)
	}
	defer tx.Rollback(ctx)

	for i, id := range ids {
		metaJSON, err := json.Marshal(metadatas[i])
		if err != nil {
			return 0, errors.Wrap(errors.ErrCodeInternal, err)
		}
		_, err = tx.Exec(ctx, upsertSQL,
			id, documents[i], metaJSON, pgvector.NewVector(embeddings[i]),
			p.opts.Language, metadatas[i][MetaTitle], metadatas[i][MetaSummary])
		if err != nil {
			return 0, errors.Wrap(errors.ErrCodeUpsertFailed, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, errors.Wrap(errors.ErrCodeUpsertFailed, err)
	}
	return len(ids), nil
}

// VectorSearch runs kNN with the configured distance operator and maps
// distances into normalised scores.
func (p *PostgresBackend) VectorSearch(ctx context.Context, queryEmbedding []float32, topK int, minScore float64, filter map[string]string) ([]SearchResult, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.ready(); err != nil {
		return nil, err
	}

	operator := map[DistanceMetric]string{
		MetricCosine:       "<=>",
		MetricL2:           "<->",
		MetricInnerProduct: "<#>",
	}[p.opts.Metric]

	sql := fmt.Sprintf(`
		SELECT chunk_id, document_text, metadata, embedding %s $1 AS distance
		FROM documents`, operator)
	args := []any{pgvector.NewVector(queryEmbedding)}
	if len(filter) > 0 {
		filterJSON, err := json.Marshal(filter)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeInternal, err)
		}
		sql += ` WHERE metadata @> $2`
		args = append(args, filterJSON)
	}
	sql += fmt.Sprintf(` ORDER BY distance LIMIT %d`, topK)

	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		if undefinedTable(err) {
			return []SearchResult{}, nil
		}
		return nil, errors.Wrap(errors.ErrCodeSearchFailed, err)
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var (
			id, text string
			metaJSON []byte
			distance float64
		)
		if err := rows.Scan(&id, &text, &metaJSON, &distance); err != nil {
			return nil, errors.Wrap(errors.ErrCodeSearchFailed, err)
		}
		score := DistanceToScore(p.opts.Metric, distance)
		if score < minScore {
			continue
		}
		md, err := decodeMetadata(metaJSON)
		if err != nil {
			return nil, err
		}
		s := score
		out = append(out, SearchResult{
			ChunkID: id, Text: text, Metadata: md, Score: score, VectorScore: &s,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeSearchFailed, err)
	}
	if out == nil {
		out = []SearchResult{}
	}
	return out, nil
}

// KeywordSearch ranks with ts_rank_cd over the weighted tsvector, applies
// the closed-set filters before the limit and max-normalises scores.
func (p *PostgresBackend) KeywordSearch(ctx context.Context, query string, topK int, sourceTypes, languages []string) ([]SearchResult, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.ready(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(query) == "" {
		return []SearchResult{}, nil
	}

	sql := `
		SELECT chunk_id, document_text, metadata,
			ts_rank_cd(tsv, plainto_tsquery($1::regconfig, $2)) AS rank
		FROM documents
		WHERE tsv @@ plainto_tsquery($1::regconfig, $2)`
	args := []any{p.opts.Language, query}
	if len(sourceTypes) > 0 {
		args = append(args, sourceTypes)
		sql += fmt.Sprintf(` AND metadata->>'source_type' = ANY($%d)`, len(args))
	}
	if len(languages) > 0 {
		args = append(args, languages)
		sql += fmt.Sprintf(` AND metadata->>'language' = ANY($%d)`, len(args))
	}
	sql += fmt.Sprintf(` ORDER BY rank DESC LIMIT %d`, topK)

	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		if undefinedTable(err) {
			return []SearchResult{}, nil
		}
		return nil, errors.Wrap(errors.ErrCodeSearchFailed, err)
	}
	defer rows.Close()

	var out []SearchResult
	var maxRank float64
	for rows.Next() {
		var (
			id, text string
			metaJSON []byte
			rank     float64
		)
		if err := rows.Scan(&id, &text, &metaJSON, &rank); err != nil {
			return nil, errors.Wrap(errors.ErrCodeSearchFailed, err)
		}
		md, err := decodeMetadata(metaJSON)
		if err != nil {
			return nil, err
		}
		if rank > maxRank {
			maxRank = rank
		}
		out = append(out, SearchResult{ChunkID: id, Text: text, Metadata: md, Score: rank})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeSearchFailed, err)
	}

	if maxRank <= 0 {
		maxRank = 1
	}
	for i := range out {
		norm := out[i].Score / maxRank
		out[i].Score = norm
		s := norm
		out[i].BM25Score = &s
	}
	if out == nil {
		out = []SearchResult{}
	}
	return out, nil
}

// Count returns the number of chunks matching the optional containment
// filter.
func (p *PostgresBackend) Count(ctx context.Context, filter map[string]string) (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.ready(); err != nil {
		return 0, err
	}

	sql := `SELECT count(*) FROM documents`
	var args []any
	if len(filter) > 0 {
		filterJSON, err := json.Marshal(filter)
		if err != nil {
			return 0, errors.Wrap(errors.ErrCodeInternal, err)
		}
		sql += ` WHERE metadata @> $1`
		args = append(args, filterJSON)
	}

	var count int
	if err := p.pool.QueryRow(ctx, sql, args...).Scan(&count); err != nil {
		if undefinedTable(err) {
			return 0, nil
		}
		return 0, errors.Wrap(errors.ErrCodeSearchFailed, err)
	}
	return count, nil
}

// GetByID fetches a single chunk, nil when absent.
func (p *PostgresBackend) GetByID(ctx context.Context, chunkID string) (*SearchResult, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.ready(); err != nil {
		return nil, err
	}

	var (
		id, text string
		metaJSON []byte
	)
	err := p.pool.QueryRow(ctx,
		`SELECT chunk_id, document_text, metadata FROM documents WHERE chunk_id = $1`,
		chunkID).Scan(&id, &text, &metaJSON)
	if err != nil {
		if err == pgx.ErrNoRows || undefinedTable(err) {
			return nil, nil
		}
		return nil, errors.Wrap(errors.ErrCodeSearchFailed, err)
	}

	md, err := decodeMetadata(metaJSON)
	if err != nil {
		return nil, err
	}
	return &SearchResult{ChunkID: id, Text: text, Metadata: md}, nil
}

// Reset truncates the documents table and clears the provenance row.
func (p *PostgresBackend) Reset(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ready(); err != nil {
		return err
	}

	if _, err := p.pool.Exec(ctx, `DROP TABLE IF EXISTS documents`); err != nil {
		return errors.Wrap(errors.ErrCodeStorageClosed, err)
	}
	if _, err := p.pool.Exec(ctx, `DELETE FROM embedding_metadata`); err != nil {
		return errors.Wrap(errors.ErrCodeStorageClosed, err)
	}
	return nil
}

// GetEmbeddingMetadata reads the provenance row, nil when never written.
func (p *PostgresBackend) GetEmbeddingMetadata(ctx context.Context) (*EmbeddingMetadata, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.ready(); err != nil {
		return nil, err
	}
	return p.getMetadataLocked(ctx)
}

func (p *PostgresBackend) getMetadataLocked(ctx context.Context) (*EmbeddingMetadata, error) {
	var meta EmbeddingMetadata
	err := p.pool.QueryRow(ctx,
		`SELECT provider, model, dimensions FROM embedding_metadata`).
		Scan(&meta.Provider, &meta.Model, &meta.Dimensions)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, errors.Wrap(errors.ErrCodeSearchFailed, err)
	}
	return &meta, nil
}

// SetEmbeddingMetadata records provenance once and creates the documents
// table with the now-known dimensionality.
func (p *PostgresBackend) SetEmbeddingMetadata(ctx context.Context, meta EmbeddingMetadata) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ready(); err != nil {
		return err
	}

	existing, err := p.getMetadataLocked(ctx)
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

	_, err = p.pool.Exec(ctx,
		`INSERT INTO embedding_metadata (provider, model, dimensions) VALUES ($1, $2, $3)`,
		meta.Provider, meta.Model, meta.Dimensions)
	if err != nil {
		return errors.Wrap(errors.ErrCodeUpsertFailed, err)
	}
	return p.ensureDocumentsTable(ctx, meta.Dimensions)
}

// Close releases the connection pool.
func (p *PostgresBackend) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}

// PoolStats exposes connection-pool metrics for backend diagnostics.
func (p *PostgresBackend) PoolStats() map[string]any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pool, ok := p.pool.(*pgxpool.Pool)
	if !ok || pool == nil {
		return map[string]any{}
	}
	s := pool.Stat()
	return map[string]any{
		"total_conns":    s.TotalConns(),
		"idle_conns":     s.IdleConns(),
		"acquired_conns": s.AcquiredConns(),
		"max_conns":      s.MaxConns(),
	}
}

func (p *PostgresBackend) ready() error {
	if p.closed {
		return errors.New(errors.ErrCodeStorageClosed, "backend is closed", nil)
	}
	if p.pool == nil {
		return errors.NotReadyError("backend not initialized")
	}
	return nil
}

// undefinedTable matches SQLSTATE 42P01: the documents table is dropped
// by Reset and only recreated at the next provenance write, so reads in
// between see an empty collection instead of an error.
func undefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return stderrors.As(err, &pgErr) && pgErr.Code == "42P01"
}

func decodeMetadata(raw []byte) (map[string]string, error) {
	md := map[string]string{}
	if len(raw) == 0 {
		return md, nil
	}
	if err := json.Unmarshal(raw, &md); err != nil {
		return nil, errors.New(errors.ErrCodeSearchFailed, "corrupt metadata row", err)
	}
	return md, nil
}
