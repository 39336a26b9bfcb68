package store

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	braerr "github.com/agent-brain/agent-brain/internal/errors"
)

func newMockBackend(t *testing.T) (*PostgresBackend, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	b := NewPostgresBackendWithPool(mock, PostgresOptions{Language: "english", Metric: MetricCosine})
	return b, mock
}

func TestPostgresUpsertSingleTransaction(t *testing.T) {
	b, mock := newMockBackend(t)

	mock.ExpectQuery(`SELECT provider, model, dimensions FROM embedding_metadata`).
		WillReturnRows(pgxmock.NewRows([]string{"provider", "model", "dimensions"}).
			AddRow("ollama", "nomic-embed-text", 3))
	mock.ExpectBegin()
	// Title and summary feed the A and B tsvector weights; the body is C.
	mock.ExpectExec(`INSERT INTO documents`).
		WithArgs("c1", "first chunk", pgxmock.AnyArg(), pgxmock.AnyArg(), "english", "Getting Started", "How to install and run the service.").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO documents`).
		WithArgs("c2", "second chunk", pgxmock.AnyArg(), pgxmock.AnyArg(), "english", "", "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	n, err := b.UpsertDocuments(context.Background(),
		[]string{"c1", "c2"},
		[][]float32{{1, 0, 0}, {0, 1, 0}},
		[]string{"first chunk", "second chunk"},
		[]map[string]string{
			{MetaFilename: "a.md", MetaTitle: "Getting Started", MetaSummary: "How to install and run the service."},
			{MetaFilename: "b.go"},
		})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpsertDimensionMismatch(t *testing.T) {
	b, mock := newMockBackend(t)

	mock.ExpectQuery(`SELECT provider, model, dimensions FROM embedding_metadata`).
		WillReturnRows(pgxmock.NewRows([]string{"provider", "model", "dimensions"}).
			AddRow("ollama", "nomic-embed-text", 768))

	_, err := b.UpsertDocuments(context.Background(),
		[]string{"c1"}, [][]float32{{1, 0, 0}}, []string{"x"}, []map[string]string{{}})
	require.Error(t, err)
	assert.Equal(t, braerr.ErrCodeDimensionMismatch, braerr.GetCode(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpsertMismatchedLengths(t *testing.T) {
	b, _ := newMockBackend(t)

	_, err := b.UpsertDocuments(context.Background(),
		[]string{"c1", "c2"}, [][]float32{{1}}, []string{"x", "y"}, []map[string]string{{}, {}})
	require.Error(t, err)
	assert.Equal(t, braerr.ErrCodeInvalidInput, braerr.GetCode(err))
}

func TestPostgresVectorSearchScoresAndThreshold(t *testing.T) {
	b, mock := newMockBackend(t)

	mock.ExpectQuery(`SELECT chunk_id, document_text, metadata, embedding <=> .+ AS distance`).
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"chunk_id", "document_text", "metadata", "distance"}).
			AddRow("c1", "close match", []byte(`{"language":"go"}`), 0.1).
			AddRow("c2", "far match", []byte(`{"language":"go"}`), 0.8))

	results, err := b.VectorSearch(context.Background(), []float32{1, 0, 0}, 10, 0.5, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "c1", results[0].ChunkID)
	assert.InDelta(t, 0.9, results[0].Score, 1e-9)
	assert.Equal(t, "go", results[0].Metadata["language"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresVectorSearchWithFilter(t *testing.T) {
	b, mock := newMockBackend(t)

	mock.ExpectQuery(`WHERE metadata @> .+ ORDER BY distance`).
		WithArgs(pgxmock.AnyArg(), []byte(`{"source_type":"code"}`)).
		WillReturnRows(pgxmock.NewRows([]string{"chunk_id", "document_text", "metadata", "distance"}))

	results, err := b.VectorSearch(context.Background(), []float32{1}, 5, 0,
		map[string]string{MetaSourceType: SourceTypeCode})
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresKeywordSearchMaxNormalised(t *testing.T) {
	b, mock := newMockBackend(t)

	mock.ExpectQuery(`ts_rank_cd`).
		WithArgs("english", "connection pool").
		WillReturnRows(pgxmock.NewRows([]string{"chunk_id", "document_text", "metadata", "rank"}).
			AddRow("c1", "best", []byte(`{}`), 0.8).
			AddRow("c2", "worse", []byte(`{}`), 0.2))

	results, err := b.KeywordSearch(context.Background(), "connection pool", 10, nil, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 1.0, results[0].Score)
	assert.InDelta(t, 0.25, results[1].Score, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresKeywordSearchFilters(t *testing.T) {
	b, mock := newMockBackend(t)

	mock.ExpectQuery(`metadata->>'source_type' = ANY.+metadata->>'language' = ANY`).
		WithArgs("english", "q", []string{SourceTypeCode}, []string{"go"}).
		WillReturnRows(pgxmock.NewRows([]string{"chunk_id", "document_text", "metadata", "rank"}))

	_, err := b.KeywordSearch(context.Background(), "q", 10, []string{SourceTypeCode}, []string{"go"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCount(t *testing.T) {
	b, mock := newMockBackend(t)

	mock.ExpectQuery(`SELECT count\(\*\) FROM documents`).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(42))

	n, err := b.Count(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 42, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetByIDMissing(t *testing.T) {
	b, mock := newMockBackend(t)

	mock.ExpectQuery(`SELECT chunk_id, document_text, metadata FROM documents WHERE chunk_id`).
		WithArgs("nope").
		WillReturnRows(pgxmock.NewRows([]string{"chunk_id", "document_text", "metadata"}))

	got, err := b.GetByID(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresProvenanceSetOnce(t *testing.T) {
	b, mock := newMockBackend(t)

	mock.ExpectQuery(`SELECT provider, model, dimensions FROM embedding_metadata`).
		WillReturnRows(pgxmock.NewRows([]string{"provider", "model", "dimensions"}).
			AddRow("ollama", "nomic-embed-text", 768))

	err := b.SetEmbeddingMetadata(context.Background(),
		EmbeddingMetadata{Provider: "openai", Model: "text-embedding-3-small", Dimensions: 1536})
	require.Error(t, err)
	assert.Equal(t, braerr.ErrCodeProviderMismatch, braerr.GetCode(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReset(t *testing.T) {
	b, mock := newMockBackend(t)

	mock.ExpectExec(`DROP TABLE IF EXISTS documents`).
		WillReturnResult(pgxmock.NewResult("DROP", 0))
	mock.ExpectExec(`DELETE FROM embedding_metadata`).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	require.NoError(t, b.Reset(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// After Reset the documents table is gone until the next provenance
// write recreates it; reads in between must see an empty collection.
func TestPostgresReadsTolerateDroppedTable(t *testing.T) {
	b, mock := newMockBackend(t)
	missing := &pgconn.PgError{Code: "42P01", Message: `relation "documents" does not exist`}

	mock.ExpectQuery(`SELECT count\(\*\) FROM documents`).WillReturnError(missing)
	n, err := b.Count(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	mock.ExpectQuery(`ORDER BY distance`).WithArgs(pgxmock.AnyArg()).WillReturnError(missing)
	vres, err := b.VectorSearch(context.Background(), []float32{1, 0, 0}, 5, 0, nil)
	require.NoError(t, err)
	assert.Empty(t, vres)

	mock.ExpectQuery(`ts_rank_cd`).WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).WillReturnError(missing)
	kres, err := b.KeywordSearch(context.Background(), "anything", 5, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, kres)

	mock.ExpectQuery(`WHERE chunk_id`).WithArgs("c1").WillReturnError(missing)
	got, err := b.GetByID(context.Background(), "c1")
	require.NoError(t, err)
	assert.Nil(t, got)

	assert.NoError(t, mock.ExpectationsWereMet())
}

// A fresh database gets its documents table at the provenance write, so
// the first upsert already has somewhere to land.
func TestPostgresProvenanceWriteCreatesDocumentsTable(t *testing.T) {
	b, mock := newMockBackend(t)

	mock.ExpectQuery(`SELECT provider, model, dimensions FROM embedding_metadata`).
		WillReturnRows(pgxmock.NewRows([]string{"provider", "model", "dimensions"}))
	mock.ExpectExec(`INSERT INTO embedding_metadata`).
		WithArgs("ollama", "nomic-embed-text", 768).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS documents`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS documents_embedding_idx`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS documents_tsv_idx`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS documents_metadata_idx`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	err := b.SetEmbeddingMetadata(context.Background(),
		EmbeddingMetadata{Provider: "ollama", Model: "nomic-embed-text", Dimensions: 768})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
