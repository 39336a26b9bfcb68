// Package telemetry records query latency and zero-result statistics in a
// local sqlite database under the state directory. Nothing leaves the
// machine; the data feeds the health diagnostics endpoints.
package telemetry

import (
	"database/sql"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agent-brain/agent-brain/internal/errors"
)

// DBFileName is the telemetry database under the state directory.
const DBFileName = "telemetry.db"

// ZeroResultLimit caps the zero-result ring buffer.
const ZeroResultLimit = 100

// Bucket is a latency histogram bucket.
type Bucket string

const (
	BucketUnder10  Bucket = "<10ms"
	BucketUnder50  Bucket = "10-50ms"
	BucketUnder100 Bucket = "50-100ms"
	BucketUnder500 Bucket = "100-500ms"
	BucketOver500  Bucket = ">=500ms"
)

// BucketFor maps a latency to its histogram bucket.
func BucketFor(d time.Duration) Bucket {
	ms := d.Milliseconds()
	switch {
	case ms < 10:
		return BucketUnder10
	case ms < 50:
		return BucketUnder50
	case ms < 100:
		return BucketUnder100
	case ms < 500:
		return BucketUnder500
	default:
		return BucketOver500
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS query_mode_stats (
	date TEXT NOT NULL,
	mode TEXT NOT NULL,
	count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (date, mode)
);

CREATE TABLE IF NOT EXISTS query_latency_stats (
	date TEXT NOT NULL,
	bucket TEXT NOT NULL,
	count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (date, bucket)
);

CREATE TABLE IF NOT EXISTS zero_result_queries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	query TEXT NOT NULL,
	timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

// Telemetry is the sqlite-backed query recorder. Implements the query
// service's Recorder interface.
type Telemetry struct {
	mu sync.Mutex
	db *sql.DB
}

// Open creates or opens the telemetry database under stateDir.
func Open(stateDir string) (*Telemetry, error) {
	db, err := sql.Open("sqlite", filepath.Join(stateDir, DBFileName))
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStateDir, err)
	}
	// The modernc driver serialises writes; one connection avoids
	// SQLITE_BUSY under concurrent queries.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.New(errors.ErrCodeStateDir, "create telemetry schema", err)
	}
	return &Telemetry{db: db}, nil
}

// RecordQuery updates the daily mode and latency counters and, for
// zero-result queries, the ring buffer. Runs on the request path so
// failures are logged, never surfaced.
func (t *Telemetry) RecordQuery(mode string, latency time.Duration, resultCount int, query string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	date := time.Now().UTC().Format("2006-01-02")
	if _, err := t.db.Exec(`
		INSERT INTO query_mode_stats (date, mode, count) VALUES (?, ?, 1)
		ON CONFLICT(date, mode) DO UPDATE SET count = count + 1
	`, date, mode); err != nil {
		slog.Warn("telemetry_write_failed", "table", "query_mode_stats", "error", err)
		return
	}

	if _, err := t.db.Exec(`
		INSERT INTO query_latency_stats (date, bucket, count) VALUES (?, ?, 1)
		ON CONFLICT(date, bucket) DO UPDATE SET count = count + 1
	`, date, string(BucketFor(latency))); err != nil {
		slog.Warn("telemetry_write_failed", "table", "query_latency_stats", "error", err)
		return
	}

	if resultCount == 0 {
		t.recordZeroResult(query)
	}
}

func (t *Telemetry) recordZeroResult(query string) {
	if _, err := t.db.Exec(
		`INSERT INTO zero_result_queries (query, timestamp) VALUES (?, ?)`,
		query, time.Now().UTC()); err != nil {
		slog.Warn("telemetry_write_failed", "table", "zero_result_queries", "error", err)
		return
	}
	// Keep only the newest entries.
	if _, err := t.db.Exec(`
		DELETE FROM zero_result_queries
		WHERE id NOT IN (SELECT id FROM zero_result_queries ORDER BY id DESC LIMIT ?)
	`, ZeroResultLimit); err != nil {
		slog.Warn("telemetry_trim_failed", "error", err)
	}
}

// Summary is the aggregate view served by the health diagnostics.
type Summary struct {
	TotalQueries      int64            `json:"total_queries"`
	QueriesByMode     map[string]int64 `json:"queries_by_mode"`
	LatencyBuckets    map[string]int64 `json:"latency_buckets"`
	ZeroResultQueries []string         `json:"zero_result_queries"`
}

// Snapshot aggregates all recorded days.
func (t *Telemetry) Snapshot() (*Summary, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := &Summary{
		QueriesByMode:  map[string]int64{},
		LatencyBuckets: map[string]int64{},
	}

	rows, err := t.db.Query(`SELECT mode, SUM(count) FROM query_mode_stats GROUP BY mode`)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, err)
	}
	for rows.Next() {
		var mode string
		var count int64
		if err := rows.Scan(&mode, &count); err != nil {
			_ = rows.Close()
			return nil, errors.Wrap(errors.ErrCodeInternal, err)
		}
		s.QueriesByMode[mode] = count
		s.TotalQueries += count
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, errors.Wrap(errors.ErrCodeInternal, err)
	}
	_ = rows.Close()

	rows, err = t.db.Query(`SELECT bucket, SUM(count) FROM query_latency_stats GROUP BY bucket`)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, err)
	}
	for rows.Next() {
		var bucket string
		var count int64
		if err := rows.Scan(&bucket, &count); err != nil {
			_ = rows.Close()
			return nil, errors.Wrap(errors.ErrCodeInternal, err)
		}
		s.LatencyBuckets[bucket] = count
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, errors.Wrap(errors.ErrCodeInternal, err)
	}
	_ = rows.Close()

	rows, err = t.db.Query(`SELECT query FROM zero_result_queries ORDER BY id DESC LIMIT ?`, ZeroResultLimit)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, err)
	}
	defer rows.Close()
	for rows.Next() {
		var q string
		if err := rows.Scan(&q); err != nil {
			return nil, errors.Wrap(errors.ErrCodeInternal, err)
		}
		s.ZeroResultQueries = append(s.ZeroResultQueries, q)
	}
	return s, rows.Err()
}

func (t *Telemetry) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.db.Close()
}
