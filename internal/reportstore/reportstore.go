// Package reportstore implements the ReportStore (C7): durable,
// gzip-compressed persistence of investigation reports in Postgres, with
// retention-based pruning.
package reportstore

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/seraph-dev/seraph/pkg/seraph"
)

// Store wraps a pgxpool.Pool, grounded on
// Hola-to-network_logistics_problem/pkg/database/postgres.go's pool-wrapper
// shape: parse a DSN, configure pool bounds, ping on startup, expose
// HealthCheck/Stats.
type Store struct {
	pool *pgxpool.Pool

	// gzipWriterPool reuses *gzip.Writer allocations across Save calls,
	// matching the teacher corpus's general preference for sync.Pool
	// around per-request allocations in hot paths.
	gzipWriterPool sync.Pool
}

// New connects to dsn with the given max pool size and runs the schema
// migration if the reports table does not yet exist.
func New(ctx context.Context, dsn string, maxConns int) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	poolConfig.MaxConns = int32(maxConns)
	poolConfig.ConnConfig.ConnectTimeout = 10 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	s := &Store{pool: pool}
	s.gzipWriterPool.New = func() any { return gzip.NewWriter(io.Discard) }

	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS reports (
	id TEXT PRIMARY KEY,
	alert_id TEXT NOT NULL,
	dedup_key TEXT NOT NULL,
	summary TEXT NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL,
	blob BYTEA NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reports_finished_at ON reports (finished_at);
CREATE INDEX IF NOT EXISTS idx_reports_dedup_key ON reports (dedup_key);
`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Save gzip-compresses the report body and inserts it, upserting on ID
// collision (an investigation that is re-saved after a late tool result).
func (s *Store) Save(ctx context.Context, report seraph.Report) error {
	blob, err := s.compress(report)
	if err != nil {
		return fmt.Errorf("compress report: %w", err)
	}

	const stmt = `
INSERT INTO reports (id, alert_id, dedup_key, summary, finished_at, blob)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET blob = EXCLUDED.blob, finished_at = EXCLUDED.finished_at
`
	_, err = s.pool.Exec(ctx, stmt, report.ID, report.AlertID, report.DedupKey, report.Summary, report.FinishedAt, blob)
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

func (s *Store) compress(report seraph.Report) ([]byte, error) {
	raw, err := json.Marshal(report)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	gz := s.gzipWriterPool.Get().(*gzip.Writer)
	gz.Reset(&buf)
	defer s.gzipWriterPool.Put(gz)

	if _, err := gz.Write(raw); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Get retrieves and decompresses a report by ID.
func (s *Store) Get(ctx context.Context, id string) (seraph.Report, error) {
	var blob []byte
	err := s.pool.QueryRow(ctx, `SELECT blob FROM reports WHERE id = $1`, id).Scan(&blob)
	if err != nil {
		return seraph.Report{}, fmt.Errorf("query report: %w", err)
	}
	return decompress(blob)
}

func decompress(blob []byte) (seraph.Report, error) {
	gz, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return seraph.Report{}, fmt.Errorf("gzip reader: %w", err)
	}
	defer gz.Close()

	raw, err := io.ReadAll(gz)
	if err != nil {
		return seraph.Report{}, fmt.Errorf("decompress: %w", err)
	}

	var report seraph.Report
	if err := json.Unmarshal(raw, &report); err != nil {
		return seraph.Report{}, fmt.Errorf("unmarshal report: %w", err)
	}
	return report, nil
}

// Summary is a reduced Report projection used by List: everything an
// operator needs to pick a report to open, without the compressed blob.
type Summary struct {
	ID         string    `json:"id"`
	AlertID    string    `json:"alertId"`
	DedupKey   string    `json:"dedupKey"`
	Summary    string    `json:"summary"`
	FinishedAt time.Time `json:"finishedAt"`
}

// List returns the 100 most recently finished reports, newest first,
// deliberately excluding the compressed blob column so listing stays
// cheap regardless of how large individual reports grow.
func (s *Store) List(ctx context.Context) ([]Summary, error) {
	const stmt = `
SELECT id, alert_id, dedup_key, summary, finished_at
FROM reports
ORDER BY finished_at DESC
LIMIT 100
`
	rows, err := s.pool.Query(ctx, stmt)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sm Summary
		if err := rows.Scan(&sm.ID, &sm.AlertID, &sm.DedupKey, &sm.Summary, &sm.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan report summary: %w", err)
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}

// Prune deletes reports older than retentionDays, matching spec's
// retention policy (Config.ReportRetentionDays).
func (s *Store) Prune(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	tag, err := s.pool.Exec(ctx, `DELETE FROM reports WHERE finished_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}
	return tag.RowsAffected(), nil
}

// HealthCheck verifies connectivity within a 5s budget.
func (s *Store) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var result int
	return s.pool.QueryRow(ctx, "SELECT 1").Scan(&result)
}

// Stats exposes pool statistics for the /status endpoint.
func (s *Store) Stats() *pgxpool.Stat {
	return s.pool.Stat()
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
