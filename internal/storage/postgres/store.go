// Package postgres provides the Postgres-backed persistence boundary: crawl
// jobs, pages, and embedded chunks with pgvector columns.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quarrylabs/quarry/internal/pipeline"
)

// DB is the pool surface the store needs. *pgxpool.Pool satisfies it, as
// does pgxmock in tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Store implements pipeline.Store on Postgres.
type Store struct {
	db DB
}

// New connects a Store using the provided config and pings the database.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{db: pool}, nil
}

// NewWithDB constructs a Store from an existing pool (primarily for testing).
func NewWithDB(db DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &Store{db: db}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
}

// Ping probes the database, used by the readiness endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// EnsureSchema creates the tables and the pgvector extension if missing.
func (s *Store) EnsureSchema(ctx context.Context, vectorDims int) error {
	if vectorDims <= 0 {
		vectorDims = 1536
	}
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS crawl_jobs (
			id UUID PRIMARY KEY,
			root_url TEXT NOT NULL,
			owned_site BOOLEAN NOT NULL DEFAULT FALSE,
			force_recrawl BOOLEAN NOT NULL DEFAULT FALSE,
			max_pages INT NOT NULL,
			status TEXT NOT NULL,
			error_text TEXT NOT NULL DEFAULT '',
			discovered_count BIGINT NOT NULL DEFAULT 0,
			processed_count BIGINT NOT NULL DEFAULT 0,
			failed_count BIGINT NOT NULL DEFAULT 0,
			skipped_count BIGINT NOT NULL DEFAULT 0,
			submitted_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ,
			finished_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS pages (
			id UUID PRIMARY KEY,
			job_id UUID NOT NULL REFERENCES crawl_jobs(id),
			url TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			page_text TEXT NOT NULL DEFAULT '',
			fetch_status TEXT NOT NULL,
			content_hash TEXT NOT NULL DEFAULT '',
			fetched_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS pages_url_fetched_idx ON pages (url, fetched_at DESC)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chunks (
			id UUID PRIMARY KEY,
			page_id UUID NOT NULL REFERENCES pages(id) ON DELETE CASCADE,
			chunk_index INT NOT NULL,
			total_chunks INT NOT NULL,
			chunk_text TEXT NOT NULL,
			token_estimate INT NOT NULL,
			embedding vector(%d),
			metadata JSONB NOT NULL DEFAULT '{}'
		)`, vectorDims),
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

const insertJobSQL = `
INSERT INTO crawl_jobs (
	id, root_url, owned_site, force_recrawl, max_pages, status, error_text,
	discovered_count, processed_count, failed_count, skipped_count,
	submitted_at, started_at, finished_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

// CreateJob inserts a new crawl job row.
func (s *Store) CreateJob(ctx context.Context, job pipeline.CrawlJob) error {
	_, err := s.db.Exec(ctx, insertJobSQL,
		job.ID, job.RootURL, job.OwnedSite, job.ForceRecrawl, job.MaxPages,
		string(job.Status), job.ErrorText,
		job.Discovered, job.Processed, job.Failed, job.Skipped,
		job.SubmittedAt, job.StartedAt, job.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert crawl job: %w", err)
	}
	return nil
}

const updateJobSQL = `
UPDATE crawl_jobs SET
	status = $2, error_text = $3,
	discovered_count = $4, processed_count = $5, failed_count = $6, skipped_count = $7,
	started_at = $8, finished_at = $9
WHERE id = $1`

// UpdateJob flushes the job's status and counters.
func (s *Store) UpdateJob(ctx context.Context, job pipeline.CrawlJob) error {
	tag, err := s.db.Exec(ctx, updateJobSQL,
		job.ID, string(job.Status), job.ErrorText,
		job.Discovered, job.Processed, job.Failed, job.Skipped,
		job.StartedAt, job.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("update crawl job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrNotFound
	}
	return nil
}

const getJobSQL = `
SELECT id, root_url, owned_site, force_recrawl, max_pages, status, error_text,
	discovered_count, processed_count, failed_count, skipped_count,
	submitted_at, started_at, finished_at
FROM crawl_jobs WHERE id = $1`

// GetJob loads a crawl job by ID, or ErrNotFound.
func (s *Store) GetJob(ctx context.Context, jobID string) (pipeline.CrawlJob, error) {
	var (
		job    pipeline.CrawlJob
		status string
	)
	err := s.db.QueryRow(ctx, getJobSQL, jobID).Scan(
		&job.ID, &job.RootURL, &job.OwnedSite, &job.ForceRecrawl, &job.MaxPages,
		&status, &job.ErrorText,
		&job.Discovered, &job.Processed, &job.Failed, &job.Skipped,
		&job.SubmittedAt, &job.StartedAt, &job.FinishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return pipeline.CrawlJob{}, pipeline.ErrNotFound
	}
	if err != nil {
		return pipeline.CrawlJob{}, fmt.Errorf("select crawl job: %w", err)
	}
	job.Status = pipeline.JobStatus(status)
	return job, nil
}

const insertPageSQL = `
INSERT INTO pages (id, job_id, url, title, page_text, fetch_status, content_hash, fetched_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

const insertChunkSQL = `
INSERT INTO chunks (id, page_id, chunk_index, total_chunks, chunk_text, token_estimate, embedding, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

// SavePage writes the page and its chunks in one transaction. A successful
// page replaces earlier versions of the same URL; failed and skipped
// attempts are appended as history, leaving the prior indexed rows (and
// their content hash) untouched.
func (s *Store) SavePage(ctx context.Context, page pipeline.PageRecord, chunks []pipeline.ChunkRecord) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save page: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if page.FetchStatus == pipeline.FetchStatusOK {
		if _, err := tx.Exec(ctx, `DELETE FROM pages WHERE url = $1`, page.URL); err != nil {
			return fmt.Errorf("delete stale page: %w", err)
		}
	}
	if _, err := tx.Exec(ctx, insertPageSQL,
		page.ID, page.JobID, page.URL, page.Title, page.Text,
		string(page.FetchStatus), page.ContentHash, page.FetchedAt,
	); err != nil {
		return fmt.Errorf("insert page: %w", err)
	}

	for _, chunk := range chunks {
		metadata, err := json.Marshal(chunk.Metadata)
		if err != nil {
			return fmt.Errorf("marshal chunk metadata: %w", err)
		}
		var embedding any
		if chunk.Vector != nil {
			embedding = vectorLiteral(chunk.Vector)
		}
		if _, err := tx.Exec(ctx, insertChunkSQL,
			chunk.ID, page.ID, chunk.Index, chunk.Total,
			chunk.Text, chunk.TokenEstimate, embedding, metadata,
		); err != nil {
			return fmt.Errorf("insert chunk %d: %w", chunk.Index, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit save page: %w", err)
	}
	return nil
}

const latestHashSQL = `
SELECT content_hash FROM pages
WHERE url = $1 AND fetch_status = 'ok'
ORDER BY fetched_at DESC LIMIT 1`

// LatestContentHash returns the content hash from the most recent successful
// crawl of url, or ErrNotFound.
func (s *Store) LatestContentHash(ctx context.Context, url string) (string, error) {
	var hash string
	err := s.db.QueryRow(ctx, latestHashSQL, url).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", pipeline.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("select content hash: %w", err)
	}
	return hash, nil
}

const similarChunksSQL = `
SELECT c.chunk_text, c.metadata, p.url, p.title, c.embedding <=> $1 AS distance
FROM chunks c
JOIN pages p ON p.id = c.page_id
WHERE c.embedding IS NOT NULL
ORDER BY c.embedding <=> $1
LIMIT $2`

// SimilarChunk is one nearest-neighbor result.
type SimilarChunk struct {
	Text     string                `json:"text"`
	Metadata pipeline.PageMetadata `json:"metadata"`
	URL      string                `json:"url"`
	Title    string                `json:"title"`
	Distance float64               `json:"distance"`
}

// SimilarChunks runs a cosine nearest-neighbor query over stored embeddings.
func (s *Store) SimilarChunks(ctx context.Context, vector []float32, limit int) ([]SimilarChunk, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(ctx, similarChunksSQL, vectorLiteral(vector), limit)
	if err != nil {
		return nil, fmt.Errorf("similarity query: %w", err)
	}
	defer rows.Close()

	var out []SimilarChunk
	for rows.Next() {
		var (
			sc       SimilarChunk
			metaJSON []byte
		)
		if err := rows.Scan(&sc.Text, &metaJSON, &sc.URL, &sc.Title, &sc.Distance); err != nil {
			return nil, fmt.Errorf("scan similar chunk: %w", err)
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &sc.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal chunk metadata: %w", err)
			}
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// vectorLiteral renders a float32 slice in pgvector's input syntax.
func vectorLiteral(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
