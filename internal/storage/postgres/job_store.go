// Package postgres provides a Postgres-backed job ledger.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/kasp-primer-api/internal/primer"
)

const defaultTable = "design_jobs"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// JobStoreConfig controls the Postgres connection pool used for job rows.
type JobStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// JobStore records job metadata in Postgres.
type JobStore struct {
	pool  pool
	table string
}

// NewJobStore creates a Postgres-backed JobStore using the provided config.
func NewJobStore(ctx context.Context, cfg JobStoreConfig) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
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
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &JobStore{pool: p, table: table}, nil
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewJobStoreWithPool(p pool, table string) (*JobStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &JobStore{pool: p, table: table}, nil
}

func tableName(name string) (string, error) {
	if name == "" {
		return defaultTable, nil
	}
	if !validTableName.MatchString(name) {
		return "", fmt.Errorf("invalid table name %q", name)
	}
	return name, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the job table when it does not exist.
func (s *JobStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id               TEXT PRIMARY KEY,
	genome           TEXT NOT NULL,
	status           TEXT NOT NULL,
	error_text       TEXT,
	snp_count        INTEGER NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ NOT NULL,
	finished_at      TIMESTAMPTZ,
	pipeline_seconds DOUBLE PRECISION
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s table: %w", s.table, err)
	}
	return nil
}

// CreateJob inserts a job row. Reusing an ID fails with primer.ErrJobExists.
func (s *JobStore) CreateJob(ctx context.Context, job primer.Job) error {
	query := fmt.Sprintf(`
INSERT INTO %s (id, genome, status, snp_count, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO NOTHING`, s.table)
	tag, err := s.pool.Exec(ctx, query, job.ID, job.Genome, string(job.Status), job.SNPCount, job.Created.UTC())
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("insert job %s: %w", job.ID, primer.ErrJobExists)
	}
	return nil
}

// UpdateJobStatus moves a pending job into a terminal status.
func (s *JobStore) UpdateJobStatus(
	ctx context.Context,
	jobID string,
	status primer.JobStatus,
	errText string,
	finished time.Time,
) error {
	if !status.Terminal() {
		return fmt.Errorf("update job %s to %s: %w", jobID, status, primer.ErrStatusTransition)
	}
	query := fmt.Sprintf(`
UPDATE %s
SET status = $2,
	error_text = NULLIF($3, ''),
	finished_at = $4,
	pipeline_seconds = EXTRACT(EPOCH FROM ($4 - created_at))
WHERE id = $1 AND status = $5`, s.table)
	tag, err := s.pool.Exec(ctx, query, jobID, string(status), errText, finished.UTC(), string(primer.JobStatusPending))
	if err != nil {
		return fmt.Errorf("update job %s: %w", jobID, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return err
	}
	return fmt.Errorf("update job %s to %s: %w", jobID, status, primer.ErrStatusTransition)
}

// DeleteJob removes a job row. Unknown IDs are ignored.
func (s *JobStore) DeleteJob(ctx context.Context, jobID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.table)
	if _, err := s.pool.Exec(ctx, query, jobID); err != nil {
		return fmt.Errorf("delete job %s: %w", jobID, err)
	}
	return nil
}

// GetJob fetches a job row by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (primer.Job, error) {
	query := fmt.Sprintf(`
SELECT id, genome, status, COALESCE(error_text, ''), snp_count, created_at, finished_at, COALESCE(pipeline_seconds, 0)
FROM %s
WHERE id = $1`, s.table)
	var (
		job    primer.Job
		status string
	)
	err := s.pool.QueryRow(ctx, query, jobID).Scan(
		&job.ID,
		&job.Genome,
		&status,
		&job.ErrorText,
		&job.SNPCount,
		&job.Created,
		&job.Finished,
		&job.PipelineTime,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return primer.Job{}, fmt.Errorf("get job %s: %w", jobID, primer.ErrJobNotFound)
	}
	if err != nil {
		return primer.Job{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	job.Status = primer.JobStatus(status)
	return job, nil
}
