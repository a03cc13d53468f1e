package postgresql

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id               UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    job_type         TEXT NOT NULL,
    status           TEXT NOT NULL DEFAULT 'pending',
    priority         INT NOT NULL DEFAULT 1,
    payload          JSONB NOT NULL DEFAULT '{}',
    processed_items  INT NOT NULL DEFAULT 0,
    failed_items     INT NOT NULL DEFAULT 0,
    total_items      INT NOT NULL DEFAULT 0,
    output           JSONB,
    last_error       TEXT,
    cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    started_at       TIMESTAMPTZ,
    completed_at     TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_jobs_status_type ON jobs (status, job_type);

CREATE TABLE IF NOT EXISTS article_jobs (
    id                 UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    keyword            TEXT NOT NULL,
    status             TEXT NOT NULL DEFAULT 'pending',
    current_agent      TEXT,
    progress_percent   INT NOT NULL DEFAULT 0,
    current_iteration  INT NOT NULL DEFAULT 0,
    max_iterations     INT NOT NULL DEFAULT 3,
    total_tokens_used  BIGINT NOT NULL DEFAULT 0,
    estimated_cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
    priority           INT NOT NULL DEFAULT 1,
    settings           JSONB NOT NULL DEFAULT '{}',
    page_id            TEXT,
    last_error         TEXT,
    final_output       JSONB,
    cancel_requested   BOOLEAN NOT NULL DEFAULT FALSE,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    started_at         TIMESTAMPTZ,
    completed_at       TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_article_jobs_status ON article_jobs (status, priority DESC, created_at);
`

// NewPool connects to Postgres and verifies the connection.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pg ping: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates the job tables if they do not exist yet.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
