package postgresql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"cms-job-service/internal/entity"
)

// ErrAlreadyPublished: the one permitted page_id write was already made.
var ErrAlreadyPublished = errors.New("article already published")

const articleColumns = `id, keyword, status, current_agent, progress_percent, current_iteration,
max_iterations, total_tokens_used, estimated_cost_usd, priority, settings, page_id, last_error,
final_output, cancel_requested, created_at, updated_at, started_at, completed_at`

type ArticleJobRepository struct {
	pool *pgxpool.Pool
}

func NewArticleJobRepository(pool *pgxpool.Pool) *ArticleJobRepository {
	return &ArticleJobRepository{pool: pool}
}

func (r *ArticleJobRepository) Create(ctx context.Context, keyword string, priority int, settings entity.ArticleSettings) (*entity.ArticleJob, error) {
	settingsJSON, err := json.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("marshal settings: %w", err)
	}

	const q = `
INSERT INTO article_jobs (keyword, status, priority, settings, max_iterations)
VALUES ($1, 'pending', $2, $3, $4)
RETURNING ` + articleColumns + `;`

	return scanArticleJob(r.pool.QueryRow(ctx, q, keyword, priority, settingsJSON, settings.MaxIterations))
}

func (r *ArticleJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*entity.ArticleJob, error) {
	const q = `SELECT ` + articleColumns + ` FROM article_jobs WHERE id = $1;`
	return scanArticleJob(r.pool.QueryRow(ctx, q, id))
}

// Claim transitions pending -> processing with one conditional write.
func (r *ArticleJobRepository) Claim(ctx context.Context, id uuid.UUID) error {
	const q = `
UPDATE article_jobs SET status='processing', started_at=now(), updated_at=now()
WHERE id=$1 AND status='pending';`

	tag, err := r.pool.Exec(ctx, q, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotClaimed
	}
	return nil
}

// ClaimNextPending claims the highest-priority pending article job, if any.
func (r *ArticleJobRepository) ClaimNextPending(ctx context.Context) (*entity.ArticleJob, error) {
	const q = `
UPDATE article_jobs SET status='processing', started_at=now(), updated_at=now()
WHERE id = (
    SELECT id FROM article_jobs
    WHERE status='pending'
    ORDER BY priority DESC, created_at
    FOR UPDATE SKIP LOCKED
    LIMIT 1
)
RETURNING ` + articleColumns + `;`

	job, err := scanArticleJob(r.pool.QueryRow(ctx, q))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotClaimed
	}
	return job, err
}

// UpdateStage persists pipeline observability after every stage. GREATEST
// keeps progress_percent monotonically non-decreasing.
func (r *ArticleJobRepository) UpdateStage(ctx context.Context, id uuid.UUID, agent entity.AgentStage, progress, iteration int, tokens int64, cost float64) error {
	const q = `
UPDATE article_jobs SET
    current_agent=$2,
    progress_percent=GREATEST(progress_percent, $3),
    current_iteration=$4,
    total_tokens_used=$5,
    estimated_cost_usd=$6,
    updated_at=now()
WHERE id=$1 AND status='processing';`

	tag, err := r.pool.Exec(ctx, q, id, agent, progress, iteration, tokens, cost)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *ArticleJobRepository) Complete(ctx context.Context, id uuid.UUID, out *entity.FinalOutput, tokens int64, cost float64) error {
	outJSON, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal final output: %w", err)
	}

	const q = `
UPDATE article_jobs SET
    status='completed',
    final_output=$2,
    total_tokens_used=$3,
    estimated_cost_usd=$4,
    progress_percent=100,
    last_error=NULL,
    completed_at=now(),
    updated_at=now()
WHERE id=$1 AND status='processing';`

	tag, err := r.pool.Exec(ctx, q, id, outJSON, tokens, cost)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *ArticleJobRepository) Fail(ctx context.Context, id uuid.UUID, errText string, tokens int64, cost float64) error {
	const q = `
UPDATE article_jobs SET
    status='failed',
    last_error=$2,
    total_tokens_used=$3,
    estimated_cost_usd=$4,
    completed_at=now(),
    updated_at=now()
WHERE id=$1 AND status='processing';`

	tag, err := r.pool.Exec(ctx, q, id, errText, tokens, cost)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *ArticleJobRepository) MarkCancelled(ctx context.Context, id uuid.UUID, tokens int64, cost float64) error {
	const q = `
UPDATE article_jobs SET
    status='cancelled',
    total_tokens_used=$2,
    estimated_cost_usd=$3,
    completed_at=now(),
    updated_at=now()
WHERE id=$1 AND status IN ('pending','processing');`

	tag, err := r.pool.Exec(ctx, q, id, tokens, cost)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *ArticleJobRepository) RequestCancel(ctx context.Context, id uuid.UUID) error {
	const q = `
UPDATE article_jobs SET
    status = CASE WHEN status='pending' THEN 'cancelled' ELSE status END,
    completed_at = CASE WHEN status='pending' THEN now() ELSE completed_at END,
    cancel_requested = TRUE,
    updated_at = now()
WHERE id=$1 AND status IN ('pending','processing');`

	tag, err := r.pool.Exec(ctx, q, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *ArticleJobRepository) CancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	const q = `SELECT cancel_requested FROM article_jobs WHERE id=$1;`

	var requested bool
	if err := r.pool.QueryRow(ctx, q, id).Scan(&requested); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, err
	}
	return requested, nil
}

// SetPageID performs the one permitted post-terminal write: recording the
// CMS page id after publish. The condition makes a second publish lose.
func (r *ArticleJobRepository) SetPageID(ctx context.Context, id uuid.UUID, pageID string) error {
	const q = `
UPDATE article_jobs SET page_id=$2, updated_at=now()
WHERE id=$1 AND status='completed' AND page_id IS NULL;`

	tag, err := r.pool.Exec(ctx, q, id, pageID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Either the row is gone or page_id was already written.
		if _, getErr := r.GetByID(ctx, id); getErr != nil {
			return getErr
		}
		return ErrAlreadyPublished
	}
	return nil
}

type ArticleListFilter struct {
	Status entity.JobStatus
	Limit  int
	Offset int
}

func (r *ArticleJobRepository) List(ctx context.Context, f ArticleListFilter) ([]entity.ArticleJob, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, "status=$"+strconv.Itoa(len(args)))
	}

	q := `SELECT ` + articleColumns + ` FROM article_jobs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	args = append(args, limit)
	q += " ORDER BY priority DESC, created_at DESC LIMIT $" + strconv.Itoa(len(args))
	args = append(args, f.Offset)
	q += " OFFSET $" + strconv.Itoa(len(args)) + ";"

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []entity.ArticleJob
	for rows.Next() {
		job, err := scanArticleJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func scanArticleJob(row pgx.Row) (*entity.ArticleJob, error) {
	var (
		job        entity.ArticleJob
		statusText string
		agent      *string
		settings   []byte
		finalOut   []byte
	)

	if err := row.Scan(
		&job.ID,
		&job.Keyword,
		&statusText,
		&agent,
		&job.ProgressPercent,
		&job.CurrentIteration,
		&job.MaxIterations,
		&job.TotalTokensUsed,
		&job.EstimatedCostUSD,
		&job.Priority,
		&settings,
		&job.PageID,
		&job.LastError,
		&finalOut,
		&job.CancelRequested,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.StartedAt,
		&job.CompletedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan article job: %w", err)
	}

	job.Status = entity.JobStatus(statusText)
	if agent != nil {
		job.CurrentAgent = entity.AgentStage(*agent)
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &job.Settings); err != nil {
			return nil, fmt.Errorf("decode settings: %w", err)
		}
	}
	if finalOut != nil {
		var out entity.FinalOutput
		if err := json.Unmarshal(finalOut, &out); err != nil {
			return nil, fmt.Errorf("decode final output: %w", err)
		}
		job.FinalOutput = &out
	}

	return &job, nil
}
