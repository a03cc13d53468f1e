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

var (
	ErrNotFound = errors.New("not found")
	// ErrNotClaimed: the conditional claim write matched no row, either
	// because another worker won or because there is no eligible job.
	ErrNotClaimed = errors.New("job not claimable")
)

const jobColumns = `id, job_type, status, priority, payload, processed_items, failed_items,
total_items, output, last_error, cancel_requested, created_at, updated_at, started_at, completed_at`

type JobRepository struct {
	pool *pgxpool.Pool
}

func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

func (r *JobRepository) Create(ctx context.Context, typ entity.JobType, priority int, payload json.RawMessage, totalItems int) (*entity.Job, error) {
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	const q = `
INSERT INTO jobs (job_type, status, priority, payload, total_items)
VALUES ($1, 'pending', $2, $3, $4)
RETURNING ` + jobColumns + `;`

	return scanJob(r.pool.QueryRow(ctx, q, typ, priority, payload, totalItems))
}

func (r *JobRepository) GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	const q = `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1;`
	return scanJob(r.pool.QueryRow(ctx, q, id))
}

// Claim transitions one job pending -> processing with a single conditional
// write. Two concurrent claimers for the same id cannot both win.
func (r *JobRepository) Claim(ctx context.Context, id uuid.UUID) error {
	const q = `
UPDATE jobs SET status='processing', started_at=now(), updated_at=now()
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

// ClaimNextPending atomically selects the highest-priority pending job of
// the given type and transitions it to processing. SKIP LOCKED keeps
// concurrent claimers from blocking on or winning the same row.
func (r *JobRepository) ClaimNextPending(ctx context.Context, typ entity.JobType) (*entity.Job, error) {
	const q = `
UPDATE jobs SET status='processing', started_at=now(), updated_at=now()
WHERE id = (
    SELECT id FROM jobs
    WHERE status='pending' AND job_type=$1
    ORDER BY priority DESC, created_at
    FOR UPDATE SKIP LOCKED
    LIMIT 1
)
RETURNING ` + jobColumns + `;`

	job, err := scanJob(r.pool.QueryRow(ctx, q, typ))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotClaimed
	}
	return job, err
}

// UpdateProgress writes item counters. Total may grow in continuous mode;
// callers keep processed+failed <= total.
func (r *JobRepository) UpdateProgress(ctx context.Context, id uuid.UUID, processed, failed, total int) error {
	const q = `
UPDATE jobs SET processed_items=$2, failed_items=$3, total_items=$4, updated_at=now()
WHERE id=$1 AND status='processing';`

	tag, err := r.pool.Exec(ctx, q, id, processed, failed, total)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *JobRepository) Complete(ctx context.Context, id uuid.UUID, output json.RawMessage) error {
	if len(output) == 0 {
		output = json.RawMessage(`{}`)
	}
	const q = `
UPDATE jobs SET status='completed', output=$2, last_error=NULL, completed_at=now(), updated_at=now()
WHERE id=$1 AND status='processing';`

	tag, err := r.pool.Exec(ctx, q, id, output)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *JobRepository) Fail(ctx context.Context, id uuid.UUID, errText string) error {
	const q = `
UPDATE jobs SET status='failed', last_error=$2, completed_at=now(), updated_at=now()
WHERE id=$1 AND status='processing';`

	tag, err := r.pool.Exec(ctx, q, id, errText)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *JobRepository) MarkCancelled(ctx context.Context, id uuid.UUID) error {
	const q = `
UPDATE jobs SET status='cancelled', completed_at=now(), updated_at=now()
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

// RequestCancel cancels a pending job outright and flags a processing one;
// the executor observes the flag at its next item boundary.
func (r *JobRepository) RequestCancel(ctx context.Context, id uuid.UUID) error {
	const q = `
UPDATE jobs SET
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

func (r *JobRepository) CancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	const q = `SELECT cancel_requested FROM jobs WHERE id=$1;`

	var requested bool
	if err := r.pool.QueryRow(ctx, q, id).Scan(&requested); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, err
	}
	return requested, nil
}

// FindActive returns a live (pending/processing) job of the given type.
// Used for the best-effort one-active-job-per-type policy at creation time.
func (r *JobRepository) FindActive(ctx context.Context, typ entity.JobType) (*entity.Job, error) {
	const q = `
SELECT ` + jobColumns + ` FROM jobs
WHERE job_type=$1 AND status IN ('pending','processing')
ORDER BY created_at
LIMIT 1;`

	return scanJob(r.pool.QueryRow(ctx, q, typ))
}

type ListFilter struct {
	Status entity.JobStatus
	Type   entity.JobType
	Limit  int
	Offset int
}

func (r *JobRepository) List(ctx context.Context, f ListFilter) ([]entity.Job, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, "status=$"+strconv.Itoa(len(args)))
	}
	if f.Type != "" {
		args = append(args, f.Type)
		where = append(where, "job_type=$"+strconv.Itoa(len(args)))
	}

	q := `SELECT ` + jobColumns + ` FROM jobs`
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

	var jobs []entity.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func scanJob(row pgx.Row) (*entity.Job, error) {
	var (
		job        entity.Job
		typeText   string
		statusText string
		payload    []byte
		output     []byte
		lastErr    *string
	)

	if err := row.Scan(
		&job.ID,
		&typeText,
		&statusText,
		&job.Priority,
		&payload,
		&job.ProcessedItems,
		&job.FailedItems,
		&job.TotalItems,
		&output,
		&lastErr,
		&job.CancelRequested,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.StartedAt,
		&job.CompletedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}

	job.Type = entity.JobType(typeText)
	job.Status = entity.JobStatus(statusText)
	job.Payload = json.RawMessage(payload)
	if output != nil {
		job.Output = json.RawMessage(output)
	}
	job.LastError = lastErr

	return &job, nil
}
