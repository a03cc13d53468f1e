package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/phuslu/log"

	"cms-job-service/internal/entity"
	"cms-job-service/internal/repository/postgresql"
)

var (
	ErrValidation = errors.New("validation")
	// ErrActiveJobExists: at most one live job per batch type. Best-effort
	// read-then-create check; concurrent creates can race past it.
	ErrActiveJobExists = errors.New("an active job of this type already exists")
	ErrAlreadyFinished = errors.New("job already in a terminal state")
)

// Repository port (implementation: postgresql.JobRepository)
type JobRepository interface {
	Create(ctx context.Context, typ entity.JobType, priority int, payload json.RawMessage, totalItems int) (*entity.Job, error)
	GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error)
	FindActive(ctx context.Context, typ entity.JobType) (*entity.Job, error)
	RequestCancel(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, f postgresql.ListFilter) ([]entity.Job, error)
}

// Small queue port for enqueue only.
type JobQueue interface {
	Enqueue(ctx context.Context, jobID string, priority int) error
}

type JobService struct {
	repo   JobRepository
	queue  JobQueue
	logger *log.Logger
}

func NewJobService(repo JobRepository, queue JobQueue, logger *log.Logger) *JobService {
	return &JobService{repo: repo, queue: queue, logger: logger}
}

type CreateJobRequest struct {
	Type      entity.JobType
	Priority  int
	TargetIDs []string
	Options   entity.EnrichmentOptions
}

// CreateJob validates the request, enforces the one-active-job-per-type
// policy, persists the job pending and enqueues its id.
func (s *JobService) CreateJob(ctx context.Context, req CreateJobRequest) (*entity.Job, error) {
	if !req.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown job type %q", ErrValidation, req.Type)
	}
	if req.Options.MaxDepth < 0 {
		return nil, fmt.Errorf("%w: max_depth must be >= 0", ErrValidation)
	}

	priority := req.Priority
	if priority < 0 || priority > 2 {
		priority = 1 // normal
	}

	if active, err := s.repo.FindActive(ctx, req.Type); err == nil && active != nil {
		return nil, fmt.Errorf("%w: job %s is %s", ErrActiveJobExists, active.ID, active.Status)
	} else if err != nil && !errors.Is(err, postgresql.ErrNotFound) {
		return nil, err
	}

	payload, err := json.Marshal(entity.EnrichmentPayload{
		SchemaVersion: entity.PayloadSchemaVersion,
		TargetIDs:     req.TargetIDs,
		Options:       req.Options,
	})
	if err != nil {
		return nil, err
	}

	job, err := s.repo.Create(ctx, req.Type, priority, payload, len(req.TargetIDs))
	if err != nil {
		return nil, err
	}

	if err := s.queue.Enqueue(ctx, job.ID.String(), priority); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("job_id", job.ID.String()).
		Str("job_type", string(job.Type)).
		Int("total_items", job.TotalItems).
		Int("priority", priority).
		Msg("job enqueued")

	return job, nil
}

func (s *JobService) GetJob(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *JobService) ListJobs(ctx context.Context, f postgresql.ListFilter) ([]entity.Job, error) {
	return s.repo.List(ctx, f)
}

// CancelJob requests cooperative cancellation. Pending jobs cancel
// immediately; processing ones stop at the executor's next item boundary.
func (s *JobService) CancelJob(ctx context.Context, id uuid.UUID) error {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrAlreadyFinished, job.Status)
	}
	return s.repo.RequestCancel(ctx, id)
}
