package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/phuslu/log"

	"cms-job-service/internal/entity"
	"cms-job-service/internal/orchestrator"
	"cms-job-service/internal/repository/postgresql"
)

// ErrNotExecutable: the job could not be claimed for execution (already
// running, finished, or unknown).
var ErrNotExecutable = errors.New("job is not executable")

// Repository port (implementation: postgresql.ArticleJobRepository)
type ArticleJobRepository interface {
	Create(ctx context.Context, keyword string, priority int, settings entity.ArticleSettings) (*entity.ArticleJob, error)
	GetByID(ctx context.Context, id uuid.UUID) (*entity.ArticleJob, error)
	Claim(ctx context.Context, id uuid.UUID) error
	ClaimNextPending(ctx context.Context) (*entity.ArticleJob, error)
	RequestCancel(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, f postgresql.ArticleListFilter) ([]entity.ArticleJob, error)
}

// PipelineRunner port (implementation: orchestrator.Orchestrator). The job
// must already be claimed when Run is called.
type PipelineRunner interface {
	Run(ctx context.Context, jobID uuid.UUID) (*orchestrator.Result, error)
}

type ArticleDefaults struct {
	MaxIterations    int
	QualityThreshold int
	TargetWordCount  int
	Model            string
}

type ArticleService struct {
	repo     ArticleJobRepository
	runner   PipelineRunner
	defaults ArticleDefaults
	validate *validator.Validate
	logger   *log.Logger
}

func NewArticleService(repo ArticleJobRepository, runner PipelineRunner, defaults ArticleDefaults, logger *log.Logger) *ArticleService {
	return &ArticleService{
		repo:     repo,
		runner:   runner,
		defaults: defaults,
		validate: validator.New(),
		logger:   logger,
	}
}

type CreateArticleRequest struct {
	Keyword  string
	Priority int
	Settings entity.ArticleSettings
}

// CreateArticleJob persists a pending pipeline run. Article jobs are
// independently schedulable: no one-active-per-type restriction applies.
func (s *ArticleService) CreateArticleJob(ctx context.Context, req CreateArticleRequest) (*entity.ArticleJob, error) {
	if req.Keyword == "" {
		return nil, fmt.Errorf("%w: keyword is required", ErrValidation)
	}

	settings := req.Settings
	settings.SchemaVersion = entity.PayloadSchemaVersion
	if settings.MaxIterations == 0 {
		settings.MaxIterations = s.defaults.MaxIterations
	}
	if settings.QualityThreshold == 0 {
		settings.QualityThreshold = s.defaults.QualityThreshold
	}
	if settings.TargetWordCount == 0 {
		settings.TargetWordCount = s.defaults.TargetWordCount
	}
	if settings.Model == "" {
		settings.Model = s.defaults.Model
	}

	if err := s.validate.Struct(settings); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	priority := req.Priority
	if priority < 0 || priority > 2 {
		priority = 1
	}

	job, err := s.repo.Create(ctx, req.Keyword, priority, settings)
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("job_id", job.ID.String()).
		Str("keyword", job.Keyword).
		Int("max_iterations", settings.MaxIterations).
		Msg("article job created")

	return job, nil
}

// Execute claims the job and drives the pipeline to a terminal state. Both
// caller kinds (scheduler service principal, admin user principal) resolve
// to this identical contract; authorization happens at the transport edge.
func (s *ArticleService) Execute(ctx context.Context, id uuid.UUID) (*orchestrator.Result, error) {
	if err := s.repo.Claim(ctx, id); err != nil {
		if errors.Is(err, postgresql.ErrNotClaimed) {
			job, getErr := s.repo.GetByID(ctx, id)
			if getErr != nil {
				return nil, getErr
			}
			return nil, fmt.Errorf("%w: status is %s", ErrNotExecutable, job.Status)
		}
		return nil, err
	}

	return s.runner.Run(ctx, id)
}

// ExecuteNext claims the highest-priority pending article job and runs it.
// Used by the internal scheduler. Returns (nil, nil) when nothing is pending.
func (s *ArticleService) ExecuteNext(ctx context.Context) (*orchestrator.Result, error) {
	job, err := s.repo.ClaimNextPending(ctx)
	if err != nil {
		if errors.Is(err, postgresql.ErrNotClaimed) {
			return nil, nil
		}
		return nil, err
	}
	return s.runner.Run(ctx, job.ID)
}

func (s *ArticleService) GetArticleJob(ctx context.Context, id uuid.UUID) (*entity.ArticleJob, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *ArticleService) ListArticleJobs(ctx context.Context, f postgresql.ArticleListFilter) ([]entity.ArticleJob, error) {
	return s.repo.List(ctx, f)
}

// CancelArticleJob requests cooperative cancellation; the orchestrator
// observes it at the next stage or iteration boundary.
func (s *ArticleService) CancelArticleJob(ctx context.Context, id uuid.UUID) error {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrAlreadyFinished, job.Status)
	}
	return s.repo.RequestCancel(ctx, id)
}
