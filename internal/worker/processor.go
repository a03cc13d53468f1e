package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/phuslu/log"

	"cms-job-service/internal/enrichment"
	"cms-job-service/internal/entity"
	"cms-job-service/internal/events"
	"cms-job-service/internal/repository/postgresql"
)

type JobRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error)
	Claim(ctx context.Context, id uuid.UUID) error
	Complete(ctx context.Context, id uuid.UUID, output json.RawMessage) error
	Fail(ctx context.Context, id uuid.UUID, errText string) error
	MarkCancelled(ctx context.Context, id uuid.UUID) error
}

type Processor struct {
	repo     JobRepo
	registry *Registry
	bus      *events.Bus
	logger   *log.Logger
}

func NewProcessor(repo JobRepo, registry *Registry, bus *events.Bus, logger *log.Logger) *Processor {
	return &Processor{repo: repo, registry: registry, bus: bus, logger: logger}
}

// Process handles one delivered job id. Delivery is at least once; the
// conditional claim on the row is what decides ownership. Losing the
// claim means another worker has the job (or it was cancelled while
// still queued), so the id is dropped without error.
func (p *Processor) Process(ctx context.Context, jobID string) error {
	start := time.Now()

	id, err := uuid.Parse(jobID)
	if err != nil {
		p.logger.Warn().Str("job_id", jobID).Err(err).Msg("dropping unparseable job id")
		return nil
	}

	if err := p.repo.Claim(ctx, id); err != nil {
		if errors.Is(err, postgresql.ErrNotClaimed) || errors.Is(err, postgresql.ErrNotFound) {
			p.logger.Debug().Str("job_id", jobID).Msg("job not claimable, skipping")
			return nil
		}
		return fmt.Errorf("claim job: %w", err)
	}

	job, err := p.repo.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("load claimed job: %w", err)
	}

	exec, ok := p.registry.Lookup(job.Type)
	if !ok {
		errText := "no executor registered for type " + string(job.Type)
		if failErr := p.repo.Fail(ctx, id, errText); failErr != nil {
			return fmt.Errorf("fail job without executor: %w", failErr)
		}
		p.publish(jobID, events.TypeFailed, entity.StatusFailed, errText)
		return nil
	}

	p.logger.Info().Str("job_id", jobID).Str("type", string(job.Type)).Msg("job claimed")

	output, runErr := exec.Run(ctx, job)
	elapsed := time.Since(start).Milliseconds()

	switch {
	case errors.Is(runErr, enrichment.ErrCancelled):
		if err := p.repo.MarkCancelled(ctx, id); err != nil {
			return fmt.Errorf("mark job cancelled: %w", err)
		}
		p.publish(jobID, events.TypeCancelled, entity.StatusCancelled, "")
		p.logger.Info().Str("job_id", jobID).Int64("duration_ms", elapsed).Msg("job cancelled")
		return nil

	case runErr != nil:
		if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
			// Shutdown mid-run. The row stays in processing and the
			// stale-delivery reaper returns the id to the queue.
			return runErr
		}
		if err := p.repo.Fail(ctx, id, runErr.Error()); err != nil {
			return fmt.Errorf("mark job failed: %w", err)
		}
		p.publish(jobID, events.TypeFailed, entity.StatusFailed, runErr.Error())
		p.logger.Warn().Str("job_id", jobID).Str("type", string(job.Type)).
			Int64("duration_ms", elapsed).Err(runErr).Msg("job failed")
		return nil

	default:
		if err := p.repo.Complete(ctx, id, output); err != nil {
			return fmt.Errorf("mark job completed: %w", err)
		}
		p.publish(jobID, events.TypeCompleted, entity.StatusCompleted, "")
		p.logger.Info().Str("job_id", jobID).Str("type", string(job.Type)).
			Int64("duration_ms", elapsed).Msg("job completed")
		return nil
	}
}

func (p *Processor) publish(jobID string, typ events.EventType, status entity.JobStatus, errText string) {
	ev := events.Event{JobID: jobID, Type: typ, Status: status, Error: errText}
	if status == entity.StatusCompleted {
		ev.ProgressPercent = 100
	}
	p.bus.Publish(ev)
}
