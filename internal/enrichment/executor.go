package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/phuslu/log"

	"cms-job-service/internal/entity"
	"cms-job-service/internal/events"
)

// ErrCancelled signals a cooperatively cancelled run to the dispatcher.
var ErrCancelled = errors.New("run cancelled")

// JobStore is the slice of the job repository the executor writes through.
type JobStore interface {
	UpdateProgress(ctx context.Context, id uuid.UUID, processed, failed, total int) error
	CancelRequested(ctx context.Context, id uuid.UUID) (bool, error)
}

// progressEvery bounds how often counters hit the store mid-run.
const progressEvery = 10

// maxRecordedErrors caps the per-item error list carried in the output.
const maxRecordedErrors = 10

// Executor processes one enrichment job with per-item fault isolation: a
// bad record is counted, never aborts the batch. Run-level faults (payload
// undecodable, store unavailable) are the only way the run itself errors.
type Executor struct {
	jobType entity.JobType
	source  Source
	store   JobStore
	bus     *events.Bus
	logger  *log.Logger
}

func NewExecutor(jobType entity.JobType, source Source, store JobStore, bus *events.Bus, logger *log.Logger) *Executor {
	return &Executor{
		jobType: jobType,
		source:  source,
		store:   store,
		bus:     bus,
		logger:  logger,
	}
}

func (e *Executor) Type() entity.JobType {
	return e.jobType
}

type runSummary struct {
	Processed int      `json:"processed"`
	Failed    int      `json:"failed"`
	Total     int      `json:"total"`
	Depth     int      `json:"depth,omitempty"`
	Errors    []string `json:"errors,omitempty"`
}

func (e *Executor) Run(ctx context.Context, job *entity.Job) (json.RawMessage, error) {
	payload, err := entity.DecodeEnrichmentPayload(job.Payload)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", job.ID, err)
	}

	var (
		summary runSummary
		current = payload.TargetIDs
		seen    = make(map[string]struct{}, len(current))
		depth   = 0
	)
	for _, id := range current {
		seen[id] = struct{}{}
	}
	summary.Total = len(current)

	for len(current) > 0 {
		var next []string

		for i, targetID := range current {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			cancelled, err := e.store.CancelRequested(ctx, job.ID)
			if err != nil {
				return nil, fmt.Errorf("check cancel: %w", err)
			}
			if cancelled {
				// flush counters so the cancelled row reflects work done
				_ = e.store.UpdateProgress(ctx, job.ID, summary.Processed, summary.Failed, summary.Total)
				return nil, ErrCancelled
			}

			followUps, err := e.source.Enrich(ctx, targetID, payload.Options)
			if err != nil {
				summary.Failed++
				if len(summary.Errors) < maxRecordedErrors {
					summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", targetID, err))
				}
				e.logger.Warn().
					Str("job_id", job.ID.String()).
					Str("target_id", targetID).
					Err(err).
					Msg("item enrichment failed")
			} else {
				summary.Processed++
				if payload.Options.Continuous && depth < payload.Options.MaxDepth {
					for _, f := range followUps {
						if _, ok := seen[f]; !ok {
							seen[f] = struct{}{}
							next = append(next, f)
						}
					}
				}
			}

			if (i+1)%progressEvery == 0 {
				if err := e.flushProgress(ctx, job.ID, &summary); err != nil {
					return nil, err
				}
			}
		}

		if err := e.flushProgress(ctx, job.ID, &summary); err != nil {
			return nil, err
		}

		if len(next) > 0 {
			depth++
			summary.Depth = depth
			summary.Total += len(next)
			if err := e.flushProgress(ctx, job.ID, &summary); err != nil {
				return nil, err
			}
		}
		current = next
	}

	e.logger.Info().
		Str("job_id", job.ID.String()).
		Str("job_type", string(e.jobType)).
		Int("processed", summary.Processed).
		Int("failed", summary.Failed).
		Int("total", summary.Total).
		Msg("enrichment run finished")

	return json.Marshal(summary)
}

func (e *Executor) flushProgress(ctx context.Context, jobID uuid.UUID, s *runSummary) error {
	if err := e.store.UpdateProgress(ctx, jobID, s.Processed, s.Failed, s.Total); err != nil {
		return fmt.Errorf("persist progress: %w", err)
	}

	percent := 100
	if s.Total > 0 {
		percent = (s.Processed + s.Failed) * 100 / s.Total
	}
	e.bus.Publish(events.Event{
		JobID:           jobID.String(),
		Type:            events.TypeProgress,
		Status:          entity.StatusProcessing,
		ProgressPercent: percent,
		ProcessedItems:  s.Processed,
		FailedItems:     s.Failed,
		TotalItems:      s.Total,
	})
	return nil
}
