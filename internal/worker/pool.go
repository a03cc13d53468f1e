package worker

import (
	"context"
	"time"

	"github.com/phuslu/log"

	"cms-job-service/internal/service"
)

type Pool struct {
	queue      service.Queue
	processor  *Processor
	workers    int
	claimDelay time.Duration
	logger     *log.Logger
}

func NewPool(queue service.Queue, processor *Processor, workers int, logger *log.Logger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	return &Pool{
		queue:      queue,
		processor:  processor,
		workers:    workers,
		claimDelay: 5 * time.Second,
		logger:     logger,
	}
}

func (p *Pool) Run(ctx context.Context) {
	p.logger.Info().Int("workers", p.workers).Msg("worker pool started")

	jobCh := make(chan string)

	for i := 0; i < p.workers; i++ {
		go func(n int) {
			for jobID := range jobCh {
				err := p.processor.Process(ctx, jobID)
				if err != nil {
					p.logger.Error().Int("worker", n).Str("job_id", jobID).Err(err).Msg("process job")
				}

				// Ack unconditionally: the row already carries a terminal
				// status, or Process failed before writing one and the
				// stale reaper will requeue the id.
				if ackErr := p.queue.Ack(ctx, jobID); ackErr != nil {
					p.logger.Error().Int("worker", n).Str("job_id", jobID).Err(ackErr).Msg("ack job")
				}
			}
		}(i + 1)
	}

	// Listener: atomically move ids from the queue into processing.
	for {
		select {
		case <-ctx.Done():
			close(jobCh)
			p.logger.Info().Msg("worker pool stopped")
			return
		default:
			jobID, err := p.queue.ClaimBlocking(ctx, p.claimDelay)
			if err != nil {
				// timeout, redis.Nil or ctx cancel, not fatal
				continue
			}
			select {
			case jobCh <- jobID:
			case <-ctx.Done():
				close(jobCh)
				return
			}
		}
	}
}
