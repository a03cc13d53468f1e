package scheduler

import (
	"context"

	"github.com/phuslu/log"
	"github.com/robfig/cron/v3"

	"cms-job-service/internal/orchestrator"
)

// ArticleRunner drains pending article jobs one at a time.
type ArticleRunner interface {
	ExecuteNext(ctx context.Context) (*orchestrator.Result, error)
}

// Scheduler periodically picks up pending article jobs so that queued
// work proceeds even when no one calls the execute endpoint. Each tick
// drains the backlog serially; article pipelines are long-running and
// token-budgeted, so one at a time is deliberate.
type Scheduler struct {
	runner ArticleRunner
	spec   string
	cron   *cron.Cron
	logger *log.Logger

	ctx context.Context
}

func New(runner ArticleRunner, spec string, logger *log.Logger) *Scheduler {
	if spec == "" {
		spec = "@every 1m"
	}
	return &Scheduler{
		runner: runner,
		spec:   spec,
		cron:   cron.New(),
		logger: logger,
	}
}

// Start registers the tick and launches the cron loop. The passed
// context bounds every pipeline run started by the scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx = ctx
	if _, err := s.cron.AddFunc(s.spec, s.tick); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info().Str("schedule", s.spec).Msg("article scheduler started")
	return nil
}

// Stop halts the cron loop and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info().Msg("article scheduler stopped")
}

func (s *Scheduler) tick() {
	for {
		if s.ctx.Err() != nil {
			return
		}
		res, err := s.runner.ExecuteNext(s.ctx)
		if err != nil {
			s.logger.Error().Err(err).Msg("scheduled article run failed")
			return
		}
		if res == nil {
			// backlog drained
			return
		}
		s.logger.Info().Str("status", string(res.Status)).
			Int64("tokens_used", res.TotalTokensUsed).
			Int("iterations", res.Iterations).
			Msg("scheduled article run finished")
	}
}
