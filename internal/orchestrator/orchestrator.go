package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/phuslu/log"

	"cms-job-service/internal/entity"
	"cms-job-service/internal/events"
	"cms-job-service/internal/llm"
)

// Store is the slice of the article repository the pipeline needs. The job
// record is the only shared mutable resource; every write goes through it.
type Store interface {
	GetByID(ctx context.Context, id uuid.UUID) (*entity.ArticleJob, error)
	UpdateStage(ctx context.Context, id uuid.UUID, agent entity.AgentStage, progress, iteration int, tokens int64, cost float64) error
	Complete(ctx context.Context, id uuid.UUID, out *entity.FinalOutput, tokens int64, cost float64) error
	Fail(ctx context.Context, id uuid.UUID, errText string, tokens int64, cost float64) error
	MarkCancelled(ctx context.Context, id uuid.UUID, tokens int64, cost float64) error
	CancelRequested(ctx context.Context, id uuid.UUID) (bool, error)
}

// Result is what both execution callers get back.
type Result struct {
	Status          entity.JobStatus `json:"status"`
	TotalTokensUsed int64            `json:"total_tokens_used"`
	Iterations      int              `json:"iterations"`
	Cancelled       bool             `json:"cancelled"`
	Error           string           `json:"error,omitempty"`
}

type Config struct {
	// MaxStageRetries bounds rate-limit retries within one stage call.
	MaxStageRetries int
	// RetryBackoff is the base wait between retries, scaled by attempt.
	RetryBackoff time.Duration
}

// Orchestrator drives the fixed agent pipeline for one article job:
// research -> draft -> critique (revision loop) -> finalize.
type Orchestrator struct {
	store    Store
	provider llm.Provider
	prices   *llm.PriceTable
	bus      *events.Bus
	cfg      Config
	logger   *log.Logger
}

func New(store Store, provider llm.Provider, prices *llm.PriceTable, bus *events.Bus, cfg Config, logger *log.Logger) *Orchestrator {
	if cfg.MaxStageRetries <= 0 {
		cfg.MaxStageRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 2 * time.Second
	}
	return &Orchestrator{
		store:    store,
		provider: provider,
		prices:   prices,
		bus:      bus,
		cfg:      cfg,
		logger:   logger,
	}
}

// Stage progress checkpoints. Only ever increases; revision iterations hold
// at the critique mark until finalize.
var stageProgress = map[entity.AgentStage]int{
	entity.StageResearch: 15,
	entity.StageDraft:    40,
	entity.StageCritique: 60,
	entity.StageFinalize: 90,
}

// run carries the mutable accumulator state for one pipeline execution.
type run struct {
	job       *entity.ArticleJob
	tokens    int64
	cost      float64
	iteration int
}

// Run executes the pipeline for an already-claimed (processing) job and
// drives it to a terminal state. A context error leaves the job visibly
// stalled in processing rather than guessing a terminal state for it.
func (o *Orchestrator) Run(ctx context.Context, jobID uuid.UUID) (*Result, error) {
	job, err := o.store.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != entity.StatusProcessing {
		return nil, fmt.Errorf("job %s is %s, expected processing", jobID, job.Status)
	}

	st := &run{job: job}
	start := time.Now()

	o.logger.Info().
		Str("job_id", jobID.String()).
		Str("keyword", job.Keyword).
		Int("max_iterations", job.MaxIterations).
		Msg("pipeline started")

	res, err := o.execute(ctx, st)
	if err != nil {
		return nil, err
	}

	o.logger.Info().
		Str("job_id", jobID.String()).
		Str("status", string(res.Status)).
		Int64("tokens", res.TotalTokensUsed).
		Int("iterations", res.Iterations).
		Dur("duration", time.Since(start)).
		Msg("pipeline finished")

	return res, nil
}

func (o *Orchestrator) execute(ctx context.Context, st *run) (*Result, error) {
	jobID := st.job.ID

	if cancelled, err := o.checkCancel(ctx, st); err != nil {
		return nil, err
	} else if cancelled {
		return o.cancelledResult(st), nil
	}

	research, err := o.callStage(ctx, st, entity.StageResearch, researchPrompt(st.job))
	if err != nil {
		return o.failResult(ctx, st, fmt.Sprintf("research stage: %v", err))
	}
	if err := o.persistStage(ctx, st, entity.StageResearch); err != nil {
		return nil, err
	}

	var draft, feedback string
	for st.iteration = 1; ; st.iteration++ {
		if cancelled, err := o.checkCancel(ctx, st); cancelled || err != nil {
			return o.cancelledResult(st), err
		}

		draft, err = o.callStage(ctx, st, entity.StageDraft, draftPrompt(st.job, research, feedback))
		if err != nil {
			return o.failResult(ctx, st, fmt.Sprintf("draft stage (iteration %d): %v", st.iteration, err))
		}
		if err := o.persistStage(ctx, st, entity.StageDraft); err != nil {
			return nil, err
		}

		if cancelled, err := o.checkCancel(ctx, st); cancelled || err != nil {
			return o.cancelledResult(st), err
		}

		critique, err := o.callStage(ctx, st, entity.StageCritique, critiquePrompt(st.job, draft))
		if err != nil {
			return o.failResult(ctx, st, fmt.Sprintf("critique stage (iteration %d): %v", st.iteration, err))
		}
		if err := o.persistStage(ctx, st, entity.StageCritique); err != nil {
			return nil, err
		}

		if approved(critique, st.job.Settings.QualityThreshold) || st.iteration >= st.job.MaxIterations {
			break
		}
		feedback = critique
	}

	if cancelled, err := o.checkCancel(ctx, st); err != nil {
		return nil, err
	} else if cancelled {
		return o.cancelledResult(st), nil
	}

	finalText, err := o.callStage(ctx, st, entity.StageFinalize, finalizePrompt(st.job, draft))
	if err != nil {
		return o.failResult(ctx, st, fmt.Sprintf("finalize stage: %v", err))
	}
	if err := o.persistStage(ctx, st, entity.StageFinalize); err != nil {
		return nil, err
	}

	out, err := parseFinalOutput(finalText, st.job.Keyword)
	if err != nil {
		return o.failResult(ctx, st, fmt.Sprintf("no valid final output: %v", err))
	}

	if err := o.store.Complete(ctx, jobID, out, st.tokens, st.cost); err != nil {
		return nil, err
	}
	o.bus.Publish(events.Event{
		JobID:           jobID.String(),
		Type:            events.TypeCompleted,
		Status:          entity.StatusCompleted,
		ProgressPercent: 100,
		Iteration:       st.iteration,
		TokensUsed:      st.tokens,
		CostUSD:         st.cost,
	})

	return &Result{
		Status:          entity.StatusCompleted,
		TotalTokensUsed: st.tokens,
		Iterations:      st.iteration,
	}, nil
}

// callStage invokes the provider for one stage, owning the retry policy:
// rate limits back off and retry within a bounded budget, a timeout is
// retried once, an invalid response is fatal immediately.
func (o *Orchestrator) callStage(ctx context.Context, st *run, stage entity.AgentStage, prompt string) (string, error) {
	timeoutRetried := false

	for attempt := 0; ; attempt++ {
		comp, err := o.provider.Complete(ctx, llm.Request{
			System:      systemPrompt,
			Prompt:      prompt,
			Model:       st.job.Settings.Model,
			Temperature: 0.7,
		})
		if err == nil {
			st.tokens += comp.TotalTokens()
			st.cost += o.prices.Cost(st.job.Settings.Model, comp.InputTokens, comp.OutputTokens)
			return comp.Text, nil
		}

		switch {
		case errors.Is(err, llm.ErrRateLimited):
			if attempt >= o.cfg.MaxStageRetries {
				return "", fmt.Errorf("rate limit retries exhausted: %w", err)
			}
			backoff := o.cfg.RetryBackoff * time.Duration(attempt+1)
			o.logger.Warn().
				Str("job_id", st.job.ID.String()).
				Str("stage", string(stage)).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("rate limited, backing off")
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}

		case errors.Is(err, llm.ErrTimeout):
			if timeoutRetried {
				return "", fmt.Errorf("timed out twice: %w", err)
			}
			timeoutRetried = true
			o.logger.Warn().
				Str("job_id", st.job.ID.String()).
				Str("stage", string(stage)).
				Msg("stage call timed out, retrying once")

		default:
			return "", err
		}
	}
}

func (o *Orchestrator) persistStage(ctx context.Context, st *run, stage entity.AgentStage) error {
	if err := o.store.UpdateStage(ctx, st.job.ID, stage, stageProgress[stage], st.iteration, st.tokens, st.cost); err != nil {
		return err
	}
	o.bus.Publish(events.Event{
		JobID:           st.job.ID.String(),
		Type:            events.TypeStage,
		Status:          entity.StatusProcessing,
		Stage:           stage,
		ProgressPercent: stageProgress[stage],
		Iteration:       st.iteration,
		TokensUsed:      st.tokens,
		CostUSD:         st.cost,
	})
	return nil
}

// checkCancel observes the cooperative cancellation flag at a yield point.
// When set, the job is moved to cancelled before any further LLM call.
func (o *Orchestrator) checkCancel(ctx context.Context, st *run) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	requested, err := o.store.CancelRequested(ctx, st.job.ID)
	if err != nil {
		return false, err
	}
	if !requested {
		return false, nil
	}

	if err := o.store.MarkCancelled(ctx, st.job.ID, st.tokens, st.cost); err != nil {
		return false, err
	}
	o.bus.Publish(events.Event{
		JobID:      st.job.ID.String(),
		Type:       events.TypeCancelled,
		Status:     entity.StatusCancelled,
		Iteration:  st.iteration,
		TokensUsed: st.tokens,
		CostUSD:    st.cost,
	})
	return true, nil
}

func (o *Orchestrator) cancelledResult(st *run) *Result {
	return &Result{
		Status:          entity.StatusCancelled,
		TotalTokensUsed: st.tokens,
		Iterations:      st.iteration,
		Cancelled:       true,
	}
}

func (o *Orchestrator) failResult(ctx context.Context, st *run, msg string) (*Result, error) {
	if err := o.store.Fail(ctx, st.job.ID, msg, st.tokens, st.cost); err != nil {
		return nil, err
	}
	o.bus.Publish(events.Event{
		JobID:      st.job.ID.String(),
		Type:       events.TypeFailed,
		Status:     entity.StatusFailed,
		Iteration:  st.iteration,
		TokensUsed: st.tokens,
		CostUSD:    st.cost,
		Error:      msg,
	})

	o.logger.Error().
		Str("job_id", st.job.ID.String()).
		Str("error", msg).
		Msg("pipeline failed")

	return &Result{
		Status:          entity.StatusFailed,
		TotalTokensUsed: st.tokens,
		Iterations:      st.iteration,
		Error:           msg,
	}, nil
}

var (
	scoreLine   = regexp.MustCompile(`(?im)^\s*SCORE:\s*(\d+)\b`)
	verdictLine = regexp.MustCompile(`(?im)^\s*VERDICT:\s*(APPROVED|REVISE)\b`)
)

// approved parses the critique's quality signal. An explicit APPROVED
// verdict wins; otherwise the numeric score is compared to the threshold.
func approved(critique string, threshold int) bool {
	if m := verdictLine.FindStringSubmatch(critique); m != nil {
		return strings.EqualFold(m[1], "APPROVED")
	}
	if m := scoreLine.FindStringSubmatch(critique); m != nil {
		if score, err := strconv.Atoi(m[1]); err == nil {
			return score >= threshold
		}
	}
	return false
}

// parseFinalOutput extracts the structured result from the finalize stage.
// Models occasionally wrap JSON in fences or prose, so it takes the
// outermost object. Title and content are mandatory; slug and focus
// keyword are derived when missing.
func parseFinalOutput(text, keyword string) (*entity.FinalOutput, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, errors.New("no JSON object in finalize response")
	}

	var out entity.FinalOutput
	if err := json.Unmarshal([]byte(text[start:end+1]), &out); err != nil {
		return nil, fmt.Errorf("decode finalize response: %w", err)
	}

	if strings.TrimSpace(out.Title) == "" {
		return nil, errors.New("finalize response has empty title")
	}
	if strings.TrimSpace(out.Content) == "" {
		return nil, errors.New("finalize response has empty content")
	}
	if out.Slug == "" {
		out.Slug = entity.Slugify(out.Title)
	}
	if out.FocusKeyword == "" {
		out.FocusKeyword = keyword
	}
	return &out, nil
}
