package llm

import (
	"context"
	"errors"
)

// Provider error kinds. The orchestrator owns retry policy; the adapter only
// classifies what happened.
var (
	// ErrRateLimited: caller should back off and retry within the current stage.
	ErrRateLimited = errors.New("llm: rate limited")
	// ErrTimeout: retryable once, then fatal for the stage.
	ErrTimeout = errors.New("llm: timeout")
	// ErrInvalidResponse: fatal, retrying verbatim cannot salvage it.
	ErrInvalidResponse = errors.New("llm: invalid response")
)

// Request is a single text-completion call.
type Request struct {
	System      string
	Prompt      string
	Model       string
	MaxTokens   int
	Temperature float64
}

// Completion is the provider's answer plus token usage for cost accounting.
type Completion struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
}

func (c *Completion) TotalTokens() int64 {
	return c.InputTokens + c.OutputTokens
}

// Provider is the port over a text-completion vendor. Adapters are pure:
// no pipeline knowledge, no retry loops.
type Provider interface {
	Complete(ctx context.Context, req Request) (*Completion, error)
}
