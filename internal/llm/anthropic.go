package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/phuslu/log"
	"golang.org/x/time/rate"
)

// AnthropicProvider implements Provider on the Anthropic Messages API.
type AnthropicProvider struct {
	client       anthropic.Client
	logger       *log.Logger
	defaultModel string
	maxTokens    int
	timeout      time.Duration
	limiter      *rate.Limiter
}

type AnthropicConfig struct {
	APIKey            string
	Model             string
	MaxTokens         int
	TimeoutSeconds    int
	RequestsPerMinute int
}

func NewAnthropicProvider(cfg AnthropicConfig, logger *log.Logger) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-20250514"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 8192
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 120
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 30
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		logger:       logger,
		defaultModel: cfg.Model,
		maxTokens:    cfg.MaxTokens,
		timeout:      time.Duration(cfg.TimeoutSeconds) * time.Second,
		limiter:      rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), 1),
	}, nil
}

func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (*Completion, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("%w: empty prompt", ErrInvalidResponse)
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	msg, err := p.client.Messages.New(callCtx, params)
	if err != nil {
		return nil, p.classify(err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, fmt.Errorf("%w: no text blocks in message", ErrInvalidResponse)
	}

	out := &Completion{
		Text:         text.String(),
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
	}

	p.logger.Debug().
		Str("model", model).
		Int64("input_tokens", out.InputTokens).
		Int64("output_tokens", out.OutputTokens).
		Dur("duration", time.Since(start)).
		Msg("completion finished")

	return out, nil
}

// classify maps vendor errors onto the port's error kinds.
func (p *AnthropicProvider) classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		case apierr.StatusCode == http.StatusRequestTimeout,
			apierr.StatusCode == http.StatusGatewayTimeout:
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		case apierr.StatusCode >= 500:
			// Vendor-side overload behaves like a rate limit for callers.
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		}
		return fmt.Errorf("%w: status %d: %v", ErrInvalidResponse, apierr.StatusCode, err)
	}

	return fmt.Errorf("anthropic call failed: %w", err)
}
