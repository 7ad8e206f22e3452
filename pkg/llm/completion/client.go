// Package completion turns rendered prompts into one provider call.
//
// Failures never retry; callers treat ErrCompletionFailed as "skip this turn".
package completion

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"ex-notebot/pkg/notebot"
)

const defaultTimeout = 90 * time.Second

// Settings selects the model and output bound for one pipeline.
type Settings struct {
	Model           string
	MaxOutputTokens int
}

type clientConfig struct {
	pipeline string
	timeout  time.Duration
	logger   *slog.Logger
	metrics  notebot.MetricsRecorder
	clock    func() time.Time
}

// Option mutates Client configuration.
type Option func(*clientConfig)

// WithPipeline labels metrics and logs, for example "reply" or "auto".
func WithPipeline(name string) Option {
	return func(cfg *clientConfig) {
		if name != "" {
			cfg.pipeline = name
		}
	}
}

// WithTimeout bounds one provider call.
func WithTimeout(timeout time.Duration) Option {
	return func(cfg *clientConfig) {
		if timeout > 0 {
			cfg.timeout = timeout
		}
	}
}

// WithLogger configures failure logging.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *clientConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithMetrics configures completion counters.
func WithMetrics(metrics notebot.MetricsRecorder) Option {
	return func(cfg *clientConfig) {
		if metrics != nil {
			cfg.metrics = metrics
		}
	}
}

// WithClock overrides the latency clock.
func WithClock(clock func() time.Time) Option {
	return func(cfg *clientConfig) {
		if clock != nil {
			cfg.clock = clock
		}
	}
}

// Client sends prompts to one provider with fixed settings.
type Client struct {
	cfg      clientConfig
	provider notebot.LLMProvider
	settings Settings
}

// NewClient creates a completion client.
func NewClient(provider notebot.LLMProvider, settings Settings, options ...Option) (*Client, error) {
	if provider == nil {
		return nil, fmt.Errorf("new completion client: nil provider")
	}
	settings.Model = strings.TrimSpace(settings.Model)
	if settings.Model == "" {
		return nil, fmt.Errorf("new completion client: missing model")
	}
	if settings.MaxOutputTokens < 0 {
		return nil, fmt.Errorf("new completion client: max output tokens must be >= 0")
	}

	cfg := clientConfig{
		pipeline: "default",
		timeout:  defaultTimeout,
		logger:   slog.Default(),
		metrics:  notebot.NopMetrics{},
		clock:    time.Now,
	}
	for _, option := range options {
		option(&cfg)
	}

	return &Client{cfg: cfg, provider: provider, settings: settings}, nil
}

// Complete returns the generated text for prompt.
//
// Transport errors, provider errors and empty output all wrap ErrCompletionFailed.
func (c *Client) Complete(ctx context.Context, prompt Prompt) (string, error) {
	logger := notebot.PipelineLogger(ctx, c.cfg.logger).With("pipeline", c.cfg.pipeline)

	request := notebot.LLMGenerateRequest{
		Model:           c.settings.Model,
		Instructions:    prompt.Render(),
		Input:           prompt.Message,
		MaxOutputTokens: c.settings.MaxOutputTokens,
	}
	if err := request.Validate(); err != nil {
		logger.Warn("completion request rejected", "error", err)
		return "", fmt.Errorf("%w: %w", notebot.ErrCompletionFailed, err)
	}

	requestCtx, cancel := context.WithTimeout(ctx, c.cfg.timeout)
	defer cancel()

	started := c.cfg.clock()
	result, err := c.provider.Generate(requestCtx, request)
	elapsed := c.cfg.clock().Sub(started)
	if err != nil {
		c.cfg.metrics.ObserveCompletion(c.cfg.pipeline, false, elapsed)
		logger.Error("completion failed", "error", err, "elapsed", elapsed)
		return "", fmt.Errorf("%w: %w", notebot.ErrCompletionFailed, err)
	}
	if strings.TrimSpace(result.Text) == "" {
		c.cfg.metrics.ObserveCompletion(c.cfg.pipeline, false, elapsed)
		logger.Error("completion returned no text", "finish_reason", result.FinishReason, "elapsed", elapsed)
		return "", fmt.Errorf("%w: empty text", notebot.ErrCompletionFailed)
	}

	c.cfg.metrics.ObserveCompletion(c.cfg.pipeline, true, elapsed)
	logger.Debug("completion succeeded",
		"finish_reason", result.FinishReason,
		"total_tokens", result.TotalTokens,
		"elapsed", elapsed,
	)

	return result.Text, nil
}
