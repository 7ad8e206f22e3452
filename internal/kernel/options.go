package kernel

import (
	"context"
	"log/slog"
	"time"
)

// Defaults suit a bot that handles a few notes per minute: handlers only hand
// notes to the coalescer, so a short timeout is plenty.
const (
	defaultModuleHookTimeout  = 5 * time.Second
	defaultShutdownTimeout    = 10 * time.Second
	defaultSubscriptionBuffer = 256
	defaultHandlerTimeout     = 3 * time.Second
)

type config struct {
	moduleHookTimeout time.Duration
	shutdownTimeout   time.Duration
	bus               busConfig
	logger            *slog.Logger
}

// Option adjusts kernel construction.
type Option func(*config)

func defaultConfig() config {
	logger := slog.Default()

	return config{
		moduleHookTimeout: defaultModuleHookTimeout,
		shutdownTimeout:   defaultShutdownTimeout,
		bus: busConfig{
			buffer:         defaultSubscriptionBuffer,
			handlerTimeout: defaultHandlerTimeout,
			onAsyncError:   logAsyncError(logger),
		},
		logger: logger,
	}
}

func logAsyncError(logger *slog.Logger) func(context.Context, string, error) {
	return func(ctx context.Context, scope string, err error) {
		logger.WarnContext(ctx, "note handling failed", "subscription", scope, "error", err)
	}
}

// WithModuleHookTimeout bounds each OnRegister, OnStart and OnShutdown call.
func WithModuleHookTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		if timeout > 0 {
			cfg.moduleHookTimeout = timeout
		}
	}
}

// WithShutdownTimeout bounds the whole shutdown sequence.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		if timeout > 0 {
			cfg.shutdownTimeout = timeout
		}
	}
}

// WithSubscriptionBuffer sets the queue depth for subscriptions that leave it unset.
func WithSubscriptionBuffer(size int) Option {
	return func(cfg *config) {
		if size > 0 {
			cfg.bus.buffer = size
		}
	}
}

// WithHandlerTimeout sets the per-note handler deadline for subscriptions that leave it unset.
func WithHandlerTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		if timeout > 0 {
			cfg.bus.handlerTimeout = timeout
		}
	}
}

// WithLogger replaces the kernel logger. Unless WithAsyncErrorHandler is also
// given, handler failures are logged through it.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		if logger == nil {
			return
		}

		cfg.logger = logger
		cfg.bus.onAsyncError = logAsyncError(logger)
	}
}

// WithAsyncErrorHandler receives handler failures and dropped notes.
func WithAsyncErrorHandler(handler func(context.Context, string, error)) Option {
	return func(cfg *config) {
		if handler != nil {
			cfg.bus.onAsyncError = handler
		}
	}
}
