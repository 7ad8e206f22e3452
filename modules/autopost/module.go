package autopost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ex-notebot/pkg/llm/completion"
	"ex-notebot/pkg/notebot"
)

const pipelineAuto = "auto"

type completer interface {
	Complete(ctx context.Context, prompt completion.Prompt) (string, error)
}

// Module posts unprompted notes on a random schedule.
type Module struct {
	cfg Config

	logger    *slog.Logger
	sender    notebot.NoteSender
	memory    notebot.MemoryBuffer
	completer completer
	scheduler *Scheduler

	sleep func(ctx context.Context, delay time.Duration) error

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	workers     sync.WaitGroup
}

// Option mutates one autopost module construction input.
type Option func(*Module)

// WithRandom overrides the random source used to draw delays.
func WithRandom(int64N func(n int64) int64) Option {
	return func(module *Module) {
		if int64N != nil {
			module.scheduler.int64N = int64N
		}
	}
}

// WithSleep overrides how the scheduler waits between posts.
func WithSleep(sleep func(ctx context.Context, delay time.Duration) error) Option {
	return func(module *Module) {
		if sleep != nil {
			module.sleep = sleep
		}
	}
}

// New creates one autopost module instance.
func New(cfg Config, options ...Option) (*Module, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("new autopost module: %w", err)
	}
	cfg = cfg.withDefaults()

	scheduler, err := NewScheduler(cfg.MinDelay, cfg.MaxDelay, nil)
	if err != nil {
		return nil, fmt.Errorf("new autopost module: %w", err)
	}

	module := &Module{
		cfg:       cfg,
		logger:    slog.Default(),
		scheduler: scheduler,
		sleep:     sleepContext,
	}
	for _, option := range options {
		option(module)
	}

	return module, nil
}

// Name returns the stable module identifier.
func (m *Module) Name() string {
	return "autopost"
}

// Spec declares service dependencies; the module consumes no events.
func (m *Module) Spec() notebot.ModuleSpec {
	return notebot.ModuleSpec{
		AdditionalCapabilities: []notebot.Capability{
			{
				Name:        "autopost-scheduler",
				Description: "posts unprompted notes at random intervals",
				RequiredServices: []string{
					notebot.ServiceNoteSender,
					notebot.ServiceAutonomousMemory,
					notebot.ServiceLLMProviderRegistry,
				},
			},
		},
	}
}

// OnRegister resolves the sender, memory and provider.
func (m *Module) OnRegister(_ context.Context, runtime notebot.ModuleRuntime) error {
	services := runtime.Services()

	logger, err := notebot.ResolveAs[*slog.Logger](services, notebot.ServiceLogger)
	switch {
	case err == nil:
		m.logger = logger.With("module", m.Name())
	case errors.Is(err, notebot.ErrServiceNotFound):
	default:
		return fmt.Errorf("autopost resolve logger: %w", err)
	}

	var metrics notebot.MetricsRecorder = notebot.NopMetrics{}
	resolvedMetrics, err := notebot.ResolveAs[notebot.MetricsRecorder](services, notebot.ServiceMetrics)
	switch {
	case err == nil:
		metrics = resolvedMetrics
	case errors.Is(err, notebot.ErrServiceNotFound):
	default:
		return fmt.Errorf("autopost resolve metrics: %w", err)
	}

	sender, err := notebot.ResolveAs[notebot.NoteSender](services, notebot.ServiceNoteSender)
	if err != nil {
		return fmt.Errorf("autopost resolve note sender: %w", err)
	}
	memory, err := notebot.ResolveAs[notebot.MemoryBuffer](services, notebot.ServiceAutonomousMemory)
	if err != nil {
		return fmt.Errorf("autopost resolve autonomous memory: %w", err)
	}
	registry, err := notebot.ResolveAs[notebot.LLMProviderRegistry](services, notebot.ServiceLLMProviderRegistry)
	if err != nil {
		return fmt.Errorf("autopost resolve provider registry: %w", err)
	}
	provider, err := registry.Resolve(m.cfg.Provider)
	if err != nil {
		return fmt.Errorf("autopost resolve provider %s: %w", m.cfg.Provider, err)
	}

	client, err := completion.NewClient(
		provider,
		completion.Settings{Model: m.cfg.Model, MaxOutputTokens: m.cfg.MaxOutputTokens},
		completion.WithPipeline(pipelineAuto),
		completion.WithTimeout(m.cfg.RequestTimeout),
		completion.WithLogger(m.logger),
		completion.WithMetrics(metrics),
	)
	if err != nil {
		return fmt.Errorf("autopost build completion client: %w", err)
	}

	m.sender = sender
	m.memory = memory
	m.completer = client

	return nil
}

// OnStart launches the scheduling loop.
func (m *Module) OnStart(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if m.cancel != nil {
		return fmt.Errorf("autopost start: already started")
	}
	if m.completer == nil {
		return fmt.Errorf("autopost start: module not registered")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.workers.Add(1)
	go func() {
		defer m.workers.Done()
		m.run(runCtx)
	}()

	return nil
}

// OnShutdown cancels the pending wait and waits for an in-flight post.
func (m *Module) OnShutdown(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if m.cancel != nil {
		m.cancel()
	}

	done := make(chan struct{})
	go func() {
		m.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("autopost shutdown: %w", ctx.Err())
	}
}

func (m *Module) run(ctx context.Context) {
	for {
		delay := m.scheduler.NextDelay()
		m.logger.Info("next auto message scheduled",
			"minutes", delay.Minutes(),
			"delay", delay,
		)

		if err := m.sleep(ctx, delay); err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}

		// The next delay is drawn right away; the post runs beside the wait.
		m.workers.Add(1)
		go func() {
			defer m.workers.Done()
			m.postOnce(ctx)
		}()
	}
}

func (m *Module) postOnce(ctx context.Context) {
	ctx, _ = notebot.WithPipelineID(ctx)
	logger := notebot.PipelineLogger(ctx, m.logger)

	text, err := m.completer.Complete(ctx, completion.Prompt{
		Preamble:     m.cfg.Preamble,
		HistoryLabel: historyLabel,
		History:      m.memory.Render(),
		Body:         m.cfg.Trigger,
		Message:      m.cfg.Trigger,
	})
	if err != nil {
		logger.Warn("auto message skipped", "error", err)
		return
	}

	if err := m.sender.PostNew(ctx, text); err != nil {
		logger.Warn("auto message not delivered", "error", err)
		return
	}
	// The sender already appended text to the interactive buffer; auto posts belong in both.
	m.memory.Append(m.cfg.BotUsername, text)
	logger.Info("auto message posted", "memory_entries", m.memory.Len())
}

var (
	_ notebot.Module          = (*Module)(nil)
	_ notebot.ModuleRegistrar = (*Module)(nil)
)
