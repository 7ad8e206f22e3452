package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"ex-notebot/pkg/llm/completion"
	"ex-notebot/pkg/notebot"
)

type completer interface {
	Complete(ctx context.Context, prompt completion.Prompt) (string, error)
}

// Module answers mentions and replies addressed to the bot.
type Module struct {
	cfg Config

	logger     *slog.Logger
	metrics    notebot.MetricsRecorder
	memory     notebot.MemoryBuffer
	sender     notebot.NoteSender
	completer  completer
	coalescer  *Coalescer
	selections chan Selection

	coalescerOptions []CoalescerOption

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	stopped     chan struct{}
	workers     sync.WaitGroup
}

// Option mutates one chat module construction input.
type Option func(*Module)

// WithTimerFactory overrides the coalescing timer factory.
func WithTimerFactory(afterFunc AfterFunc) Option {
	return func(module *Module) {
		module.coalescerOptions = append(module.coalescerOptions, WithAfterFunc(afterFunc))
	}
}

// New creates one chat module instance.
func New(cfg Config, options ...Option) (*Module, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("new chat module: %w", err)
	}

	module := &Module{
		cfg:     cfg.withDefaults(),
		logger:  slog.Default(),
		metrics: notebot.NopMetrics{},
		stopped: make(chan struct{}),
	}
	for _, option := range options {
		option(module)
	}
	module.selections = make(chan Selection, module.cfg.QueueSize)

	return module, nil
}

// Name returns the stable module identifier.
func (m *Module) Name() string {
	return "chat"
}

// Spec declares the mention and reply handler.
func (m *Module) Spec() notebot.ModuleSpec {
	return notebot.ModuleSpec{
		Handlers: []notebot.ModuleHandler{
			{
				Capability: notebot.Capability{
					Name:        "chat-reply",
					Description: "answers notes that mention or reply to the bot",
					Interest: notebot.InterestSet{
						Kinds: []notebot.EventKind{
							notebot.EventKindNoteMention,
							notebot.EventKindNoteReply,
						},
					},
					RequiredServices: []string{
						notebot.ServiceNoteDispatcher,
						notebot.ServiceInteractiveMemory,
						notebot.ServiceLLMProviderRegistry,
					},
				},
				Subscription: notebot.NewDefaultSubscriptionSpec("chat-notes"),
				Handler:      m.handleNote,
			},
		},
	}
}

// OnRegister resolves dependencies and registers the shared note sender.
func (m *Module) OnRegister(_ context.Context, runtime notebot.ModuleRuntime) error {
	services := runtime.Services()

	logger, err := notebot.ResolveAs[*slog.Logger](services, notebot.ServiceLogger)
	switch {
	case err == nil:
		m.logger = logger.With("module", m.Name())
	case errors.Is(err, notebot.ErrServiceNotFound):
	default:
		return fmt.Errorf("chat resolve logger: %w", err)
	}

	metrics, err := notebot.ResolveAs[notebot.MetricsRecorder](services, notebot.ServiceMetrics)
	switch {
	case err == nil:
		m.metrics = metrics
	case errors.Is(err, notebot.ErrServiceNotFound):
	default:
		return fmt.Errorf("chat resolve metrics: %w", err)
	}

	dispatcher, err := notebot.ResolveAs[notebot.NoteDispatcher](services, notebot.ServiceNoteDispatcher)
	if err != nil {
		return fmt.Errorf("chat resolve note dispatcher: %w", err)
	}

	memory, err := notebot.ResolveAs[notebot.MemoryBuffer](services, notebot.ServiceInteractiveMemory)
	if err != nil {
		return fmt.Errorf("chat resolve interactive memory: %w", err)
	}

	registry, err := notebot.ResolveAs[notebot.LLMProviderRegistry](services, notebot.ServiceLLMProviderRegistry)
	if err != nil {
		return fmt.Errorf("chat resolve provider registry: %w", err)
	}
	provider, err := registry.Resolve(m.cfg.Provider)
	if err != nil {
		return fmt.Errorf("chat resolve provider %s: %w", m.cfg.Provider, err)
	}

	client, err := completion.NewClient(
		provider,
		completion.Settings{Model: m.cfg.Model, MaxOutputTokens: m.cfg.MaxOutputTokens},
		completion.WithPipeline(pipelineReply),
		completion.WithTimeout(m.cfg.RequestTimeout),
		completion.WithLogger(m.logger),
		completion.WithMetrics(m.metrics),
	)
	if err != nil {
		return fmt.Errorf("chat build completion client: %w", err)
	}

	sender, err := NewSender(dispatcher, memory, m.cfg.BotUsername, m.logger, m.metrics)
	if err != nil {
		return fmt.Errorf("chat build note sender: %w", err)
	}

	coalescer, err := NewCoalescer(m.cfg.Cooldown, m.enqueue, m.coalescerOptions...)
	if err != nil {
		return fmt.Errorf("chat build coalescer: %w", err)
	}

	if err := services.Register(notebot.ServiceNoteSender, sender); err != nil {
		return fmt.Errorf("chat register service %s: %w", notebot.ServiceNoteSender, err)
	}

	m.memory = memory
	m.completer = client
	m.sender = sender
	m.coalescer = coalescer

	return nil
}

// OnStart starts the pipeline worker.
func (m *Module) OnStart(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if m.cancel != nil {
		return fmt.Errorf("chat start: already started")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.workers.Add(1)
	go func() {
		defer m.workers.Done()
		m.work(runCtx)
	}()

	m.logger.InfoContext(ctx, "chat module started",
		"bot_username", m.cfg.BotUsername,
		"cooldown", m.cfg.Cooldown,
		"model", m.cfg.Model,
	)

	return nil
}

// OnShutdown stops timers and waits for the in-flight pipeline run.
func (m *Module) OnShutdown(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	dropped := 0
	if m.coalescer != nil {
		dropped = m.coalescer.Close()
	}
	select {
	case <-m.stopped:
	default:
		close(m.stopped)
	}
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
	case <-ctx.Done():
		return fmt.Errorf("chat shutdown: %w", ctx.Err())
	}

	m.logger.InfoContext(ctx, "chat module shutdown", "dropped_pending", dropped)

	return nil
}

func (m *Module) handleNote(_ context.Context, event *notebot.Event) error {
	if event == nil {
		return nil
	}
	if m.coalescer == nil {
		return fmt.Errorf("chat handle note: module not registered")
	}

	opened, err := m.coalescer.Add(event)
	if err != nil {
		return fmt.Errorf("chat handle note: %w", err)
	}
	m.metrics.ObserveArrival(event.Kind)
	m.logger.Debug("chat arrival",
		"note_id", event.Note.ID,
		"kind", event.Kind,
		"opened_window", opened,
	)

	return nil
}

func (m *Module) enqueue(selection Selection) {
	m.metrics.ObserveCoalesced(selection.Discarded)

	select {
	case m.selections <- selection:
	case <-m.stopped:
	}
}

func (m *Module) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case selection := <-m.selections:
			m.respond(ctx, selection)
		}
	}
}

func (m *Module) respond(ctx context.Context, selection Selection) {
	event := selection.Arrival.Event
	if event == nil {
		return
	}
	note := event.Note

	ctx, _ = notebot.WithPipelineID(ctx)
	logger := notebot.PipelineLogger(ctx, m.logger).With(
		"note_id", note.ID,
		"kind", event.Kind,
	)

	if authoredBy(note, m.cfg.BotUserID) {
		logger.Debug("chat ignored own note")
		return
	}

	decision := Decide(note, m.cfg.BotUsername, m.cfg.BotUserID)
	if !decision.Relevant() {
		logger.Debug("chat ignored irrelevant note")
		return
	}
	logger.Info("chat processing note",
		"reply_to_bot", decision.ReplyToBot,
		"mentioned", decision.Mentioned,
		"discarded", selection.Discarded,
	)

	m.memory.Append(speakerName(note), note.Text)

	text, err := m.completer.Complete(ctx, completion.Prompt{
		Preamble:     m.cfg.Preamble,
		HistoryLabel: historyLabel,
		History:      m.memory.Render(),
		Quoted:       decision.Quoted,
		Body:         "User: " + note.Text + "\n" + m.cfg.BotUsername + ":",
		Message:      note.Text,
	})
	if err != nil {
		logger.Warn("chat reply skipped", "error", err)
		return
	}

	if err := m.sender.PostReply(ctx, text, note.ID, note.IsDirect()); err != nil {
		logger.Warn("chat reply not delivered", "error", err)
	}
}

var (
	_ notebot.Module          = (*Module)(nil)
	_ notebot.ModuleRegistrar = (*Module)(nil)
)
