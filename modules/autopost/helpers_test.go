package autopost

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ex-notebot/pkg/notebot"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type senderStub struct {
	mu    sync.Mutex
	posts []string
	err   error
}

func (s *senderStub) PostNew(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}
	s.posts = append(s.posts, text)

	return nil
}

func (s *senderStub) PostReply(context.Context, string, string, bool) error {
	return errors.New("unexpected reply")
}

func (s *senderStub) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.posts...)
}

// blockingSender holds PostNew until release is closed or ctx ends.
type blockingSender struct {
	entered   chan struct{}
	release   chan struct{}
	cancelled atomic.Bool
}

func newBlockingSender() *blockingSender {
	return &blockingSender{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

func (s *blockingSender) PostNew(ctx context.Context, _ string) error {
	s.entered <- struct{}{}

	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		s.cancelled.Store(true)
		return ctx.Err()
	}
}

func (s *blockingSender) PostReply(context.Context, string, string, bool) error {
	return errors.New("unexpected reply")
}

func waitFor(t *testing.T, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type memoryStub struct {
	mu      sync.Mutex
	entries []string
}

func (m *memoryStub) Append(speaker, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = append(m.entries, speaker+": "+text)
}

func (m *memoryStub) Render() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return strings.Join(m.entries, "\n")
}

func (m *memoryStub) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.entries)
}

func (m *memoryStub) snapshot() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]string(nil), m.entries...)
}

type providerStub struct {
	mu       sync.Mutex
	requests []notebot.LLMGenerateRequest
	texts    []string
	err      error
}

func (p *providerStub) Generate(_ context.Context, req notebot.LLMGenerateRequest) (notebot.LLMGenerateResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.requests = append(p.requests, req)
	if p.err != nil {
		return notebot.LLMGenerateResult{}, p.err
	}
	text := "post"
	if len(p.texts) > 0 {
		text = p.texts[0]
		p.texts = p.texts[1:]
	}

	return notebot.LLMGenerateResult{Text: text}, nil
}

func (p *providerStub) snapshot() []notebot.LLMGenerateRequest {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]notebot.LLMGenerateRequest(nil), p.requests...)
}

type providerRegistryStub map[string]notebot.LLMProvider

func (r providerRegistryStub) Resolve(name string) (notebot.LLMProvider, error) {
	provider, ok := r[name]
	if !ok {
		return nil, errors.New("provider not configured")
	}

	return provider, nil
}

type moduleRuntimeStub struct {
	registry notebot.ServiceRegistry
}

func (s moduleRuntimeStub) Services() notebot.ServiceRegistry {
	return s.registry
}

func (moduleRuntimeStub) Subscribe(
	context.Context,
	notebot.InterestSet,
	notebot.SubscriptionSpec,
	notebot.EventHandler,
) (notebot.Subscription, error) {
	return nil, nil
}

type serviceRegistryStub struct {
	values map[string]any
}

func (s serviceRegistryStub) Register(name string, service any) error {
	if _, exists := s.values[name]; exists {
		return notebot.ErrServiceAlreadyRegistered
	}
	s.values[name] = service

	return nil
}

func (s serviceRegistryStub) Resolve(name string) (any, error) {
	value, ok := s.values[name]
	if !ok {
		return nil, notebot.ErrServiceNotFound
	}

	return value, nil
}

// stepSleeper hands each requested delay to the test and blocks until released.
type stepSleeper struct {
	delays  chan time.Duration
	release chan struct{}
}

func newStepSleeper() *stepSleeper {
	return &stepSleeper{
		delays:  make(chan time.Duration),
		release: make(chan struct{}),
	}
}

func (s *stepSleeper) sleep(ctx context.Context, delay time.Duration) error {
	select {
	case s.delays <- delay:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *stepSleeper) next(t *testing.T) time.Duration {
	t.Helper()

	select {
	case delay := <-s.delays:
		return delay
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not request a wait")
		return 0
	}
}
