package chat

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

type fakeTimer struct {
	delay   time.Duration
	fn      func()
	stopped atomic.Bool
}

func (t *fakeTimer) Stop() bool {
	return !t.stopped.Swap(true)
}

func (t *fakeTimer) fire() {
	if t.stopped.Load() {
		return
	}
	t.fn()
}

type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (f *fakeTimers) afterFunc(delay time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()

	timer := &fakeTimer{delay: delay, fn: fn}
	f.timers = append(f.timers, timer)

	return timer
}

func (f *fakeTimers) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.timers)
}

func (f *fakeTimers) at(index int) *fakeTimer {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.timers[index]
}

type memoryStub struct {
	mu      sync.Mutex
	limit   int
	entries []string
}

func newMemoryStub(limit int) *memoryStub {
	return &memoryStub{limit: limit}
}

func (m *memoryStub) Append(speaker, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = append(m.entries, speaker+": "+text)
	if len(m.entries) > m.limit {
		m.entries = m.entries[1:]
	}
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

type dispatcherStub struct {
	mu       sync.Mutex
	requests []notebot.CreateNoteRequest
	err      error
}

func (d *dispatcherStub) CreateNote(_ context.Context, request notebot.CreateNoteRequest) (*notebot.CreatedNote, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.requests = append(d.requests, request)
	if d.err != nil {
		return nil, d.err
	}

	return &notebot.CreatedNote{ID: "created-1", Visibility: request.Visibility}, nil
}

func (d *dispatcherStub) snapshot() []notebot.CreateNoteRequest {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]notebot.CreateNoteRequest(nil), d.requests...)
}

type providerStub struct {
	mu       sync.Mutex
	requests []notebot.LLMGenerateRequest
	text     string
	err      error
}

func (p *providerStub) Generate(_ context.Context, req notebot.LLMGenerateRequest) (notebot.LLMGenerateResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.requests = append(p.requests, req)
	if p.err != nil {
		return notebot.LLMGenerateResult{}, p.err
	}

	return notebot.LLMGenerateResult{Text: p.text, FinishReason: "stop"}, nil
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
	mu     sync.Mutex
	values map[string]any
}

func newServiceRegistryStub() *serviceRegistryStub {
	return &serviceRegistryStub{values: make(map[string]any)}
}

func (s *serviceRegistryStub) Register(name string, service any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if name == "" {
		return errors.New("empty service name")
	}
	if _, exists := s.values[name]; exists {
		return notebot.ErrServiceAlreadyRegistered
	}
	s.values[name] = service

	return nil
}

func (s *serviceRegistryStub) Resolve(name string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, ok := s.values[name]
	if !ok {
		return nil, notebot.ErrServiceNotFound
	}

	return value, nil
}

func newNoteEvent(kind notebot.EventKind, note notebot.Note) *notebot.Event {
	return &notebot.Event{
		ID:         string(kind) + ":" + note.ID,
		Kind:       kind,
		Source:     "misskey",
		OccurredAt: time.Unix(1_700_000_000, 0).UTC(),
		Note:       note,
	}
}

func eventually(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}

	t.Fatal("condition not met before timeout")
}
