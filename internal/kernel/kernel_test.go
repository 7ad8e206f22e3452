package kernel

import (
	"context"
	"errors"
	"fmt"
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

func TestRegisterModuleRequiresServices(t *testing.T) {
	t.Parallel()

	autopost := notebot.ModuleSpec{
		AdditionalCapabilities: []notebot.Capability{{
			Name:             "auto-post",
			RequiredServices: []string{notebot.ServiceNoteSender, notebot.ServiceAutonomousMemory},
		}},
	}

	tests := []struct {
		name     string
		services []string
		missing  string
	}{
		{name: "nothing registered", missing: notebot.ServiceNoteSender},
		{name: "sender only", services: []string{notebot.ServiceNoteSender}, missing: notebot.ServiceAutonomousMemory},
		{name: "all present", services: []string{notebot.ServiceNoteSender, notebot.ServiceAutonomousMemory}},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			kernelRuntime := New()
			for _, name := range testCase.services {
				if err := kernelRuntime.RegisterService(name, struct{}{}); err != nil {
					t.Fatalf("register %s failed: %v", name, err)
				}
			}

			err := kernelRuntime.RegisterModule(context.Background(), &stubModule{name: "autopost", spec: autopost})
			if testCase.missing == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, notebot.ErrServiceNotFound) || !strings.Contains(err.Error(), testCase.missing) {
				t.Fatalf("error = %v, want ErrServiceNotFound for %s", err, testCase.missing)
			}
		})
	}
}

func TestKernelRunCallsModuleLifecycle(t *testing.T) {
	t.Parallel()

	kernelRuntime := New()

	module := &stubModule{name: "lifecycle"}
	if err := kernelRuntime.RegisterModule(context.Background(), module); err != nil {
		t.Fatalf("register module failed: %v", err)
	}

	driver := &stubDriver{name: "stub-driver"}
	if err := kernelRuntime.RegisterDriver(driver); err != nil {
		t.Fatalf("register driver failed: %v", err)
	}
	if err := kernelRuntime.RegisterDriver(&stubDriver{name: "stub-driver"}); !errors.Is(err, notebot.ErrDriverAlreadyRegistered) {
		t.Fatalf("duplicate driver error = %v, want ErrDriverAlreadyRegistered", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan error, 1)
	go func() {
		runDone <- kernelRuntime.Run(runCtx)
	}()

	eventually(t, 2*time.Second, func() bool {
		return driver.started.Load() > 0
	})
	cancel()

	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("kernel run failed: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("kernel run did not exit")
	}

	if module.registered.Load() == 0 {
		t.Fatal("module OnRegister was not called")
	}
	if module.started.Load() == 0 {
		t.Fatal("module OnStart was not called")
	}
	if module.shutdown.Load() == 0 {
		t.Fatal("module OnShutdown was not called")
	}
	if driver.stopped.Load() == 0 {
		t.Fatal("driver Shutdown was not called")
	}
}

func TestKernelRunReturnsFatalDriverError(t *testing.T) {
	t.Parallel()

	kernelRuntime := New()
	driverErr := errors.New("stream unrecoverable")
	if err := kernelRuntime.RegisterDriver(&stubDriver{name: "broken", startErr: driverErr}); err != nil {
		t.Fatalf("register driver failed: %v", err)
	}

	err := kernelRuntime.Run(context.Background())
	if !errors.Is(err, driverErr) {
		t.Fatalf("run error = %v, want %v", err, driverErr)
	}
}

func TestKernelDriverSinkStampsSource(t *testing.T) {
	t.Parallel()

	kernelRuntime := New()
	handled := make(chan *notebot.Event, 1)
	module := &stubModule{
		name: "listener",
		spec: notebot.ModuleSpec{
			Handlers: []notebot.ModuleHandler{
				{
					Capability: notebot.Capability{
						Name: "mentions",
						Interest: notebot.InterestSet{
							Kinds:   []notebot.EventKind{notebot.EventKindNoteMention},
							Sources: []string{"misskey"},
						},
					},
					Handler: func(_ context.Context, event *notebot.Event) error {
						handled <- event
						return nil
					},
				},
			},
		},
	}
	if err := kernelRuntime.RegisterModule(context.Background(), module); err != nil {
		t.Fatalf("register module failed: %v", err)
	}

	event := newTestEvent("e1", notebot.EventKindNoteMention)
	event.Source = ""
	driver := &stubDriver{name: "misskey", publish: event}
	if err := kernelRuntime.RegisterDriver(driver); err != nil {
		t.Fatalf("register driver failed: %v", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() {
		runDone <- kernelRuntime.Run(runCtx)
	}()

	select {
	case got := <-handled:
		if got.Source != "misskey" {
			t.Fatalf("source = %q, want misskey", got.Source)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for driver event")
	}

	cancel()
	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("kernel run failed: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("kernel run did not exit")
	}
}

func TestModuleRuntimeSubscribeNeedsCoveringCapability(t *testing.T) {
	t.Parallel()

	replies := notebot.InterestSet{Kinds: []notebot.EventKind{notebot.EventKindNoteReply}, Sources: []string{"misskey"}}
	tests := []struct {
		name     string
		declared []notebot.InterestSet
		wantErr  bool
	}{
		{name: "nothing declared", wantErr: true},
		{
			name:     "other kind only",
			declared: []notebot.InterestSet{{Kinds: []notebot.EventKind{notebot.EventKindNoteMention}}},
			wantErr:  true,
		},
		{
			name:     "other source only",
			declared: []notebot.InterestSet{{Kinds: replies.Kinds, Sources: []string{"misskey-alt"}}},
			wantErr:  true,
		},
		{name: "exact match", declared: []notebot.InterestSet{replies}},
		{name: "any source", declared: []notebot.InterestSet{{Kinds: replies.Kinds}}},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			kernelRuntime := New()
			t.Cleanup(func() {
				_ = kernelRuntime.EventBus().Close(context.Background())
			})

			var spec notebot.ModuleSpec
			for idx, interest := range testCase.declared {
				spec.AdditionalCapabilities = append(spec.AdditionalCapabilities, notebot.Capability{
					Name:     fmt.Sprintf("declared-%d", idx),
					Interest: interest,
				})
			}
			module := &stubModule{
				name: "late-subscriber",
				spec: spec,
				onRegister: func(ctx context.Context, runtime notebot.ModuleRuntime) error {
					_, err := runtime.Subscribe(ctx, replies, notebot.SubscriptionSpec{Name: "replies"},
						func(context.Context, *notebot.Event) error { return nil })
					return err
				},
			}

			err := kernelRuntime.RegisterModule(context.Background(), module)
			if gotErr := err != nil; gotErr != testCase.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, testCase.wantErr)
			}
		})
	}
}

func TestRegisterModuleSpecValidation(t *testing.T) {
	t.Parallel()

	noop := func(_ context.Context, _ *notebot.Event) error {
		return nil
	}
	mentions := notebot.InterestSet{Kinds: []notebot.EventKind{notebot.EventKindNoteMention}}
	replies := notebot.InterestSet{Kinds: []notebot.EventKind{notebot.EventKindNoteReply}}

	tests := []struct {
		name       string
		spec       notebot.ModuleSpec
		wantErrSub string
	}{
		{
			name: "empty handler capability name",
			spec: notebot.ModuleSpec{
				Handlers: []notebot.ModuleHandler{
					{Capability: notebot.Capability{Interest: mentions}, Handler: noop},
				},
			},
			wantErrSub: "empty capability name",
		},
		{
			name: "duplicate capability name",
			spec: notebot.ModuleSpec{
				Handlers: []notebot.ModuleHandler{
					{Capability: notebot.Capability{Name: "dup", Interest: mentions}, Handler: noop},
					{Capability: notebot.Capability{Name: "dup", Interest: replies}, Handler: noop},
				},
			},
			wantErrSub: "duplicate capability name",
		},
		{
			name: "nil handler",
			spec: notebot.ModuleSpec{
				Handlers: []notebot.ModuleHandler{
					{Capability: notebot.Capability{Name: "nil-handler", Interest: mentions}},
				},
			},
			wantErrSub: "nil handler",
		},
		{
			name: "duplicate subscription name",
			spec: notebot.ModuleSpec{
				Handlers: []notebot.ModuleHandler{
					{
						Capability:   notebot.Capability{Name: "a", Interest: mentions},
						Subscription: notebot.SubscriptionSpec{Name: "dup-sub"},
						Handler:      noop,
					},
					{
						Capability:   notebot.Capability{Name: "b", Interest: replies},
						Subscription: notebot.SubscriptionSpec{Name: "dup-sub"},
						Handler:      noop,
					},
				},
			},
			wantErrSub: "duplicate subscription name",
		},
		{
			name: "duplicate additional capability name",
			spec: notebot.ModuleSpec{
				Handlers: []notebot.ModuleHandler{
					{Capability: notebot.Capability{Name: "cap", Interest: mentions}, Handler: noop},
				},
				AdditionalCapabilities: []notebot.Capability{{Name: "cap"}},
			},
			wantErrSub: "duplicate capability name",
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			kernelRuntime := New()
			module := &stubModule{
				name: "invalid",
				spec: testCase.spec,
			}

			err := kernelRuntime.RegisterModule(context.Background(), module)
			if err == nil {
				t.Fatal("expected module registration error")
			}
			if !strings.Contains(err.Error(), testCase.wantErrSub) {
				t.Fatalf("error = %v, want substring %q", err, testCase.wantErrSub)
			}
		})
	}
}

func TestRegisterModuleRejectsDuplicateName(t *testing.T) {
	t.Parallel()

	kernelRuntime := New()
	if err := kernelRuntime.RegisterModule(context.Background(), &stubModule{name: "chat"}); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	err := kernelRuntime.RegisterModule(context.Background(), &stubModule{name: "chat"})
	if !errors.Is(err, notebot.ErrModuleAlreadyRegistered) {
		t.Fatalf("duplicate register error = %v, want ErrModuleAlreadyRegistered", err)
	}
}

func TestRegisterModuleOnRegisterPanicRollsBack(t *testing.T) {
	t.Parallel()

	kernelRuntime := New()
	module := &stubModule{
		name: "panicky",
		onRegister: func(context.Context, notebot.ModuleRuntime) error {
			panic("bad wiring")
		},
	}

	err := kernelRuntime.RegisterModule(context.Background(), module)
	if err == nil || !strings.Contains(err.Error(), "panic: bad wiring") {
		t.Fatalf("error = %v, want recovered panic", err)
	}
	var panicErr *PanicError
	if !errors.As(err, &panicErr) || panicErr.Scope != "module panicky OnRegister" {
		t.Fatalf("error = %#v, want *PanicError scoped to OnRegister", err)
	}
	if err := kernelRuntime.RegisterModule(context.Background(), &stubModule{name: "panicky"}); err != nil {
		t.Fatalf("re-register after rollback failed: %v", err)
	}
}

func TestRegisterModuleNamesSubscriptionsAfterCapability(t *testing.T) {
	t.Parallel()

	kernelRuntime := New()
	t.Cleanup(func() {
		_ = kernelRuntime.EventBus().Close(context.Background())
	})

	mentions := notebot.InterestSet{Kinds: []notebot.EventKind{notebot.EventKindNoteMention}}
	module := &stubModule{
		name: "bot",
		spec: notebot.ModuleSpec{
			Handlers: []notebot.ModuleHandler{{
				Capability: notebot.Capability{Name: "mentions", Interest: mentions},
				Handler:    func(context.Context, *notebot.Event) error { return nil },
			}},
		},
		onRegister: func(ctx context.Context, runtime notebot.ModuleRuntime) error {
			_, err := runtime.Subscribe(ctx, mentions, notebot.SubscriptionSpec{}, func(context.Context, *notebot.Event) error {
				return nil
			})
			return err
		},
	}
	if err := kernelRuntime.RegisterModule(context.Background(), module); err != nil {
		t.Fatalf("register module failed: %v", err)
	}

	names := make([]string, 0, 2)
	for _, stats := range kernelRuntime.EventBus().Stats() {
		names = append(names, stats.Name)
	}
	if len(names) != 2 || names[0] != "bot/mentions" || names[1] != "bot/mentions" {
		t.Fatalf("subscription names = %v, want two bot/mentions", names)
	}
}

func TestKernelShutdownReversesRegistrationOrder(t *testing.T) {
	t.Parallel()

	kernelRuntime := New()
	var (
		mu      sync.Mutex
		stopped []string
	)
	record := func(name string) {
		mu.Lock()
		stopped = append(stopped, name)
		mu.Unlock()
	}
	for _, name := range []string{"chat", "autopost"} {
		if err := kernelRuntime.RegisterModule(context.Background(), &stubModule{name: name, onShutdown: record}); err != nil {
			t.Fatalf("register %s failed: %v", name, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := kernelRuntime.Run(ctx); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(stopped) != 2 || stopped[0] != "autopost" || stopped[1] != "chat" {
		t.Fatalf("shutdown order = %v, want [autopost chat]", stopped)
	}
}

func TestKernelRunRejectsConcurrentRun(t *testing.T) {
	t.Parallel()

	kernelRuntime := New()
	driver := &stubDriver{name: "misskey"}
	if err := kernelRuntime.RegisterDriver(driver); err != nil {
		t.Fatalf("register driver failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() {
		runDone <- kernelRuntime.Run(ctx)
	}()
	eventually(t, 2*time.Second, func() bool {
		return driver.started.Load() > 0
	})

	if err := kernelRuntime.Run(context.Background()); err == nil || !strings.Contains(err.Error(), "already running") {
		t.Fatalf("second run error = %v, want already running", err)
	}

	cancel()
	if err := <-runDone; err != nil {
		t.Fatalf("first run failed: %v", err)
	}
}

type stubModule struct {
	name string
	spec notebot.ModuleSpec

	onRegister func(ctx context.Context, runtime notebot.ModuleRuntime) error
	onShutdown func(name string)

	registered atomic.Int32
	started    atomic.Int32
	shutdown   atomic.Int32
}

func (m *stubModule) Name() string {
	return m.name
}

func (m *stubModule) Spec() notebot.ModuleSpec {
	return m.spec
}

func (m *stubModule) OnRegister(ctx context.Context, runtime notebot.ModuleRuntime) error {
	m.registered.Add(1)
	if m.onRegister != nil {
		if err := m.onRegister(ctx, runtime); err != nil {
			return err
		}
	}

	return nil
}

func (m *stubModule) OnStart(_ context.Context) error {
	m.started.Add(1)
	return nil
}

func (m *stubModule) OnShutdown(_ context.Context) error {
	m.shutdown.Add(1)
	if m.onShutdown != nil {
		m.onShutdown(m.name)
	}
	return nil
}

type stubDriver struct {
	name     string
	startErr error
	publish  *notebot.Event

	started atomic.Int32
	stopped atomic.Int32
}

func (d *stubDriver) Name() string {
	return d.name
}

func (d *stubDriver) Start(ctx context.Context, sink notebot.EventSink) error {
	d.started.Add(1)
	if d.startErr != nil {
		return d.startErr
	}
	if d.publish != nil {
		if err := sink.Publish(ctx, d.publish); err != nil {
			return err
		}
	}
	<-ctx.Done()
	return nil
}

func (d *stubDriver) Shutdown(_ context.Context) error {
	d.stopped.Add(1)
	return nil
}
