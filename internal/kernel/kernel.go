package kernel

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"ex-notebot/pkg/notebot"

	"golang.org/x/sync/errgroup"
)

// Kernel owns the note bus and the service registry, and runs registered
// modules and drivers through their lifecycle.
//
// Modules start in registration order and stop in reverse, so a module that
// publishes a service (chat publishes the note sender) must be registered
// before any module that needs it.
type Kernel struct {
	cfg      config
	bus      *noteBus
	services *ServiceRegistry

	mu      sync.RWMutex
	modules []*moduleRecord
	drivers []notebot.Driver

	running sync.Mutex
}

// New creates a kernel with an empty note bus and service registry.
func New(options ...Option) *Kernel {
	cfg := defaultConfig()
	for _, option := range options {
		option(&cfg)
	}

	return &Kernel{
		cfg:      cfg,
		bus:      newNoteBus(cfg.bus),
		services: NewServiceRegistry(),
	}
}

// EventBus returns the kernel note bus.
func (k *Kernel) EventBus() notebot.EventBus {
	return k.bus
}

// Services returns the shared service registry.
func (k *Kernel) Services() notebot.ServiceRegistry {
	return k.services
}

// RegisterService publishes a shared singleton to modules registered afterwards.
func (k *Kernel) RegisterService(name string, service any) error {
	if err := k.services.Register(name, service); err != nil {
		return fmt.Errorf("kernel: %w", err)
	}

	return nil
}

// RegisterModule validates the module's spec and required services, runs its
// OnRegister hook and subscribes its declared handlers. Any failure undoes
// the registration.
func (k *Kernel) RegisterModule(ctx context.Context, module notebot.Module) error {
	if module == nil {
		return fmt.Errorf("register module: nil module")
	}
	name := module.Name()
	if name == "" {
		return fmt.Errorf("register module: empty module name")
	}

	spec := module.Spec()
	if err := validateModuleSpec(spec); err != nil {
		return fmt.Errorf("register module %s: %w", name, err)
	}
	record := &moduleRecord{name: name, module: module, capabilities: spec.Capabilities()}
	if err := k.checkRequiredServices(record.capabilities); err != nil {
		return fmt.Errorf("register module %s: %w", name, err)
	}

	k.mu.Lock()
	if slices.ContainsFunc(k.modules, func(existing *moduleRecord) bool { return existing.name == name }) {
		k.mu.Unlock()
		return fmt.Errorf("register module %s: %w", name, notebot.ErrModuleAlreadyRegistered)
	}
	k.modules = append(k.modules, record)
	k.mu.Unlock()

	if err := k.bind(ctx, record, spec.Handlers); err != nil {
		k.unregister(ctx, record)
		return fmt.Errorf("register module %s: %w", name, err)
	}

	k.cfg.logger.DebugContext(ctx, "module registered", "module", name, "handlers", len(spec.Handlers))

	return nil
}

// bind runs OnRegister, then subscribes declared handlers under module/capability names.
func (k *Kernel) bind(ctx context.Context, record *moduleRecord, handlers []notebot.ModuleHandler) error {
	hookCtx, cancel := context.WithTimeout(ctx, k.cfg.moduleHookTimeout)
	defer cancel()

	runtime := &moduleRuntime{record: record, services: k.services, bus: k.bus}
	if registrar, ok := record.module.(notebot.ModuleRegistrar); ok {
		if err := fence("module "+record.name+" OnRegister", func() error {
			return registrar.OnRegister(hookCtx, runtime)
		}); err != nil {
			return err
		}
	}

	for _, declared := range handlers {
		spec := declared.Subscription
		if spec.Name == "" {
			spec.Name = record.name + "/" + declared.Capability.Name
		}
		if _, err := runtime.Subscribe(hookCtx, declared.Capability.Interest, spec, declared.Handler); err != nil {
			return fmt.Errorf("capability %s: %w", declared.Capability.Name, err)
		}
	}

	return nil
}

// unregister drops a module whose registration failed part way.
func (k *Kernel) unregister(ctx context.Context, record *moduleRecord) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.cfg.moduleHookTimeout)
	defer cancel()

	if err := record.release(releaseCtx); err != nil {
		k.cfg.logger.WarnContext(releaseCtx, "release subscriptions after failed registration",
			"module", record.name,
			"error", err,
		)
	}

	k.mu.Lock()
	k.modules = slices.DeleteFunc(k.modules, func(existing *moduleRecord) bool { return existing == record })
	k.mu.Unlock()
}

func (k *Kernel) checkRequiredServices(capabilities []notebot.Capability) error {
	for _, capability := range capabilities {
		for _, service := range capability.RequiredServices {
			if _, err := k.services.Resolve(service); err != nil {
				return fmt.Errorf("capability %s: %w", capability.Name, err)
			}
		}
	}

	return nil
}

// RegisterDriver adds a driver; its events are stamped with its name as source.
func (k *Kernel) RegisterDriver(driver notebot.Driver) error {
	if driver == nil {
		return fmt.Errorf("register driver: nil driver")
	}
	name := driver.Name()
	if name == "" {
		return fmt.Errorf("register driver: empty name")
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if slices.ContainsFunc(k.drivers, func(existing notebot.Driver) bool { return existing.Name() == name }) {
		return fmt.Errorf("register driver %s: %w", name, notebot.ErrDriverAlreadyRegistered)
	}
	k.drivers = append(k.drivers, driver)

	return nil
}

// Run starts modules, then drivers, and blocks until ctx is cancelled, a
// driver fails, or every driver has returned. Shutdown always runs before
// Run returns; cancellation alone is not an error.
func (k *Kernel) Run(ctx context.Context) error {
	if !k.running.TryLock() {
		return fmt.Errorf("kernel run: already running")
	}
	defer k.running.Unlock()

	for _, info := range k.services.Describe() {
		k.cfg.logger.DebugContext(ctx, "service available", "service", info.Name, "type", info.Type)
	}

	modules, drivers := k.snapshot()
	if err := k.startModules(ctx, modules); err != nil {
		return errors.Join(err, k.shutdown(ctx, modules, drivers))
	}

	runErr := k.runDrivers(ctx, drivers)
	if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
		runErr = nil
	}

	return errors.Join(runErr, k.shutdown(ctx, modules, drivers))
}

func (k *Kernel) snapshot() ([]*moduleRecord, []notebot.Driver) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	return slices.Clone(k.modules), slices.Clone(k.drivers)
}

func (k *Kernel) startModules(ctx context.Context, modules []*moduleRecord) error {
	for _, record := range modules {
		hookCtx, cancel := context.WithTimeout(ctx, k.cfg.moduleHookTimeout)
		err := fence("module "+record.name+" OnStart", func() error {
			return record.module.OnStart(hookCtx)
		})
		cancel()
		if err != nil {
			return fmt.Errorf("start module %s: %w", record.name, err)
		}
	}

	return nil
}

// runDrivers runs every driver in its own goroutine. The first driver error
// cancels the rest. Once ctx is done, drivers get shutdownTimeout to return.
func (k *Kernel) runDrivers(ctx context.Context, drivers []notebot.Driver) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for _, driver := range drivers {
		sink := newDriverSink(driver.Name(), k.bus)
		group.Go(func() error {
			err := fence("driver "+driver.Name()+" Start", func() error {
				return driver.Start(groupCtx, sink)
			})
			if err != nil {
				return fmt.Errorf("run driver %s: %w", driver.Name(), err)
			}
			return nil
		})
	}

	finished := make(chan error, 1)
	go func() {
		finished <- group.Wait()
	}()

	select {
	case err := <-finished:
		return err
	case <-ctx.Done():
	}

	timer := time.NewTimer(k.cfg.shutdownTimeout)
	defer timer.Stop()
	select {
	case err := <-finished:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	case <-timer.C:
		k.cfg.logger.Warn("drivers did not stop within shutdown timeout", "timeout", k.cfg.shutdownTimeout)
	}

	return ctx.Err()
}

// shutdown stops drivers then modules, both in reverse registration order,
// and finally closes the bus. It ignores ctx cancellation and is bounded by
// shutdownTimeout instead.
func (k *Kernel) shutdown(ctx context.Context, modules []*moduleRecord, drivers []notebot.Driver) error {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.cfg.shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, driver := range slices.Backward(drivers) {
		err := fence("driver "+driver.Name()+" Shutdown", func() error {
			return driver.Shutdown(shutdownCtx)
		})
		shutdownErr = errors.Join(shutdownErr, err)
	}
	for _, record := range slices.Backward(modules) {
		shutdownErr = errors.Join(shutdownErr, k.stopModule(shutdownCtx, record))
	}
	shutdownErr = errors.Join(shutdownErr, k.bus.Close(shutdownCtx))

	for _, stats := range k.bus.Stats() {
		k.cfg.logger.InfoContext(shutdownCtx, "subscription closed",
			"subscription", stats.Name,
			"delivered", stats.Delivered,
			"dropped", stats.Dropped,
			"failed", stats.Failed,
		)
	}
	if shutdownErr != nil {
		return fmt.Errorf("kernel shutdown: %w", shutdownErr)
	}

	return nil
}

// stopModule closes the module's subscriptions before calling OnShutdown so
// no new note reaches a stopping module.
func (k *Kernel) stopModule(ctx context.Context, record *moduleRecord) error {
	releaseErr := record.release(ctx)
	if releaseErr != nil {
		releaseErr = fmt.Errorf("module %s subscriptions: %w", record.name, releaseErr)
	}

	hookCtx, cancel := context.WithTimeout(ctx, k.cfg.moduleHookTimeout)
	defer cancel()

	return errors.Join(releaseErr, fence("module "+record.name+" OnShutdown", func() error {
		return record.module.OnShutdown(hookCtx)
	}))
}

// validateModuleSpec checks that capability names are present and unique
// across handlers and additional capabilities, and that explicit
// subscription names are unique.
func validateModuleSpec(spec notebot.ModuleSpec) error {
	capabilities := make(map[string]struct{})
	subscriptions := make(map[string]struct{})

	claim := func(seen map[string]struct{}, name string) bool {
		if _, taken := seen[name]; taken {
			return false
		}
		seen[name] = struct{}{}
		return true
	}

	for idx, handler := range spec.Handlers {
		name := handler.Capability.Name
		switch {
		case name == "":
			return fmt.Errorf("module handler %d: empty capability name", idx)
		case !claim(capabilities, name):
			return fmt.Errorf("module handler %d: duplicate capability name %s", idx, name)
		case handler.Handler == nil:
			return fmt.Errorf("module handler %s: nil handler", name)
		}
		if sub := handler.Subscription.Name; sub != "" && !claim(subscriptions, sub) {
			return fmt.Errorf("module handler %s: duplicate subscription name %s", name, sub)
		}
	}

	for idx, capability := range spec.AdditionalCapabilities {
		switch {
		case capability.Name == "":
			return fmt.Errorf("additional capability %d: empty capability name", idx)
		case !claim(capabilities, capability.Name):
			return fmt.Errorf("additional capability %d: duplicate capability name %s", idx, capability.Name)
		}
	}

	return nil
}
