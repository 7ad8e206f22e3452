package notebot

import "context"

// EventHandler processes one note event.
type EventHandler func(ctx context.Context, event *Event) error

// EventSink is what a driver publishes decoded notes into.
type EventSink interface {
	Publish(ctx context.Context, event *Event) error
}

// ModuleRuntime is handed to OnRegister. Subscriptions made through it are
// checked against the module's declared interests and closed by the kernel
// when the module stops.
type ModuleRuntime interface {
	Services() ServiceRegistry
	Subscribe(
		ctx context.Context,
		interest InterestSet,
		spec SubscriptionSpec,
		handler EventHandler,
	) (Subscription, error)
}

// ModuleHandler is a capability the kernel subscribes on the module's behalf.
// A blank Subscription.Name becomes "module/capability".
type ModuleHandler struct {
	Capability   Capability
	Subscription SubscriptionSpec
	Handler      EventHandler
}

// ModuleSpec is the declarative surface of one module.
type ModuleSpec struct {
	Handlers []ModuleHandler
	// AdditionalCapabilities carry required services for work that is not
	// driven by notes, such as the autopost timer.
	AdditionalCapabilities []Capability
}

// Capabilities returns handler capabilities followed by additional ones.
func (s ModuleSpec) Capabilities() []Capability {
	capabilities := make([]Capability, 0, len(s.Handlers)+len(s.AdditionalCapabilities))
	for _, handler := range s.Handlers {
		capabilities = append(capabilities, handler.Capability)
	}

	return append(capabilities, s.AdditionalCapabilities...)
}

// Module is one unit of bot behaviour. Handlers and any timers the module
// starts run on separate goroutines, so implementations guard their state.
type Module interface {
	Name() string
	Spec() ModuleSpec
	OnStart(ctx context.Context) error
	OnShutdown(ctx context.Context) error
}

// ModuleRegistrar is optional. Modules resolve their services here.
type ModuleRegistrar interface {
	OnRegister(ctx context.Context, runtime ModuleRuntime) error
}

// Driver turns one platform connection into events. Start blocks until ctx
// ends or the connection fails for good; Shutdown releases anything Start
// leaves behind.
type Driver interface {
	Name() string
	Start(ctx context.Context, sink EventSink) error
	Shutdown(ctx context.Context) error
}
