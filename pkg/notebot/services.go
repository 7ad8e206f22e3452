package notebot

import "fmt"

// Service registry keys shared by cmd/bot and the modules.
const (
	ServiceLogger            = "notebot.logger"
	ServiceNoteDispatcher    = "notebot.note_dispatcher"
	ServiceNoteSender        = "notebot.note_sender"
	ServiceInteractiveMemory = "notebot.memory.interactive"
	ServiceAutonomousMemory  = "notebot.memory.autonomous"
	ServiceMetrics           = "notebot.metrics"
)

// ServiceRegistry holds the process-wide singletons modules resolve by key.
type ServiceRegistry interface {
	Register(name string, service any) error
	Resolve(name string) (any, error)
}

// ResolveAs looks name up and asserts it to T, so modules can fail
// registration with one readable error instead of panicking on a cast.
func ResolveAs[T any](registry ServiceRegistry, name string) (T, error) {
	var zero T

	service, err := registry.Resolve(name)
	if err != nil {
		return zero, fmt.Errorf("resolve service %s: %w", name, err)
	}
	typed, ok := service.(T)
	if !ok {
		return zero, fmt.Errorf("resolve service %s: unexpected type %T", name, service)
	}

	return typed, nil
}
