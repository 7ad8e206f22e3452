// Package driver builds platform drivers from the "drivers" config entries.
package driver

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"ex-notebot/pkg/notebot"
)

// Definition is one configured driver; Config is the raw JSON its builder parses.
type Definition struct {
	Name    string
	Type    string
	Enabled bool
	Config  []byte
}

// Runtime is a built driver. Dispatcher is nil for drivers that only listen.
type Runtime struct {
	Name       string
	Driver     notebot.Driver
	Dispatcher notebot.NoteDispatcher
}

// Dependencies are handed to every builder. Nil fields get no-op defaults.
type Dependencies struct {
	Logger  *slog.Logger
	Metrics notebot.MetricsRecorder
}

func (d Dependencies) withDefaults() Dependencies {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Metrics == nil {
		d.Metrics = notebot.NopMetrics{}
	}

	return d
}

// BuilderFunc builds one runtime from one configured driver definition.
type BuilderFunc func(ctx context.Context, definition Definition, deps Dependencies) (Runtime, error)

// Descriptor binds one driver type token to its builder.
type Descriptor struct {
	Type    string
	Builder BuilderFunc
}

// Registry maps a driver type such as "misskey" to its builder. It is
// read-only after NewRegistry.
type Registry struct {
	builders map[string]BuilderFunc
}

// NewRegistry rejects empty types, nil builders and duplicate types.
func NewRegistry(descriptors []Descriptor) (*Registry, error) {
	builders := make(map[string]BuilderFunc, len(descriptors))
	for idx, descriptor := range descriptors {
		switch {
		case descriptor.Type == "":
			return nil, fmt.Errorf("new registry: descriptor %d has empty type", idx)
		case descriptor.Builder == nil:
			return nil, fmt.Errorf("new registry type %s: nil builder", descriptor.Type)
		}
		if _, taken := builders[descriptor.Type]; taken {
			return nil, fmt.Errorf("new registry type %s: duplicate", descriptor.Type)
		}
		builders[descriptor.Type] = descriptor.Builder
	}

	return &Registry{builders: builders}, nil
}

// Types lists the known driver types, sorted.
func (r *Registry) Types() []string {
	if r == nil {
		return nil
	}

	return slices.Sorted(maps.Keys(r.builders))
}

// Supports reports whether driverType has a registered builder.
func (r *Registry) Supports(driverType string) bool {
	if r == nil {
		return false
	}
	_, found := r.builders[driverType]

	return found
}

// BuildEnabled builds the enabled definitions in order and fails on the first
// bad one. Names must be unique among enabled definitions.
func (r *Registry) BuildEnabled(ctx context.Context, definitions []Definition, deps Dependencies) ([]Runtime, error) {
	if r == nil {
		return nil, fmt.Errorf("build drivers: nil registry")
	}
	deps = deps.withDefaults()

	var runtimes []Runtime
	names := make(map[string]struct{}, len(definitions))
	for _, definition := range definitions {
		if !definition.Enabled {
			continue
		}
		if definition.Name == "" {
			return nil, fmt.Errorf("build driver: empty name")
		}
		if _, taken := names[definition.Name]; taken {
			return nil, fmt.Errorf("build driver %s: duplicate name", definition.Name)
		}
		names[definition.Name] = struct{}{}

		runtime, err := r.build(ctx, definition, deps)
		if err != nil {
			return nil, fmt.Errorf("build driver %s: %w", definition.Name, err)
		}
		runtimes = append(runtimes, runtime)
	}

	return runtimes, nil
}

func (r *Registry) build(ctx context.Context, definition Definition, deps Dependencies) (Runtime, error) {
	if definition.Type == "" {
		return Runtime{}, fmt.Errorf("empty type")
	}
	builder, found := r.builders[definition.Type]
	if !found {
		return Runtime{}, fmt.Errorf("unsupported type %s (have %v)", definition.Type, r.Types())
	}

	runtime, err := builder(ctx, definition, deps)
	if err != nil {
		return Runtime{}, fmt.Errorf("type %s: %w", definition.Type, err)
	}
	if runtime.Driver == nil {
		return Runtime{}, fmt.Errorf("type %s: builder returned nil driver", definition.Type)
	}
	if runtime.Name == "" {
		runtime.Name = definition.Name
	}

	return runtime, nil
}

// SoleDispatcher returns the note dispatcher of the only runtime providing one.
// The bot posts as exactly one account, so zero or several are config errors.
func SoleDispatcher(runtimes []Runtime) (notebot.NoteDispatcher, error) {
	var owners []string
	var dispatcher notebot.NoteDispatcher
	for _, runtime := range runtimes {
		if runtime.Dispatcher != nil {
			dispatcher = runtime.Dispatcher
			owners = append(owners, runtime.Name)
		}
	}

	switch len(owners) {
	case 0:
		return nil, fmt.Errorf("resolve note dispatcher: no driver provides one")
	case 1:
		return dispatcher, nil
	default:
		slices.Sort(owners)
		return nil, fmt.Errorf("resolve note dispatcher: ambiguous drivers %v", owners)
	}
}
