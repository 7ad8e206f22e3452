package driver

import (
	"context"

	"ex-notebot/internal/driver/misskey"
)

// NewBuiltinRegistry knows the misskey driver, the only one the bot ships.
func NewBuiltinRegistry() (*Registry, error) {
	return NewRegistry([]Descriptor{{Type: misskey.DriverType, Builder: buildMisskey}})
}

func buildMisskey(_ context.Context, definition Definition, deps Dependencies) (Runtime, error) {
	stream, notes, err := misskey.BuildRuntimeFromConfig(definition.Name, deps.Logger, deps.Metrics, definition.Config)
	if err != nil {
		return Runtime{}, err
	}

	return Runtime{Name: definition.Name, Driver: stream, Dispatcher: notes}, nil
}
