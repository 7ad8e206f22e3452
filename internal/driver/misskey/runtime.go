package misskey

import (
	"fmt"
	"log/slog"

	"ex-notebot/pkg/notebot"
)

// BuildRuntimeFromConfig builds one misskey driver and its note dispatcher from a config payload.
func BuildRuntimeFromConfig(
	name string,
	logger *slog.Logger,
	metrics notebot.MetricsRecorder,
	rawConfig []byte,
) (notebot.Driver, notebot.NoteDispatcher, error) {
	cfg, err := ParseConfig(rawConfig)
	if err != nil {
		return nil, nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("driver", name)

	stream, err := NewStream(
		cfg.StreamEndpoint(),
		WithKeepaliveInterval(cfg.KeepaliveInterval),
		WithReconnectDelay(cfg.ReconnectDelay),
		WithStreamLogger(logger),
		WithStreamMetrics(metrics),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("build misskey runtime: %w", err)
	}

	driver, err := NewDriver(
		stream,
		WithName(name),
		WithPublishTimeout(cfg.PublishTimeout),
		WithLogger(logger),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("build misskey runtime: %w", err)
	}

	notes, err := NewNotesClient(
		cfg.BaseURL,
		cfg.Token,
		WithDefaultChannel(cfg.ChannelID),
		WithNotesTimeout(cfg.RequestTimeout),
		WithNotesLogger(logger),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("build misskey runtime: %w", err)
	}

	return driver, notes, nil
}
