package misskey

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ex-notebot/pkg/notebot"
)

// DriverOption mutates misskey driver configuration.
type DriverOption func(*Driver)

// WithName sets the driver name, which is also stamped on every event as Source.
func WithName(name string) DriverOption {
	return func(d *Driver) {
		if name != "" {
			d.name = name
		}
	}
}

// WithPublishTimeout bounds how long one note may wait for bus capacity.
func WithPublishTimeout(timeout time.Duration) DriverOption {
	return func(d *Driver) {
		if timeout > 0 {
			d.publishTimeout = timeout
		}
	}
}

// WithLogger configures driver logging.
func WithLogger(logger *slog.Logger) DriverOption {
	return func(d *Driver) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// Driver feeds mentions and replies from the main channel into the kernel.
type Driver struct {
	name           string
	publishTimeout time.Duration
	logger         *slog.Logger
	stream         *Stream

	mu      sync.Mutex
	stopped chan struct{}
}

// NewDriver creates a misskey driver around one stream.
func NewDriver(stream *Stream, options ...DriverOption) (*Driver, error) {
	if stream == nil {
		return nil, fmt.Errorf("new misskey driver: nil stream")
	}

	d := &Driver{
		name:           DriverType,
		publishTimeout: defaultPublishTimeout,
		logger:         slog.Default(),
		stream:         stream,
	}
	for _, option := range options {
		option(d)
	}

	return d, nil
}

// Name returns the stable driver identifier.
func (d *Driver) Name() string {
	return d.name
}

// Start blocks in the stream's reconnect loop until ctx is cancelled.
func (d *Driver) Start(ctx context.Context, sink notebot.EventSink) error {
	if sink == nil {
		return fmt.Errorf("start misskey driver: nil sink")
	}

	stopped := make(chan struct{})
	d.mu.Lock()
	d.stopped = stopped
	d.mu.Unlock()
	defer close(stopped)

	err := d.stream.Run(ctx, func(frameCtx context.Context, event *notebot.Event) error {
		event.Source = d.name
		return d.forward(frameCtx, sink, event)
	})
	if err != nil {
		return fmt.Errorf("start misskey driver: %w", err)
	}

	return nil
}

func (d *Driver) forward(ctx context.Context, sink notebot.EventSink, event *notebot.Event) error {
	ctx, cancel := context.WithTimeout(ctx, d.publishTimeout)
	defer cancel()

	if err := sink.Publish(ctx, event); err != nil {
		return fmt.Errorf("publish %s %s: %w", event.Kind, event.Note.ID, err)
	}
	d.logger.Debug("misskey note forwarded", "kind", event.Kind, "note_id", event.Note.ID, "user", event.Note.User.Username)

	return nil
}

// Shutdown waits for a running Start to return. The socket itself is closed
// by Start once its context ends.
func (d *Driver) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	stopped := d.stopped
	d.mu.Unlock()
	if stopped == nil {
		return nil
	}

	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown misskey driver %s: %w", d.name, ctx.Err())
	}
}

var _ notebot.Driver = (*Driver)(nil)
