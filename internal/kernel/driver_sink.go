package kernel

import (
	"context"
	"fmt"
	"strings"

	"ex-notebot/pkg/notebot"
)

// driverSink stamps driver identity onto published events before bus fan-out.
type driverSink struct {
	driverName string
	base       notebot.EventSink
}

func newDriverSink(driverName string, base notebot.EventSink) *driverSink {
	return &driverSink{driverName: driverName, base: base}
}

// Publish fills the event source when the driver left it empty and forwards to the bus.
func (s *driverSink) Publish(ctx context.Context, event *notebot.Event) error {
	if event == nil {
		return fmt.Errorf("publish from driver %s: %w: nil event", s.driverName, notebot.ErrInvalidEvent)
	}
	if s.base == nil {
		return fmt.Errorf("publish from driver %s: nil base sink", s.driverName)
	}
	if strings.TrimSpace(event.Source) == "" {
		event.Source = s.driverName
	}

	if err := s.base.Publish(ctx, event); err != nil {
		return fmt.Errorf("publish from driver %s: %w", s.driverName, err)
	}

	return nil
}

var _ notebot.EventSink = (*driverSink)(nil)
