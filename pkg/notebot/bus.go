package notebot

import (
	"context"
	"time"
)

// BackpressurePolicy decides what a publisher does when a subscriber queue is full.
type BackpressurePolicy string

const (
	// BackpressureDropNewest discards the incoming note event.
	BackpressureDropNewest BackpressurePolicy = "drop_newest"
	// BackpressureBlock waits for queue space or publisher cancellation.
	BackpressureBlock BackpressurePolicy = "block"
)

// SubscriptionSpec configures one subscriber.
//
// Every subscription is drained by a single worker, so its handler sees
// note events one at a time and in publish order.
type SubscriptionSpec struct {
	Name           string
	Buffer         int
	HandlerTimeout time.Duration
	Backpressure   BackpressurePolicy
}

// NewDefaultSubscriptionSpec returns a named spec that blocks publishers when full.
// Zero buffer and timeout fields are filled in by the bus.
func NewDefaultSubscriptionSpec(name string) SubscriptionSpec {
	return SubscriptionSpec{
		Name:         name,
		Backpressure: BackpressureBlock,
	}
}

// SubscriptionStats counts what happened to the note events routed to one subscription.
type SubscriptionStats struct {
	Name      string
	Delivered uint64
	Dropped   uint64
	Failed    uint64
}

// Subscription controls an active registration.
type Subscription interface {
	Name() string
	// Close stops delivery and waits for the in-flight handler.
	Close(ctx context.Context) error
}

// EventBus routes published note events to matching subscribers.
type EventBus interface {
	EventSink
	Subscribe(
		ctx context.Context,
		interest InterestSet,
		spec SubscriptionSpec,
		handler EventHandler,
	) (Subscription, error)
	// Stats reports per-subscription counters ordered by name.
	Stats() []SubscriptionStats
	Close(ctx context.Context) error
}
