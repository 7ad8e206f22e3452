package kernel

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"ex-notebot/pkg/notebot"
)

// busConfig holds the defaults applied to subscriptions that leave fields unset.
type busConfig struct {
	buffer         int
	handlerTimeout time.Duration
	onAsyncError   func(context.Context, string, error)
}

// noteBus fans note events out to subscribers, each drained by one worker.
type noteBus struct {
	cfg busConfig

	mu     sync.RWMutex
	nextID int64
	closed bool
	subs   map[int64]*subscription
	// retired keeps closed subscriptions around for Stats.
	retired []*subscription
}

func newNoteBus(cfg busConfig) *noteBus {
	return &noteBus{
		cfg:  cfg,
		subs: make(map[int64]*subscription),
	}
}

// Publish queues event on every matching subscription.
//
// Drops and closed subscribers are reported to the async error sink and do
// not fail the publish; only a cancelled blocking enqueue does.
func (b *noteBus) Publish(ctx context.Context, event *notebot.Event) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	targets, err := b.matching(event)
	if err != nil {
		return fmt.Errorf("publish %s: %w", event.ID, err)
	}

	var blocked []error
	for _, sub := range targets {
		err := sub.offer(ctx, event)
		switch {
		case err == nil:
		case errors.Is(err, notebot.ErrEventDropped), errors.Is(err, notebot.ErrSubscriptionClosed):
			b.report(ctx, sub.spec.Name, fmt.Errorf("note %s: %w", event.Note.ID, err))
		default:
			blocked = append(blocked, err)
		}
	}
	if len(blocked) > 0 {
		return fmt.Errorf("publish %s: %w", event.ID, errors.Join(blocked...))
	}

	return nil
}

// matching snapshots the subscriptions interested in event.
func (b *noteBus) matching(event *notebot.Event) ([]*subscription, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, fmt.Errorf("bus closed")
	}

	targets := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.interest.Matches(event) {
			targets = append(targets, sub)
		}
	}

	return targets, nil
}

// Subscribe registers handler and starts its worker.
func (b *noteBus) Subscribe(
	ctx context.Context,
	interest notebot.InterestSet,
	spec notebot.SubscriptionSpec,
	handler notebot.EventHandler,
) (notebot.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", spec.Name, err)
	}
	if handler == nil {
		return nil, fmt.Errorf("subscribe %s: nil handler", spec.Name)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("subscribe %s: bus closed", spec.Name)
	}

	b.nextID++
	spec, err := b.withDefaults(spec, b.nextID)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", spec.Name, err)
	}
	sub := &subscription{
		id:      b.nextID,
		bus:     b,
		spec:    spec,
		handler: handler,
		interest: notebot.InterestSet{
			Kinds:   slices.Clone(interest.Kinds),
			Sources: slices.Clone(interest.Sources),
		},
		queue: make(chan *notebot.Event, spec.Buffer),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	b.subs[sub.id] = sub
	go sub.work()

	return sub, nil
}

func (b *noteBus) withDefaults(spec notebot.SubscriptionSpec, id int64) (notebot.SubscriptionSpec, error) {
	if spec.Name == "" {
		spec.Name = fmt.Sprintf("subscription-%d", id)
	}
	if spec.Buffer <= 0 {
		spec.Buffer = b.cfg.buffer
	}
	if spec.HandlerTimeout <= 0 {
		spec.HandlerTimeout = b.cfg.handlerTimeout
	}
	switch spec.Backpressure {
	case "":
		spec.Backpressure = notebot.BackpressureDropNewest
	case notebot.BackpressureDropNewest, notebot.BackpressureBlock:
	default:
		return spec, fmt.Errorf("%w: unknown backpressure %q", notebot.ErrInvalidSubscription, spec.Backpressure)
	}

	return spec, nil
}

// Stats reports counters for live and retired subscriptions ordered by name.
func (b *noteBus) Stats() []notebot.SubscriptionStats {
	b.mu.RLock()
	stats := make([]notebot.SubscriptionStats, 0, len(b.retired)+len(b.subs))
	for _, sub := range b.retired {
		stats = append(stats, sub.stats())
	}
	for _, sub := range b.subs {
		stats = append(stats, sub.stats())
	}
	b.mu.RUnlock()

	slices.SortStableFunc(stats, func(a, b notebot.SubscriptionStats) int {
		return cmp.Compare(a.Name, b.Name)
	})

	return stats
}

// Close stops every subscription and rejects later publishes.
func (b *noteBus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	var closeErr error
	for _, sub := range subs {
		closeErr = errors.Join(closeErr, b.retire(ctx, sub))
	}
	if closeErr != nil {
		return fmt.Errorf("close bus: %w", closeErr)
	}

	return nil
}

// retire removes sub from the live set, keeping its counters, and waits for its worker.
func (b *noteBus) retire(ctx context.Context, sub *subscription) error {
	b.mu.Lock()
	if _, live := b.subs[sub.id]; live {
		delete(b.subs, sub.id)
		b.retired = append(b.retired, sub)
	}
	b.mu.Unlock()

	return sub.halt(ctx)
}

func (b *noteBus) report(ctx context.Context, scope string, err error) {
	if b.cfg.onAsyncError != nil {
		b.cfg.onAsyncError(ctx, scope, err)
	}
}

// subscription is one queue plus the worker draining it.
type subscription struct {
	id       int64
	bus      *noteBus
	spec     notebot.SubscriptionSpec
	interest notebot.InterestSet
	handler  notebot.EventHandler

	queue    chan *notebot.Event
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	stopped  atomic.Bool

	delivered atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

func (s *subscription) Name() string {
	return s.spec.Name
}

func (s *subscription) Close(ctx context.Context) error {
	if err := s.bus.retire(ctx, s); err != nil {
		return fmt.Errorf("close subscription %s: %w", s.spec.Name, err)
	}

	return nil
}

func (s *subscription) stats() notebot.SubscriptionStats {
	return notebot.SubscriptionStats{
		Name:      s.spec.Name,
		Delivered: s.delivered.Load(),
		Dropped:   s.dropped.Load(),
		Failed:    s.failed.Load(),
	}
}

// offer enqueues event according to the backpressure policy.
func (s *subscription) offer(ctx context.Context, event *notebot.Event) error {
	if s.stopped.Load() {
		return fmt.Errorf("%s: %w", s.spec.Name, notebot.ErrSubscriptionClosed)
	}

	if s.spec.Backpressure == notebot.BackpressureBlock {
		select {
		case s.queue <- event:
			return nil
		case <-s.stop:
			return fmt.Errorf("%s: %w", s.spec.Name, notebot.ErrSubscriptionClosed)
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", s.spec.Name, ctx.Err())
		}
	}

	select {
	case s.queue <- event:
		return nil
	default:
		s.dropped.Add(1)
		return fmt.Errorf("%s: %w", s.spec.Name, notebot.ErrEventDropped)
	}
}

// work handles queued events in order until the subscription is halted.
// Events still queued at that point are discarded.
func (s *subscription) work() {
	defer close(s.done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-s.done:
		}
	}()

	for {
		select {
		case <-s.stop:
			return
		case event := <-s.queue:
			if err := s.deliver(ctx, event); err != nil {
				s.failed.Add(1)
				s.bus.report(ctx, s.spec.Name, err)
				continue
			}
			s.delivered.Add(1)
		}
	}
}

func (s *subscription) deliver(ctx context.Context, event *notebot.Event) error {
	handlerCtx, cancel := ctx, context.CancelFunc(func() {})
	if s.spec.HandlerTimeout > 0 {
		handlerCtx, cancel = context.WithTimeout(ctx, s.spec.HandlerTimeout)
	}
	defer cancel()

	return fence(s.spec.Name+" note "+event.Note.ID, func() error {
		return s.handler(handlerCtx, event)
	})
}

// halt signals the worker and waits for it, bounded by ctx.
func (s *subscription) halt(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		close(s.stop)
	})

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
