package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"ex-notebot/pkg/notebot"
)

// moduleRecord is the kernel's bookkeeping for one registered module.
type moduleRecord struct {
	name         string
	module       notebot.Module
	capabilities []notebot.Capability

	mu   sync.Mutex
	subs []notebot.Subscription
}

func (m *moduleRecord) track(sub notebot.Subscription) {
	m.mu.Lock()
	m.subs = append(m.subs, sub)
	m.mu.Unlock()
}

// release closes every tracked subscription once; later calls are no-ops.
func (m *moduleRecord) release(ctx context.Context) error {
	m.mu.Lock()
	subs := m.subs
	m.subs = nil
	m.mu.Unlock()

	var releaseErr error
	for _, sub := range subs {
		if err := sub.Close(ctx); err != nil {
			releaseErr = errors.Join(releaseErr, err)
		}
	}

	return releaseErr
}

// grant returns the first declared capability whose interest covers interest.
func (m *moduleRecord) grant(interest notebot.InterestSet) (notebot.Capability, error) {
	if len(m.capabilities) == 0 {
		return notebot.Capability{}, fmt.Errorf("%w: module declares no capabilities", notebot.ErrInvalidSubscription)
	}
	for _, capability := range m.capabilities {
		if capability.Interest.Allows(interest) {
			return capability, nil
		}
	}

	return notebot.Capability{}, fmt.Errorf(
		"%w: kinds %v sources %v exceed declared capabilities",
		notebot.ErrInvalidSubscription,
		interest.Kinds,
		interest.Sources,
	)
}

// moduleRuntime is the notebot.ModuleRuntime handed to one module.
type moduleRuntime struct {
	record   *moduleRecord
	services notebot.ServiceRegistry
	bus      notebot.EventBus
}

func (r *moduleRuntime) Services() notebot.ServiceRegistry {
	return r.services
}

// Subscribe checks interest against the module's capabilities before
// subscribing. Unnamed subscriptions are named module/capability.
func (r *moduleRuntime) Subscribe(
	ctx context.Context,
	interest notebot.InterestSet,
	spec notebot.SubscriptionSpec,
	handler notebot.EventHandler,
) (notebot.Subscription, error) {
	capability, err := r.record.grant(interest)
	if err != nil {
		return nil, fmt.Errorf("module %s subscribe: %w", r.record.name, err)
	}
	if spec.Name == "" {
		spec.Name = r.record.name + "/" + capability.Name
	}

	sub, err := r.bus.Subscribe(ctx, interest, spec, handler)
	if err != nil {
		return nil, fmt.Errorf("module %s subscribe %s: %w", r.record.name, spec.Name, err)
	}
	r.record.track(sub)

	return sub, nil
}
