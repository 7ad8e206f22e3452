package kernel

import (
	"cmp"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"sync"

	"ex-notebot/pkg/notebot"
)

// ServiceInfo describes one registered service for diagnostics.
type ServiceInfo struct {
	Name string
	Type string
}

// ServiceRegistry holds the shared singletons modules resolve at registration.
type ServiceRegistry struct {
	mu      sync.RWMutex
	entries map[string]any
}

// NewServiceRegistry creates an empty registry.
func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{entries: make(map[string]any)}
}

// Register adds service under name. Names are registered once; nil values,
// including typed nil pointers, are rejected.
func (r *ServiceRegistry) Register(name string, service any) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("register service: empty name")
	}
	if isNil(service) {
		return fmt.Errorf("register service %s: nil service", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, taken := r.entries[name]; taken {
		return fmt.Errorf("register service %s (held by %T): %w", name, existing, notebot.ErrServiceAlreadyRegistered)
	}
	r.entries[name] = service

	return nil
}

// Resolve returns the service registered under name. A miss lists what is
// registered, which usually points at a module registered too early.
func (r *ServiceRegistry) Resolve(name string) (any, error) {
	r.mu.RLock()
	service, found := r.entries[name]
	r.mu.RUnlock()

	if !found {
		return nil, fmt.Errorf(
			"resolve service %q (registered: %s): %w",
			name,
			strings.Join(r.Names(), ", "),
			notebot.ErrServiceNotFound,
		)
	}

	return service, nil
}

// Names returns the registered names in sorted order.
func (r *ServiceRegistry) Names() []string {
	infos := r.Describe()
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name)
	}

	return names
}

// Describe returns every registered service with its dynamic type, sorted by name.
func (r *ServiceRegistry) Describe() []ServiceInfo {
	r.mu.RLock()
	infos := make([]ServiceInfo, 0, len(r.entries))
	for name, service := range r.entries {
		infos = append(infos, ServiceInfo{Name: name, Type: fmt.Sprintf("%T", service)})
	}
	r.mu.RUnlock()

	slices.SortFunc(infos, func(a, b ServiceInfo) int {
		return cmp.Compare(a.Name, b.Name)
	})

	return infos
}

func isNil(service any) bool {
	if service == nil {
		return true
	}

	switch value := reflect.ValueOf(service); value.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Interface, reflect.Chan:
		return value.IsNil()
	default:
		return false
	}
}
