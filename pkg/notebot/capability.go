package notebot

import "slices"

// Capability is one named thing a module does with notes, plus the services
// the kernel must resolve before the module may register.
type Capability struct {
	Name             string
	Description      string
	Interest         InterestSet
	RequiredServices []string
}

// InterestSet filters events by kind and by the driver that produced them.
// An empty field matches anything.
type InterestSet struct {
	Kinds   []EventKind
	Sources []string
}

// Matches reports whether event passes both filters.
func (i InterestSet) Matches(event *Event) bool {
	if event == nil {
		return false
	}

	return within(i.Kinds, event.Kind) && within(i.Sources, event.Source)
}

// Allows reports whether every event that filter could match is also matched
// by i. A module may only subscribe with filters its capabilities allow.
func (i InterestSet) Allows(filter InterestSet) bool {
	return narrower(i.Kinds, filter.Kinds) && narrower(i.Sources, filter.Sources)
}

func within[T comparable](allowed []T, value T) bool {
	return len(allowed) == 0 || slices.Contains(allowed, value)
}

func narrower[T comparable](outer, inner []T) bool {
	if len(outer) == 0 {
		return true
	}
	if len(inner) == 0 {
		return false
	}
	for _, value := range inner {
		if !slices.Contains(outer, value) {
			return false
		}
	}

	return true
}
