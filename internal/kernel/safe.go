package kernel

import (
	"fmt"
	"runtime/debug"
)

// PanicError is returned by fenced calls that panicked.
type PanicError struct {
	Scope string
	Value any
	Stack []byte
}

// Error names the scope and the recovered value.
func (e *PanicError) Error() string {
	return fmt.Sprintf("%s: panic: %v", e.Scope, e.Value)
}

// fence runs fn, prefixing its error with scope and turning a panic into *PanicError.
func fence(scope string, fn func() error) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = &PanicError{Scope: scope, Value: recovered, Stack: debug.Stack()}
		}
	}()

	if err := fn(); err != nil {
		return fmt.Errorf("%s: %w", scope, err)
	}

	return nil
}
