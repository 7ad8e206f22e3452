package notebot

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// OutboundErrorKind is the coarse class of a failed notes/create call.
type OutboundErrorKind string

const (
	OutboundErrorKindRateLimited OutboundErrorKind = "rate_limited"
	OutboundErrorKindTemporary   OutboundErrorKind = "temporary"
	OutboundErrorKindPermanent   OutboundErrorKind = "permanent"
	OutboundErrorKindUnknown     OutboundErrorKind = "unknown"
)

// OutboundError describes one note the server refused or never received.
//
// Status, Code and Message are filled from the Misskey error body when the
// request reached the server. Transport failures only carry Kind and Cause.
type OutboundError struct {
	Kind       OutboundErrorKind
	Status     int
	Code       string
	Message    string
	RetryAfter time.Duration
	Cause      error
}

// Error returns one operator-readable failure summary.
func (e *OutboundError) Error() string {
	if e == nil {
		return "<nil>"
	}

	var b strings.Builder
	b.WriteString("create note failed")
	if e.Kind != "" {
		fmt.Fprintf(&b, " (%s)", e.Kind)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, ": http %d", e.Status)
	}
	if code := strings.TrimSpace(e.Code); code != "" {
		fmt.Fprintf(&b, " %s", code)
	}
	if message := strings.TrimSpace(e.Message); message != "" {
		fmt.Fprintf(&b, " %q", message)
	}
	if e.RetryAfter > 0 {
		fmt.Fprintf(&b, ", retry after %s", e.RetryAfter)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}

	return b.String()
}

// Unwrap returns the transport or status cause.
func (e *OutboundError) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Cause
}

// Retryable reports whether sending the same note later may succeed.
func (e *OutboundError) Retryable() bool {
	if e == nil {
		return false
	}

	return e.Kind == OutboundErrorKindRateLimited || e.Kind == OutboundErrorKindTemporary
}

// AsOutboundError finds an OutboundError anywhere in err's chain.
func AsOutboundError(err error) (*OutboundError, bool) {
	var outboundErr *OutboundError
	if !errors.As(err, &outboundErr) || outboundErr == nil {
		return nil, false
	}

	return outboundErr, true
}
