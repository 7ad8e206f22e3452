package notebot

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestAsOutboundErrorThroughWrapping(t *testing.T) {
	t.Parallel()

	rootCause := errors.New("connection reset")
	err := fmt.Errorf("post reply note: %w", &OutboundError{
		Kind:    OutboundErrorKindTemporary,
		Status:  502,
		Code:    "INTERNAL_ERROR",
		Message: "Internal error occurred.",
		Cause:   rootCause,
	})

	outboundErr, ok := AsOutboundError(err)
	if !ok {
		t.Fatal("AsOutboundError = false, want true")
	}
	if outboundErr.Status != 502 {
		t.Fatalf("status = %d, want 502", outboundErr.Status)
	}
	if !errors.Is(err, rootCause) {
		t.Fatalf("errors.Is(err, rootCause) = false (err=%v)", err)
	}
	for _, want := range []string{"(temporary)", "http 502", "INTERNAL_ERROR", "connection reset"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error = %q, want substring %q", err.Error(), want)
		}
	}

	if _, ok := AsOutboundError(errors.New("plain")); ok {
		t.Fatal("AsOutboundError(plain) = true, want false")
	}
	if _, ok := AsOutboundError(nil); ok {
		t.Fatal("AsOutboundError(nil) = true, want false")
	}
}

func TestOutboundErrorRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind OutboundErrorKind
		want bool
	}{
		{kind: OutboundErrorKindRateLimited, want: true},
		{kind: OutboundErrorKindTemporary, want: true},
		{kind: OutboundErrorKindPermanent},
		{kind: OutboundErrorKindUnknown},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(string(testCase.kind), func(t *testing.T) {
			t.Parallel()

			err := &OutboundError{Kind: testCase.kind, RetryAfter: time.Second}
			if got := err.Retryable(); got != testCase.want {
				t.Fatalf("Retryable() = %v, want %v", got, testCase.want)
			}
		})
	}

	var nilErr *OutboundError
	if nilErr.Retryable() {
		t.Fatal("nil Retryable() = true, want false")
	}
}

func TestCreateNoteRequestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		request CreateNoteRequest
		wantErr bool
	}{
		{name: "top-level note", request: CreateNoteRequest{Text: "hello", ChannelID: "ch"}},
		{name: "direct reply", request: CreateNoteRequest{Text: "hi", ReplyID: "n1", Visibility: VisibilitySpecified}},
		{name: "blank text", request: CreateNoteRequest{Text: "  "}, wantErr: true},
		{name: "unknown visibility", request: CreateNoteRequest{Text: "x", Visibility: "secret"}, wantErr: true},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			err := testCase.request.Validate()
			if testCase.wantErr {
				if !errors.Is(err, ErrInvalidOutboundRequest) {
					t.Fatalf("error = %v, want ErrInvalidOutboundRequest", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
