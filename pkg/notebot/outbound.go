package notebot

import (
	"context"
	"fmt"
	"strings"
)

// NoteDispatcher creates notes on the platform.
//
// Implementations should enforce platform-specific constraints while preserving
// these protocol-level request semantics.
type NoteDispatcher interface {
	// CreateNote publishes one new note, optionally as a reply.
	CreateNote(ctx context.Context, request CreateNoteRequest) (*CreatedNote, error)
}

// CreateNoteRequest describes one outbound note.
type CreateNoteRequest struct {
	// ChannelID optionally posts the note into one channel.
	ChannelID string
	// Text is the note body.
	Text string
	// ReplyID optionally marks the note as a reply to another note.
	ReplyID string
	// Visibility optionally overrides the platform default visibility.
	Visibility Visibility
}

// Validate checks request invariants before transport.
func (r CreateNoteRequest) Validate() error {
	if strings.TrimSpace(r.Text) == "" {
		return fmt.Errorf("%w: missing text", ErrInvalidOutboundRequest)
	}
	switch r.Visibility {
	case "", VisibilityPublic, VisibilityHome, VisibilityFollowers, VisibilitySpecified:
	default:
		return fmt.Errorf("%w: unsupported visibility %q", ErrInvalidOutboundRequest, r.Visibility)
	}

	return nil
}

// CreatedNote is the platform acknowledgement of one created note.
type CreatedNote struct {
	ID         string
	Visibility Visibility
}

// NoteSender posts bot utterances and records them as forward context.
type NoteSender interface {
	// PostNew creates a top-level note in the configured channel.
	PostNew(ctx context.Context, text string) error
	// PostReply creates a reply, restricted to specified recipients when direct is set.
	PostReply(ctx context.Context, text string, replyToID string, direct bool) error
}
