package notebot

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventKind identifies the semantic category of one inbound event.
type EventKind string

const (
	// EventKindNoteMention identifies notes that mention the bot account.
	EventKindNoteMention EventKind = "note.mention"
	// EventKindNoteReply identifies notes that reply to a note authored by the bot.
	EventKindNoteReply EventKind = "note.reply"
)

// Validate checks whether this kind is supported.
func (k EventKind) Validate() error {
	switch k {
	case EventKindNoteMention, EventKindNoteReply:
		return nil
	default:
		return fmt.Errorf("%w: unsupported kind %q", ErrInvalidEvent, k)
	}
}

// Visibility is the audience scope of one note.
type Visibility string

const (
	// VisibilityPublic is visible to everyone and listed on public timelines.
	VisibilityPublic Visibility = "public"
	// VisibilityHome is visible to everyone but kept off public timelines.
	VisibilityHome Visibility = "home"
	// VisibilityFollowers is visible to followers only.
	VisibilityFollowers Visibility = "followers"
	// VisibilitySpecified is restricted to explicitly specified recipients (direct).
	VisibilitySpecified Visibility = "specified"
)

// IsDirect reports whether this visibility restricts the note to specified recipients.
func (v Visibility) IsDirect() bool {
	return v == VisibilitySpecified
}

// User identifies one note author.
type User struct {
	// ID is the stable platform account identifier.
	ID string `json:"id"`
	// Username is the account handle without the leading "@".
	Username string `json:"username"`
	// Name is the optional display name.
	Name string `json:"name,omitempty"`
}

// ReplyTarget is the note that an inbound note replies to.
type ReplyTarget struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	UserID string `json:"userId"`
}

// Note is one chat message on the streaming platform.
type Note struct {
	ID         string       `json:"id"`
	Text       string       `json:"text"`
	User       User         `json:"user"`
	UserID     string       `json:"userId"`
	Reply      *ReplyTarget `json:"reply,omitempty"`
	ReplyID    string       `json:"replyId,omitempty"`
	Visibility Visibility   `json:"visibility"`
	ChannelID  string       `json:"channelId,omitempty"`
	CreatedAt  time.Time    `json:"createdAt"`
}

// AuthorID returns the author account id, preferring the embedded user object.
func (n Note) AuthorID() string {
	if id := strings.TrimSpace(n.User.ID); id != "" {
		return id
	}

	return strings.TrimSpace(n.UserID)
}

// IsDirect reports whether the note was sent with restricted visibility.
func (n Note) IsDirect() bool {
	return n.Visibility.IsDirect()
}

// Event is the neutral envelope published by drivers into the kernel bus.
type Event struct {
	// ID is a driver-assigned unique event identifier.
	ID string
	// Kind identifies the event category.
	Kind EventKind
	// Source identifies the driver instance that produced this event.
	Source string
	// OccurredAt is when the driver observed the event.
	OccurredAt time.Time
	// Note is the decoded note payload.
	Note Note
	// Raw keeps the undecoded channel body for diagnostics.
	Raw json.RawMessage
}

// Validate checks event protocol invariants.
func (e *Event) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if err := e.Kind.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(e.Note.ID) == "" {
		return fmt.Errorf("%w: missing note id", ErrInvalidEvent)
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("%w: missing occurred_at", ErrInvalidEvent)
	}

	return nil
}
