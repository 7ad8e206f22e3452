package misskey

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"ex-notebot/pkg/notebot"

	"github.com/tidwall/gjson"
)

// ErrMalformedFrame reports a streaming frame that could not be decoded.
var ErrMalformedFrame = errors.New("misskey: malformed frame")

const (
	frameTypeChannel = "channel"

	channelEventMention = "mention"
	channelEventReply   = "reply"
)

// Decoder classifies raw streaming frames into neutral events.
type Decoder struct {
	now func() time.Time
}

// NewDecoder creates a decoder stamping events with the wall clock.
func NewDecoder() Decoder {
	return Decoder{now: time.Now}
}

// Decode classifies one frame.
//
// It returns (nil, nil) for frames that carry no bot-relevant event, such as
// pong replies or other channel messages.
func (d Decoder) Decode(frame []byte) (*notebot.Event, error) {
	if !gjson.ValidBytes(frame) {
		return nil, fmt.Errorf("%w: invalid json", ErrMalformedFrame)
	}

	root := gjson.ParseBytes(frame)
	if root.Get("type").String() != frameTypeChannel {
		return nil, nil
	}

	var kind notebot.EventKind
	switch root.Get("body.type").String() {
	case channelEventMention:
		kind = notebot.EventKindNoteMention
	case channelEventReply:
		kind = notebot.EventKindNoteReply
	default:
		return nil, nil
	}

	payload := root.Get("body.body")
	if !payload.IsObject() {
		return nil, fmt.Errorf("%w: %s without note body", ErrMalformedFrame, kind)
	}

	var note notebot.Note
	if err := json.Unmarshal([]byte(payload.Raw), &note); err != nil {
		return nil, fmt.Errorf("%w: decode %s note: %v", ErrMalformedFrame, kind, err)
	}
	note.ID = strings.TrimSpace(note.ID)
	if note.ID == "" {
		return nil, fmt.Errorf("%w: %s note without id", ErrMalformedFrame, kind)
	}
	if note.UserID == "" {
		note.UserID = note.User.ID
	}
	if note.ReplyID == "" && note.Reply != nil {
		note.ReplyID = note.Reply.ID
	}

	now := time.Now
	if d.now != nil {
		now = d.now
	}

	return &notebot.Event{
		ID:         string(kind) + ":" + note.ID,
		Kind:       kind,
		Source:     DriverType,
		OccurredAt: now().UTC(),
		Note:       note,
		Raw:        json.RawMessage(root.Get("body").Raw),
	}, nil
}
