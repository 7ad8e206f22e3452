package chat

import (
	"strings"

	"ex-notebot/pkg/notebot"
)

// Decision is the outcome of checking one note against the bot identity.
type Decision struct {
	// ReplyToBot is set when the note replies to a note authored by the bot.
	ReplyToBot bool
	// Mentioned is set when the note text contains "@" plus the bot username.
	Mentioned bool
	// Quoted is the replied-to text when ReplyToBot is set.
	Quoted string
}

// Relevant reports whether the bot should answer.
func (d Decision) Relevant() bool {
	return d.ReplyToBot || d.Mentioned
}

// Decide classifies note for the bot identified by botUsername and botUserID.
func Decide(note notebot.Note, botUsername string, botUserID string) Decision {
	var decision Decision
	if note.Reply != nil && botUserID != "" && note.Reply.UserID == botUserID {
		decision.ReplyToBot = true
		decision.Quoted = note.Reply.Text
	}
	if botUsername != "" && strings.Contains(note.Text, "@"+botUsername) {
		decision.Mentioned = true
	}

	return decision
}

// authoredBy reports whether note was written by the bot account itself.
func authoredBy(note notebot.Note, botUserID string) bool {
	return botUserID != "" && note.AuthorID() == botUserID
}

func speakerName(note notebot.Note) string {
	if username := strings.TrimSpace(note.User.Username); username != "" {
		return username
	}

	return note.AuthorID()
}
