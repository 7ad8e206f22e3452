package completion

import "strings"

// Prompt is the material of one completion turn.
type Prompt struct {
	// Preamble is the persona instruction placed first.
	Preamble string
	// HistoryLabel titles the rendered memory block, for example "Conversation history".
	HistoryLabel string
	// History is the rendered memory buffer.
	History string
	// Quoted is the text of the note being replied to, when any.
	Quoted string
	// Body closes the system prompt.
	Body string
	// Message is the raw user turn sent alongside the system prompt.
	Message string
}

// Render assembles the system prompt text.
func (p Prompt) Render() string {
	var builder strings.Builder
	builder.WriteString(p.Preamble)
	builder.WriteString("\n\n")
	builder.WriteString(p.HistoryLabel)
	builder.WriteString(":\n")
	builder.WriteString(p.History)
	builder.WriteString("\n\n")
	if p.Quoted != "" {
		builder.WriteString(`Quoted message: "`)
		builder.WriteString(p.Quoted)
		builder.WriteString("\"\n\n")
	}
	builder.WriteString(p.Body)

	return builder.String()
}
