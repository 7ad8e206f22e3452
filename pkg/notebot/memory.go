package notebot

// MemoryBuffer is a bounded ordered log of "speaker: text" lines used to build prompts.
//
// Implementations evict the oldest entry once the configured cap is exceeded.
type MemoryBuffer interface {
	// Append records one entry at the end of the log.
	Append(speaker, text string)
	// Render returns all entries newline-joined, oldest first.
	Render() string
	// Len returns the current number of entries.
	Len() int
}
