// Package memory keeps the short rolling conversation context fed into prompts.
package memory

import (
	"fmt"
	"strings"
	"sync"

	"ex-notebot/pkg/notebot"
)

// Entry is one remembered utterance.
type Entry struct {
	Speaker string
	Text    string
}

// String renders the entry as one prompt line.
func (e Entry) String() string {
	return e.Speaker + ": " + e.Text
}

// Buffer is a bounded FIFO of entries.
//
// Once the cap is exceeded the oldest entry is dropped, so Len never exceeds Cap
// after Append returns. Buffer is safe for concurrent use.
type Buffer struct {
	mu      sync.Mutex
	name    string
	cap     int
	entries []Entry
}

// New creates an empty buffer holding at most capacity entries.
func New(name string, capacity int) (*Buffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("new memory buffer %s: capacity must be > 0, got %d", name, capacity)
	}

	return &Buffer{
		name:    name,
		cap:     capacity,
		entries: make([]Entry, 0, capacity+1),
	}, nil
}

// Append adds one entry and evicts the oldest one when the cap is exceeded.
func (b *Buffer) Append(speaker, text string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries = append(b.entries, Entry{Speaker: speaker, Text: text})
	if len(b.entries) > b.cap {
		// Shift in place so the backing array does not grow without bound.
		copy(b.entries, b.entries[1:])
		b.entries = b.entries[:len(b.entries)-1]
	}
}

// Render joins all entries oldest first, one per line.
func (b *Buffer) Render() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	lines := make([]string, len(b.entries))
	for idx, entry := range b.entries {
		lines[idx] = entry.String()
	}

	return strings.Join(lines, "\n")
}

// Entries returns a copy of the current entries, oldest first.
func (b *Buffer) Entries() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]Entry(nil), b.entries...)
}

// Len returns the current entry count.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.entries)
}

// Cap returns the configured maximum entry count.
func (b *Buffer) Cap() int {
	return b.cap
}

// Name returns the buffer label used in logs.
func (b *Buffer) Name() string {
	return b.name
}

var _ notebot.MemoryBuffer = (*Buffer)(nil)
