package chat

import (
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"ex-notebot/pkg/notebot"
)

// Timer is the stoppable handle returned by an AfterFunc.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules fn after delay.
type AfterFunc func(delay time.Duration, fn func()) Timer

func realAfterFunc(delay time.Duration, fn func()) Timer {
	return time.AfterFunc(delay, fn)
}

// Arrival is one mention or reply event received for a note.
type Arrival struct {
	Event     *notebot.Event
	ArrivedAt time.Time
}

// Selection is the arrival chosen for one note once its window closes.
type Selection struct {
	NoteID  string
	Arrival Arrival
	// Discarded counts arrivals for the same note that lost the selection.
	Discarded int
}

// PendingNote is a snapshot of one open coalescing window.
type PendingNote struct {
	NoteID   string
	ArmedAt  time.Time
	Deadline time.Time
	Arrivals int
}

type bucket struct {
	armedAt  time.Time
	deadline time.Time
	arrivals []Arrival
	timer    Timer
}

// Coalescer groups arrivals by note id for a fixed window and selects one.
//
// At most one timer is armed per note id. Replies are preferred over
// mentions; among equals the first arrival wins.
type Coalescer struct {
	window    time.Duration
	onSelect  func(Selection)
	afterFunc AfterFunc
	clock     func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
	closed  bool
}

// CoalescerOption mutates Coalescer construction.
type CoalescerOption func(*Coalescer)

// WithAfterFunc overrides the timer factory.
func WithAfterFunc(afterFunc AfterFunc) CoalescerOption {
	return func(c *Coalescer) {
		if afterFunc != nil {
			c.afterFunc = afterFunc
		}
	}
}

// WithCoalescerClock overrides the arrival clock.
func WithCoalescerClock(clock func() time.Time) CoalescerOption {
	return func(c *Coalescer) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// NewCoalescer creates a coalescer calling onSelect once per closed window.
func NewCoalescer(window time.Duration, onSelect func(Selection), options ...CoalescerOption) (*Coalescer, error) {
	if window <= 0 {
		return nil, fmt.Errorf("new coalescer: window must be > 0")
	}
	if onSelect == nil {
		return nil, fmt.Errorf("new coalescer: nil selection handler")
	}

	coalescer := &Coalescer{
		window:    window,
		onSelect:  onSelect,
		afterFunc: realAfterFunc,
		clock:     time.Now,
		buckets:   make(map[string]*bucket),
	}
	for _, option := range options {
		option(coalescer)
	}

	return coalescer, nil
}

// Add records one arrival and reports whether it opened a new window.
func (c *Coalescer) Add(event *notebot.Event) (bool, error) {
	if event == nil || event.Note.ID == "" {
		return false, fmt.Errorf("coalesce arrival: missing note id")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false, fmt.Errorf("coalesce arrival %s: coalescer closed", event.Note.ID)
	}

	now := c.clock()
	noteID := event.Note.ID
	arrival := Arrival{Event: event, ArrivedAt: now}
	if existing, ok := c.buckets[noteID]; ok {
		existing.arrivals = append(existing.arrivals, arrival)
		return false, nil
	}

	opened := &bucket{
		armedAt:  now,
		deadline: now.Add(c.window),
		arrivals: []Arrival{arrival},
	}
	c.buckets[noteID] = opened
	opened.timer = c.afterFunc(c.window, func() {
		c.expire(noteID, opened)
	})

	return true, nil
}

func (c *Coalescer) expire(noteID string, expired *bucket) {
	c.mu.Lock()
	current, ok := c.buckets[noteID]
	if c.closed || !ok || current != expired {
		c.mu.Unlock()
		return
	}
	delete(c.buckets, noteID)
	arrivals := slices.Clone(current.arrivals)
	c.mu.Unlock()

	if len(arrivals) == 0 {
		return
	}

	sort.SliceStable(arrivals, func(i, j int) bool {
		return arrivalRank(arrivals[i]) < arrivalRank(arrivals[j])
	})

	c.onSelect(Selection{
		NoteID:    noteID,
		Arrival:   arrivals[0],
		Discarded: len(arrivals) - 1,
	})
}

func arrivalRank(arrival Arrival) int {
	if arrival.Event != nil && arrival.Event.Kind == notebot.EventKindNoteReply {
		return 0
	}

	return 1
}

// Pending returns open windows ordered by deadline.
func (c *Coalescer) Pending() []PendingNote {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending := make([]PendingNote, 0, len(c.buckets))
	for noteID, open := range c.buckets {
		pending = append(pending, PendingNote{
			NoteID:   noteID,
			ArmedAt:  open.armedAt,
			Deadline: open.deadline,
			Arrivals: len(open.arrivals),
		})
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Deadline.Equal(pending[j].Deadline) {
			return pending[i].NoteID < pending[j].NoteID
		}
		return pending[i].Deadline.Before(pending[j].Deadline)
	})

	return pending
}

// Close stops every armed timer and drops open windows.
func (c *Coalescer) Close() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0
	}
	c.closed = true

	dropped := len(c.buckets)
	for noteID, open := range c.buckets {
		if open.timer != nil {
			open.timer.Stop()
		}
		delete(c.buckets, noteID)
	}

	return dropped
}
