// Package polling buffers outbound relay events for clients that pull
// instead of holding a live connection.
package polling

import (
	"sync"
	"time"
)

// Defaults for NewBuffer.
const (
	DefaultCapacity = 100
	DefaultTTL      = 60 * time.Second
)

// Event is one buffered outbound event.
type Event struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Buffer is a fixed-capacity ring of events. It is a sliding window: reads
// do not consume entries, overflow evicts the oldest entry, and entries whose
// age reaches the TTL are pruned lazily on read.
type Buffer struct {
	mu   sync.Mutex
	ring []Event
	head int // index of the oldest entry
	size int
	ttl  time.Duration
	now  func() time.Time
}

// NewBuffer returns an empty buffer. Non-positive arguments fall back to the
// defaults.
func NewBuffer(capacity int, ttl time.Duration) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Buffer{
		ring: make([]Event, capacity),
		ttl:  ttl,
		now:  time.Now,
	}
}

// SetClock overrides the time source. Intended for tests.
func (b *Buffer) SetClock(now func() time.Time) {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
}

// Append records an event, evicting the oldest entry when full.
func (b *Buffer) Append(typ string, data any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ev := Event{Type: typ, Data: data, Timestamp: b.now()}
	if b.size == len(b.ring) {
		b.ring[b.head] = ev
		b.head = (b.head + 1) % len(b.ring)
		return
	}
	b.ring[(b.head+b.size)%len(b.ring)] = ev
	b.size++
}

// Events returns every unexpired event, oldest first.
func (b *Buffer) Events() []Event {
	return b.Since(time.Time{})
}

// Since returns unexpired events stamped strictly after t, oldest first.
func (b *Buffer) Since(t time.Time) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pruneLocked()
	out := make([]Event, 0, b.size)
	for i := 0; i < b.size; i++ {
		ev := b.ring[(b.head+i)%len(b.ring)]
		if ev.Timestamp.After(t) {
			out = append(out, ev)
		}
	}
	return out
}

// Len returns the number of unexpired events.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked()
	return b.size
}

// pruneLocked drops expired entries from the head. Entries are appended in
// time order, so the first unexpired entry ends the scan.
func (b *Buffer) pruneLocked() {
	now := b.now()
	for b.size > 0 {
		if now.Sub(b.ring[b.head].Timestamp) < b.ttl {
			return
		}
		b.ring[b.head] = Event{}
		b.head = (b.head + 1) % len(b.ring)
		b.size--
	}
}
