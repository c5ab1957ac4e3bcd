package events

import "master-session-service/internal/models"

// eventRing is a fixed-capacity ring of the most recent events, oldest
// evicted first. It serves local queries and statistics without touching the
// durable sinks. Not safe for concurrent use; the event log holds the lock.
type eventRing struct {
	buf   []models.SecurityEvent
	head  int // next write position
	count int
}

func newEventRing(capacity int) *eventRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &eventRing{buf: make([]models.SecurityEvent, capacity)}
}

func (r *eventRing) Add(event models.SecurityEvent) {
	r.buf[r.head] = event
	r.head = (r.head + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

func (r *eventRing) Len() int {
	return r.count
}

// NewestFirst returns the buffered events ordered newest to oldest.
func (r *eventRing) NewestFirst() []models.SecurityEvent {
	out := make([]models.SecurityEvent, 0, r.count)
	for i := 1; i <= r.count; i++ {
		idx := (r.head - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}
