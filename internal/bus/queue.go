package bus

import (
	"sort"
	"sync"
)

// Inbox collects events pushed by event-driven channels and exposes them
// with polling semantics: only the newest event per correspondent is kept,
// and a correspondent is reported once per new event.
type Inbox struct {
	mu      sync.Mutex
	latest  map[string]IncomingEvent
	pending map[string]struct{}
}

// NewInbox creates an empty inbox.
func NewInbox() *Inbox {
	return &Inbox{
		latest:  make(map[string]IncomingEvent),
		pending: make(map[string]struct{}),
	}
}

// Publish records ev as the correspondent's latest event.
func (b *Inbox) Publish(ev IncomingEvent) {
	if ev.Correspondent == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if prev, ok := b.latest[ev.Correspondent]; ok && !ev.Timestamp.IsZero() && ev.Timestamp.Before(prev.Timestamp) {
		return
	}
	b.latest[ev.Correspondent] = ev
	b.pending[ev.Correspondent] = struct{}{}
}

// Drain returns the correspondents with activity since the last drain, sorted.
func (b *Inbox) Drain() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.pending))
	for name := range b.pending {
		names = append(names, name)
	}
	b.pending = make(map[string]struct{})
	sort.Strings(names)
	return names
}

// Latest returns the newest event seen for a correspondent.
func (b *Inbox) Latest(correspondent string) (IncomingEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ev, ok := b.latest[correspondent]
	return ev, ok
}

// PendingSize returns the number of correspondents waiting to be drained.
func (b *Inbox) PendingSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
