// Package triggers answers a fixed, ordered set of phrases with canned replies,
// at most once per correspondent until the record is cleared.
package triggers

import (
	"strings"
	"sync"
)

// Trigger maps an inbound phrase to a reply.
type Trigger struct {
	Phrase string `json:"phrase" yaml:"phrase"`
	Reply  string `json:"reply" yaml:"reply"`
}

// ID identifies the trigger in answered records.
func (t Trigger) ID() string {
	return normalize(t.Phrase)
}

// DefaultTable is the stock trigger table.
func DefaultTable() []Trigger {
	return []Trigger{
		{Phrase: "hello", Reply: "Hello, I am starting your service, please send your sticker"},
		{Phrase: "how are you doing", Reply: "I'm doing well, thank you! How can I assist you today?"},
		{Phrase: "hello3", Reply: "Hello there! How can I help you?"},
	}
}

// Responder holds the trigger table and which triggers each correspondent
// has already been answered for.
type Responder struct {
	mu       sync.RWMutex
	table    []Trigger
	answered map[string]map[string]struct{}
}

// NewResponder creates a responder for table. Order is preserved.
func NewResponder(table []Trigger) *Responder {
	r := &Responder{answered: make(map[string]map[string]struct{})}
	r.SetTable(table)
	return r
}

// SetTable replaces the trigger table. Answered records are kept.
func (r *Responder) SetTable(table []Trigger) {
	cp := make([]Trigger, len(table))
	copy(cp, table)
	r.mu.Lock()
	r.table = cp
	r.mu.Unlock()
}

// Table returns a copy of the current table.
func (r *Responder) Table() []Trigger {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cp := make([]Trigger, len(r.table))
	copy(cp, r.table)
	return cp
}

// Match returns the first trigger whose phrase equals text, ignoring case
// and surrounding whitespace.
func (r *Responder) Match(text string) (Trigger, bool) {
	needle := normalize(text)
	if needle == "" {
		return Trigger{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.table {
		if t.ID() == needle {
			return t, true
		}
	}
	return Trigger{}, false
}

// HasAnswered reports whether triggerID was already answered for correspondent.
func (r *Responder) HasAnswered(correspondent, triggerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.answered[correspondent][triggerID]
	return ok
}

// MarkAnswered records that triggerID was answered for correspondent.
func (r *Responder) MarkAnswered(correspondent, triggerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.answered[correspondent]
	if !ok {
		set = make(map[string]struct{})
		r.answered[correspondent] = set
	}
	set[triggerID] = struct{}{}
}

// Clear forgets every answered trigger for correspondent.
func (r *Responder) Clear(correspondent string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.answered, correspondent)
}

// Answered returns the answered trigger ids for correspondent.
func (r *Responder) Answered(correspondent string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.answered[correspondent]))
	for id := range r.answered[correspondent] {
		ids = append(ids, id)
	}
	return ids
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
