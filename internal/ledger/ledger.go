// Package ledger records which correspondents already had a sticker processed.
//
// The Ledger keeps the authoritative state in memory and writes every
// mutation through to a Store. Persistence is best effort: when the store
// fails the ledger keeps serving from memory (degraded mode) and keeps the
// failed entries pending. Every later mutation flushes the pending entries
// along with its own, and the ledger leaves degraded mode once none remain.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Status is the processing state of one correspondent.
type Status int

const (
	Idle Status = iota
	Processed
)

func (s Status) String() string {
	if s == Processed {
		return "processed"
	}
	return "idle"
}

// ParseStatus accepts the enum names and the legacy boolean spelling.
func ParseStatus(raw string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "processed", "true":
		return Processed, nil
	case "idle", "false", "":
		return Idle, nil
	}
	return Idle, fmt.Errorf("unknown status %q", raw)
}

// MarshalJSON encodes the status by name.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a status name or a legacy boolean.
func (s *Status) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		if b {
			*s = Processed
		} else {
			*s = Idle
		}
		return nil
	}
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("status must be a string or boolean: %w", err)
	}
	parsed, err := ParseStatus(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ErrPersist wraps store failures returned from Set.
var ErrPersist = errors.New("ledger: persist failed")

// Store is the durable backend of a Ledger.
type Store interface {
	Load(ctx context.Context) (map[string]Status, error)
	Put(ctx context.Context, correspondent string, status Status) error
	Close() error
}

// Ledger maps correspondents to their Status.
// Mutation is expected from a single goroutine; reads are safe from any.
type Ledger struct {
	mu       sync.RWMutex
	entries  map[string]Status
	pending  map[string]Status // written to memory, not yet to the store
	store    Store
	degraded bool
	logger   *zap.Logger
}

// Open loads the snapshot from store. A nil store gives a memory-only ledger.
// Load failures are logged and the ledger starts empty in degraded mode.
func Open(ctx context.Context, store Store, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Ledger{
		entries: make(map[string]Status),
		pending: make(map[string]Status),
		store:   store,
		logger:  logger.Named("ledger"),
	}
	if store == nil {
		return l
	}
	snapshot, err := store.Load(ctx)
	if err != nil {
		l.degraded = true
		l.logger.Error("load failed, continuing in memory", zap.Error(err))
		return l
	}
	for name, status := range snapshot {
		l.entries[name] = status
	}
	l.logger.Info("loaded", zap.Int("correspondents", len(l.entries)))
	return l
}

// Get returns the status of a correspondent, Idle if unknown.
func (l *Ledger) Get(correspondent string) Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries[correspondent]
}

// Set records a status and writes it through to the store, together with
// any entries whose earlier writes failed. The in-memory state is updated
// even when the write fails. The returned error wraps ErrPersist when
// correspondent's own entry could not be written.
func (l *Ledger) Set(ctx context.Context, correspondent string, status Status) error {
	l.mu.Lock()
	l.entries[correspondent] = status
	if l.store == nil {
		l.mu.Unlock()
		return nil
	}
	l.pending[correspondent] = status
	batch := make(map[string]Status, len(l.pending))
	for name, st := range l.pending {
		batch[name] = st
	}
	l.mu.Unlock()

	names := make([]string, 0, len(batch))
	for name := range batch {
		names = append(names, name)
	}
	sort.Strings(names)

	var ownErr error
	written := make([]string, 0, len(names))
	for _, name := range names {
		if err := l.store.Put(ctx, name, batch[name]); err != nil {
			l.logger.Warn("write failed, running degraded",
				zap.String("correspondent", name),
				zap.Stringer("status", batch[name]),
				zap.Error(err))
			if name == correspondent {
				ownErr = err
			}
			continue
		}
		written = append(written, name)
	}

	l.mu.Lock()
	for _, name := range written {
		if st, ok := l.pending[name]; ok && st == batch[name] {
			delete(l.pending, name)
		}
	}
	wasDegraded := l.degraded
	l.degraded = len(l.pending) > 0
	remaining := len(l.pending)
	l.mu.Unlock()

	if wasDegraded && remaining == 0 {
		l.logger.Info("store recovered")
	}
	if ownErr != nil {
		return fmt.Errorf("%w: %w", ErrPersist, ownErr)
	}
	return nil
}

// Pending returns the number of entries not yet written to the store.
func (l *Ledger) Pending() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.pending)
}

// Snapshot returns a copy of all known entries.
func (l *Ledger) Snapshot() map[string]Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]Status, len(l.entries))
	for k, v := range l.entries {
		out[k] = v
	}
	return out
}

// Names returns all known correspondents, sorted.
func (l *Ledger) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.entries))
	for name := range l.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Degraded reports whether the store failed to load or still misses writes.
func (l *Ledger) Degraded() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.degraded
}

// Close releases the store.
func (l *Ledger) Close() error {
	if l.store == nil {
		return nil
	}
	return l.store.Close()
}
