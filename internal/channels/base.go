// Package channels connects the bot to a WhatsApp session.
package channels

import (
	"context"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/dayuer/stickerbot/internal/bus"
	"github.com/dayuer/stickerbot/internal/fetch"
	"github.com/dayuer/stickerbot/internal/intake"
)

// Channel is a chat session the bot watches and replies through.
type Channel interface {
	// Name returns the channel identifier (e.g., "web", "bridge").
	Name() string

	// Start connects to the session and returns once it is usable.
	// Background work stops when Stop is called.
	Start(ctx context.Context) error

	// Stop releases the session.
	Stop() error

	// IsRunning returns whether the channel is active.
	IsRunning() bool

	intake.Source
	intake.Sender
	fetch.HandleResolver
}

// BaseChannel provides shared logic for all channel implementations.
type BaseChannel struct {
	ChannelName string
	Inbox       *bus.Inbox
	AllowFrom   []string
	running     atomic.Bool
}

// IsRunning returns whether the channel is active.
func (b *BaseChannel) IsRunning() bool { return b.running.Load() }

func (b *BaseChannel) setRunning(v bool) { b.running.Store(v) }

// IsAllowed checks if a correspondent is permitted to interact with the bot.
func (b *BaseChannel) IsAllowed(correspondent string) bool {
	if len(b.AllowFrom) == 0 {
		return true
	}
	for _, allowed := range b.AllowFrom {
		if allowed == correspondent {
			return true
		}
	}
	// Support pipe-separated ids ("name|phone")
	if strings.Contains(correspondent, "|") {
		for _, part := range strings.Split(correspondent, "|") {
			if part == "" {
				continue
			}
			for _, allowed := range b.AllowFrom {
				if allowed == part {
					return true
				}
			}
		}
	}
	return false
}

// HandleEvent checks permissions and publishes to the inbox.
func (b *BaseChannel) HandleEvent(ev bus.IncomingEvent) bool {
	if b.Inbox == nil || !b.IsAllowed(ev.Correspondent) {
		return false
	}
	b.Inbox.Publish(ev)
	return true
}

// filterAllowed merges name lists, drops duplicates, empties and
// correspondents outside the allow-list, and sorts the result.
func (b *BaseChannel) filterAllowed(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range lists {
		for _, name := range list {
			name = strings.TrimSpace(name)
			if name == "" || !b.IsAllowed(name) {
				continue
			}
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
