package intake

import (
	"context"

	"github.com/dayuer/stickerbot/internal/bus"
	"github.com/dayuer/stickerbot/internal/compose"
)

// Source surfaces chat activity.
type Source interface {
	// Unread returns the correspondents with activity worth inspecting.
	Unread(ctx context.Context) ([]string, error)
	// Open focuses the correspondent's conversation. Best effort.
	Open(ctx context.Context, correspondent string) error
	// Latest classifies the newest incoming message from correspondent.
	Latest(ctx context.Context, correspondent string) (bus.IncomingEvent, error)
}

// Sender delivers replies back through the chat session.
type Sender interface {
	SendImage(ctx context.Context, correspondent, path string) error
	SendText(ctx context.Context, correspondent, text string) error
}

// Fetcher retrieves the bytes behind a sticker reference.
type Fetcher interface {
	Fetch(ctx context.Context, ref bus.Ref) ([]byte, error)
}

// Compositor turns a downloaded sticker into the image sent back.
type Compositor interface {
	Composite(src []byte) ([]byte, error)
	Format() compose.Format
}

// Artifacts names and stores downloaded and edited files.
type Artifacts interface {
	NewName(correspondent string, data []byte) string
	Save(name string, data []byte) (string, error)
	Prune() (int, error)
}
