package intake

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/dayuer/stickerbot/internal/ledger"
	"github.com/dayuer/stickerbot/internal/triggers"
)

// command is applied by Run between cycles, keeping a single writer.
type command interface {
	apply(ctx context.Context, c *Coordinator)
}

type resetCmd struct {
	correspondent string
	done          chan resetResult
}

type resetResult struct {
	previous ledger.Status
	err      error
}

func (r resetCmd) apply(ctx context.Context, c *Coordinator) {
	prev := c.ledger.Get(r.correspondent)
	c.responder.Clear(r.correspondent)
	err := c.ledger.Set(context.WithoutCancel(ctx), r.correspondent, ledger.Idle)
	c.logger.Info("reset by operator",
		zap.String("correspondent", r.correspondent),
		zap.Stringer("previous", prev))
	r.done <- resetResult{previous: prev, err: err}
}

// Settings are the intake options that can change while running.
type Settings struct {
	ResetToken string // empty keeps the current token
	Triggers   []triggers.Trigger
}

type reloadCmd struct {
	settings Settings
	done     chan struct{}
}

func (r reloadCmd) apply(_ context.Context, c *Coordinator) {
	if token := strings.TrimSpace(r.settings.ResetToken); token != "" && token != c.resetToken {
		c.logger.Info("reset token changed",
			zap.String("from", c.resetToken),
			zap.String("to", token))
		c.resetToken = token
	}
	c.responder.SetTable(r.settings.Triggers)
	c.logger.Info("settings reloaded", zap.Int("triggers", len(r.settings.Triggers)))
	close(r.done)
}

// Reset forces correspondent back to Idle and forgets its answered triggers.
// It returns the previous status. Requires Run to be active.
// A non-nil error wrapping ledger.ErrPersist means the reset applied in
// memory but was not persisted.
func (c *Coordinator) Reset(ctx context.Context, correspondent string) (ledger.Status, error) {
	done := make(chan resetResult, 1)
	select {
	case c.commands <- resetCmd{correspondent: correspondent, done: done}:
	case <-ctx.Done():
		return ledger.Idle, ctx.Err()
	}
	select {
	case res := <-done:
		return res.previous, res.err
	case <-ctx.Done():
		return ledger.Idle, ctx.Err()
	}
}

// Reload swaps the reset token and trigger table between cycles, so both
// change together. Requires Run to be active.
func (c *Coordinator) Reload(ctx context.Context, settings Settings) error {
	done := make(chan struct{})
	select {
	case c.commands <- reloadCmd{settings: settings, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
