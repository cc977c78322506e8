// Package intake runs the polling loop that turns stickers into edited
// stickers and answers trigger phrases.
//
// A Coordinator is the single writer of the session ledger and the trigger
// responder. Each poll cycle it asks the Source which correspondents have
// activity, classifies their latest message and applies the transition:
//
//	Idle      + sticker       -> fetch, composite, deliver -> Processed
//	Idle      + trigger text  -> canned reply (once)       -> Idle
//	Processed + reset token   -> forget triggers           -> Idle
//
// Everything else leaves the correspondent untouched. A correspondent only
// becomes Processed after the edited sticker was delivered.
package intake

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dayuer/stickerbot/internal/bus"
	"github.com/dayuer/stickerbot/internal/ledger"
	"github.com/dayuer/stickerbot/internal/triggers"
)

// Config holds loop settings. Zero values fall back to defaults.
type Config struct {
	PollInterval time.Duration
	StepTimeout  time.Duration
	ResetToken   string
}

// Deps are the collaborators of a Coordinator.
type Deps struct {
	Source     Source
	Sender     Sender
	Fetcher    Fetcher
	Compositor Compositor
	Artifacts  Artifacts // optional; nil disables saving
	Ledger     *ledger.Ledger
	Responder  *triggers.Responder
	Logger     *zap.Logger
}

// Outcome is what a cycle did for one correspondent.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeProcessed
	OutcomeIgnored
	OutcomeReplied
	OutcomeReset
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeProcessed:
		return "processed"
	case OutcomeIgnored:
		return "ignored"
	case OutcomeReplied:
		return "replied"
	case OutcomeReset:
		return "reset"
	case OutcomeFailed:
		return "failed"
	default:
		return "none"
	}
}

// CycleStats counts outcomes of one poll cycle.
type CycleStats struct {
	Seen      int
	Processed int
	Ignored   int
	Replied   int
	Reset     int
	Failed    int
}

func (s *CycleStats) add(o Outcome) {
	switch o {
	case OutcomeProcessed:
		s.Processed++
	case OutcomeIgnored:
		s.Ignored++
	case OutcomeReplied:
		s.Replied++
	case OutcomeReset:
		s.Reset++
	case OutcomeFailed:
		s.Failed++
	}
}

// Coordinator drives the intake state machine.
type Coordinator struct {
	source     Source
	sender     Sender
	fetcher    Fetcher
	compositor Compositor
	artifacts  Artifacts
	ledger     *ledger.Ledger
	responder  *triggers.Responder
	logger     *zap.Logger

	pollInterval time.Duration
	stepTimeout  time.Duration
	resetToken   string

	commands chan command
}

// New creates a coordinator.
func New(cfg Config, deps Deps) (*Coordinator, error) {
	if deps.Source == nil || deps.Sender == nil || deps.Fetcher == nil || deps.Compositor == nil {
		return nil, fmt.Errorf("source, sender, fetcher and compositor are required")
	}
	if deps.Ledger == nil {
		deps.Ledger = ledger.Open(context.Background(), nil, deps.Logger)
	}
	if deps.Responder == nil {
		deps.Responder = triggers.NewResponder(triggers.DefaultTable())
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 10 * time.Second
	}
	step := cfg.StepTimeout
	if step <= 0 {
		step = 10 * time.Second
	}
	reset := strings.TrimSpace(cfg.ResetToken)
	if reset == "" {
		reset = "0"
	}

	return &Coordinator{
		source:       deps.Source,
		sender:       deps.Sender,
		fetcher:      deps.Fetcher,
		compositor:   deps.Compositor,
		artifacts:    deps.Artifacts,
		ledger:       deps.Ledger,
		responder:    deps.Responder,
		logger:       deps.Logger.Named("intake"),
		pollInterval: poll,
		stepTimeout:  step,
		resetToken:   reset,
		commands:     make(chan command),
	}, nil
}

// Ledger returns the session ledger. Safe for concurrent reads.
func (c *Coordinator) Ledger() *ledger.Ledger { return c.ledger }

// Responder returns the trigger responder. Safe for concurrent reads.
func (c *Coordinator) Responder() *triggers.Responder { return c.responder }

// Run polls until ctx is cancelled. The cycle in flight when ctx is
// cancelled finishes its current correspondent before Run returns.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info("started",
		zap.Duration("poll_interval", c.pollInterval),
		zap.Duration("step_timeout", c.stepTimeout))

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	c.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("stopped")
			return nil
		case cmd := <-c.commands:
			cmd.apply(ctx, c)
		case <-ticker.C:
			c.runCycle(ctx)
		}
	}
}

func (c *Coordinator) runCycle(ctx context.Context) {
	stats, err := c.Cycle(ctx)
	if err != nil {
		c.logger.Warn("poll failed", zap.Error(err))
		return
	}
	if stats.Seen > 0 {
		c.logger.Debug("cycle done",
			zap.Int("seen", stats.Seen),
			zap.Int("processed", stats.Processed),
			zap.Int("replied", stats.Replied),
			zap.Int("reset", stats.Reset),
			zap.Int("ignored", stats.Ignored),
			zap.Int("failed", stats.Failed))
	}
}

// Cycle runs one poll cycle. It must only be called from the goroutine
// that owns the coordinator (Run, or a test driving cycles by hand).
// The returned error is only set when the source could not be polled;
// per-correspondent failures are counted in the stats and logged.
func (c *Coordinator) Cycle(ctx context.Context) (CycleStats, error) {
	var stats CycleStats
	work := context.WithoutCancel(ctx)

	c.prune()

	pollCtx, cancel := context.WithTimeout(work, c.stepTimeout)
	names, err := c.source.Unread(pollCtx)
	cancel()
	if err != nil {
		return stats, fmt.Errorf("%w: %w", ErrClassification, err)
	}

	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if ctx.Err() != nil {
			break
		}
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		stats.Seen++

		outcome, err := c.Process(work, name)
		if err != nil {
			c.logger.Warn("correspondent skipped",
				zap.String("correspondent", name),
				zap.Error(err))
		}
		stats.add(outcome)
	}
	return stats, nil
}

// Process opens, classifies and handles one correspondent.
func (c *Coordinator) Process(ctx context.Context, correspondent string) (Outcome, error) {
	openCtx, cancel := context.WithTimeout(ctx, c.stepTimeout)
	err := c.source.Open(openCtx, correspondent)
	cancel()
	if err != nil {
		return OutcomeFailed, stepErr(StepClassify, correspondent, fmt.Errorf("open: %w", err))
	}

	latestCtx, cancel := context.WithTimeout(ctx, c.stepTimeout)
	ev, err := c.source.Latest(latestCtx, correspondent)
	cancel()
	if err != nil {
		return OutcomeFailed, stepErr(StepClassify, correspondent, err)
	}
	return c.Handle(ctx, correspondent, ev)
}

// Handle applies the state machine to one classified event.
func (c *Coordinator) Handle(ctx context.Context, correspondent string, ev bus.IncomingEvent) (Outcome, error) {
	log := c.logger.With(zap.String("correspondent", correspondent))
	status := c.ledger.Get(correspondent)

	switch ev.Kind {
	case bus.KindSticker:
		if ev.Ref.IsZero() {
			log.Debug("sticker without reference, treated as none")
			return OutcomeNone, nil
		}
		if status == ledger.Processed {
			log.Debug("sticker ignored, already processed")
			return OutcomeIgnored, nil
		}
		job := uuid.NewString()
		log = log.With(zap.String("job", job))
		log.Info("sticker received", zap.Stringer("ref", ev.Ref))
		if err := c.pipeline(ctx, log, correspondent, ev.Ref); err != nil {
			return OutcomeFailed, err
		}
		c.responder.Clear(correspondent)
		// persistence failures leave the ledger degraded; delivery already happened
		_ = c.ledger.Set(ctx, correspondent, ledger.Processed)
		log.Info("sticker processed")
		return OutcomeProcessed, nil

	case bus.KindText:
		if c.isReset(ev.Text) {
			if status != ledger.Processed {
				return OutcomeNone, nil
			}
			c.responder.Clear(correspondent)
			_ = c.ledger.Set(ctx, correspondent, ledger.Idle)
			log.Info("reset")
			return OutcomeReset, nil
		}
		if status == ledger.Processed {
			return OutcomeNone, nil
		}
		return c.reply(ctx, log, correspondent, ev.Text)

	default:
		log.Debug("no classifiable content")
		return OutcomeNone, nil
	}
}

func (c *Coordinator) reply(ctx context.Context, log *zap.Logger, correspondent, text string) (Outcome, error) {
	trigger, ok := c.responder.Match(text)
	if !ok {
		return OutcomeNone, nil
	}
	id := trigger.ID()
	if c.responder.HasAnswered(correspondent, id) {
		return OutcomeNone, nil
	}

	sendCtx, cancel := context.WithTimeout(ctx, c.stepTimeout)
	err := c.sender.SendText(sendCtx, correspondent, trigger.Reply)
	cancel()
	if err != nil {
		return OutcomeFailed, stepErr(StepDeliver, correspondent, err)
	}
	c.responder.MarkAnswered(correspondent, id)
	log.Info("trigger answered", zap.String("trigger", id))
	return OutcomeReplied, nil
}

func (c *Coordinator) isReset(text string) bool {
	return strings.EqualFold(strings.TrimSpace(text), c.resetToken)
}

func (c *Coordinator) prune() {
	if c.artifacts == nil {
		return
	}
	n, err := c.artifacts.Prune()
	if err != nil {
		c.logger.Warn("artifact prune failed", zap.Error(err))
		return
	}
	if n > 0 {
		c.logger.Debug("artifacts pruned", zap.Int("removed", n))
	}
}
