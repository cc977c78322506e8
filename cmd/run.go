package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dayuer/stickerbot/internal/api"
	"github.com/dayuer/stickerbot/internal/artifact"
	"github.com/dayuer/stickerbot/internal/config"
	"github.com/dayuer/stickerbot/internal/fetch"
	"github.com/dayuer/stickerbot/internal/intake"
	"github.com/dayuer/stickerbot/internal/ledger"
	"github.com/dayuer/stickerbot/internal/triggers"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start watching the chat session",
	RunE:  runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	comp, err := makeCompositor(cfg.Image)
	if err != nil {
		return err
	}
	arts, err := artifact.NewStore(cfg.Image.ArtifactDir, cfg.Image.MaxArtifactAgeDuration(), cfg.Image.MaxArtifacts)
	if err != nil {
		return fmt.Errorf("artifact dir: %w", err)
	}

	store, err := openLedgerStore(ctx, cfg.Ledger)
	if err != nil {
		// degraded: keep serving from memory
		logger.Error("ledger store unavailable, running in memory", zap.Error(err))
		store = nil
	}
	l := ledger.Open(ctx, store, logger)
	defer l.Close()

	ch := makeChannel(cfg.Channel, logger)
	logger.Info("starting channel", zap.String("channel", ch.Name()))
	if err := ch.Start(ctx); err != nil {
		return fmt.Errorf("start %s channel: %w", ch.Name(), err)
	}
	defer ch.Stop()

	coord, err := intake.New(intake.Config{
		PollInterval: cfg.Intake.PollIntervalDuration(),
		StepTimeout:  cfg.Intake.StepTimeoutDuration(),
		ResetToken:   cfg.Intake.ResetToken,
	}, intake.Deps{
		Source:     ch,
		Sender:     ch,
		Fetcher:    fetch.New(cfg.Intake.StepTimeoutDuration(), ch),
		Compositor: comp,
		Artifacts:  arts,
		Ledger:     l,
		Responder:  triggers.NewResponder(cfg.Intake.Triggers),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return coord.Run(gctx) })

	if cfg.Admin.Addr != "" {
		srv := api.NewServer(cfg.Admin.Addr, api.NewHandler(l, coord.Responder(), coord), logger)
		g.Go(func() error { return srv.Run(gctx) })
	}

	if path := resolvedConfigPath(); fileExists(path) {
		g.Go(func() error {
			return config.Watch(gctx, path, logger, func(next config.Config) {
				settings := intake.Settings{
					ResetToken: next.Intake.ResetToken,
					Triggers:   next.Intake.Triggers,
				}
				if err := coord.Reload(gctx, settings); err != nil {
					logger.Warn("reload dropped", zap.Error(err))
				}
			})
		})
	}

	err = g.Wait()
	logger.Info("shutting down")
	return err
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
