package cmd

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/dayuer/stickerbot/internal/channels"
	"github.com/dayuer/stickerbot/internal/compose"
	"github.com/dayuer/stickerbot/internal/config"
	"github.com/dayuer/stickerbot/internal/ledger"
)

// openLedgerStore creates the configured ledger backend.
func openLedgerStore(ctx context.Context, cfg config.LedgerConfig) (ledger.Store, error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		return ledger.NewSQLiteStore(cfg.Path)
	case config.BackendRedis:
		return ledger.NewRedisStore(ctx, ledger.RedisConfig{
			URL:      cfg.RedisURL,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Key:      cfg.RedisKey,
		})
	default:
		return ledger.NewFileStore(cfg.Path), nil
	}
}

// makeChannel creates the configured chat channel.
func makeChannel(cfg config.ChannelConfig, logger *zap.Logger) channels.Channel {
	if cfg.Type == config.ChannelBridge {
		return channels.NewBridgeChannel(cfg.Bridge.URL, cfg.Bridge.Token, cfg.AllowFrom, logger)
	}
	return channels.NewWebChannel(channels.WebConfig{
		URL:          cfg.Web.URL,
		ControlURL:   cfg.Web.ControlURL,
		Bin:          cfg.Web.Bin,
		UserDataDir:  cfg.Web.UserDataDir,
		Headless:     cfg.Web.Headless,
		LoginTimeout: cfg.Web.LoginTimeoutDuration(),
	}, cfg.AllowFrom, logger)
}

// makeCompositor loads the template image.
func makeCompositor(cfg config.ImageConfig) (*compose.Compositor, error) {
	format, err := compose.ParseFormat(cfg.Format)
	if err != nil {
		return nil, err
	}
	comp, err := compose.Load(cfg.Template, compose.Options{
		Scale:   cfg.Scale,
		Format:  format,
		Quality: cfg.Quality,
	})
	if err != nil {
		return nil, fmt.Errorf("template %s: %w", cfg.Template, err)
	}
	return comp, nil
}
