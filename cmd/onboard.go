package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dayuer/stickerbot/internal/artifact"
	"github.com/dayuer/stickerbot/internal/config"
)

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize stickerbot configuration and data directories",
	RunE:  runOnboard,
}

func init() {
	rootCmd.AddCommand(onboardCmd)
}

func runOnboard(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	path := resolvedConfigPath()

	if fileExists(path) {
		fmt.Fprintf(out, "Config already exists at %s\n", path)
	} else {
		if err := config.Save(config.DefaultConfig(), path); err != nil {
			return fmt.Errorf("creating config: %w", err)
		}
		fmt.Fprintf(out, "✓ Created config at %s\n", path)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	dirs := []string{cfg.Image.ArtifactDir}
	if cfg.Channel.Type == config.ChannelWeb && cfg.Channel.Web.UserDataDir != "" {
		dirs = append(dirs, cfg.Channel.Web.UserDataDir)
	}
	for _, dir := range dirs {
		if _, err := artifact.EnsureDir(dir); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
		fmt.Fprintf(out, "✓ Directory %s\n", dir)
	}

	fmt.Fprintln(out, "\n🤖 stickerbot is almost ready!")
	fmt.Fprintln(out, "\nNext steps:")
	if _, err := os.Stat(cfg.Image.Template); err != nil {
		fmt.Fprintf(out, "  1. Put your template image at %s\n", cfg.Image.Template)
	} else {
		fmt.Fprintf(out, "  1. Template found at %s\n", cfg.Image.Template)
	}
	fmt.Fprintln(out, "  2. Preview a result: stickerbot compose some-sticker.webp")
	fmt.Fprintln(out, "  3. Start: stickerbot run (scan the QR code on first start)")
	return nil
}
