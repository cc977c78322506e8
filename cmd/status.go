package cmd

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dayuer/stickerbot/internal/config"
	"github.com/dayuer/stickerbot/internal/ledger"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and correspondent status",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	store, err := openLedgerStore(ctx, cfg.Ledger)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer store.Close()

	entries, err := store.Load(ctx)
	if err != nil {
		return fmt.Errorf("read ledger: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "🤖 stickerbot Status")
	fmt.Fprintln(out)
	printConfigSummary(out, cfg)
	fmt.Fprintln(out)
	printLedger(out, entries)
	return nil
}

func printConfigSummary(w io.Writer, cfg config.Config) {
	fmt.Fprintf(w, "Config: %s\n", resolvedConfigPath())
	fmt.Fprintf(w, "Channel: %s\n", cfg.Channel.Type)
	fmt.Fprintf(w, "Template: %s (scale %.2f, %s)\n", cfg.Image.Template, cfg.Image.Scale, cfg.Image.Format)
	fmt.Fprintf(w, "Poll interval: %s\n", cfg.Intake.PollIntervalDuration())
	fmt.Fprintf(w, "Reset token: %q\n", cfg.Intake.ResetToken)
	fmt.Fprintf(w, "Triggers: %d\n", len(cfg.Intake.Triggers))
	ledgerAt := cfg.Ledger.Path
	if cfg.Ledger.Backend == config.BackendRedis {
		ledgerAt = cfg.Ledger.RedisURL
	}
	fmt.Fprintf(w, "Ledger: %s (%s)\n", cfg.Ledger.Backend, ledgerAt)
	if cfg.Admin.Addr != "" {
		fmt.Fprintf(w, "Admin API: %s\n", cfg.Admin.Addr)
	}
}

func printLedger(w io.Writer, entries map[string]ledger.Status) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No correspondents yet.")
		return
	}
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	processed := 0
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CORRESPONDENT\tSTATUS")
	for _, name := range names {
		if entries[name] == ledger.Processed {
			processed++
		}
		fmt.Fprintf(tw, "%s\t%s\n", name, entries[name])
	}
	tw.Flush()
	fmt.Fprintf(w, "\n%d correspondents, %d processed\n", len(names), processed)
}
