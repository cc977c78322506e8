package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dayuer/stickerbot/internal/ledger"
)

var resetOffline bool

var resetCmd = &cobra.Command{
	Use:   "reset <correspondent>",
	Short: "Let a correspondent send a new sticker",
	Long: "Marks a correspondent idle again. When the admin API is configured the running bot is asked\n" +
		"to do it; otherwise (or with --offline) the ledger is edited directly.",
	Args: cobra.ExactArgs(1),
	RunE: runReset,
}

func init() {
	resetCmd.Flags().BoolVar(&resetOffline, "offline", false, "edit the ledger directly even if the admin API is configured")
	rootCmd.AddCommand(resetCmd)
}

var errAdminUnreachable = errors.New("admin API unreachable")

func runReset(cmd *cobra.Command, args []string) error {
	name := args[0]
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 20*time.Second)
	defer cancel()
	out := cmd.OutOrStdout()

	if cfg.Admin.Addr != "" && !resetOffline {
		prev, err := resetRemote(ctx, cfg.Admin.Addr, name)
		switch {
		case err == nil:
			fmt.Fprintf(out, "✓ %s reset (was %s)\n", name, prev)
			return nil
		case errors.Is(err, errAdminUnreachable):
			fmt.Fprintf(out, "⚠ %v, editing the ledger directly\n", err)
		default:
			return err
		}
	}

	store, err := openLedgerStore(ctx, cfg.Ledger)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer store.Close()

	entries, err := store.Load(ctx)
	if err != nil {
		return fmt.Errorf("read ledger: %w", err)
	}
	prev, known := entries[name]
	if !known {
		fmt.Fprintf(out, "%s is not in the ledger, nothing to do\n", name)
		return nil
	}
	if err := store.Put(ctx, name, ledger.Idle); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	fmt.Fprintf(out, "✓ %s reset (was %s)\n", name, prev)
	fmt.Fprintln(out, "  A running bot keeps its own copy; restart it or use the admin API.")
	return nil
}

// resetRemote asks a running bot to reset name through the admin API.
func resetRemote(ctx context.Context, addr, name string) (string, error) {
	base := addr
	if !strings.Contains(base, "://") {
		if strings.HasPrefix(base, ":") {
			base = "127.0.0.1" + base
		}
		base = "http://" + base
	}
	endpoint := strings.TrimRight(base, "/") + "/api/correspondents/" + url.PathEscape(name) + "/reset"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errAdminUnreachable, err)
	}
	defer resp.Body.Close()

	var body struct {
		Previous string `json:"previous"`
		Error    string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("admin API response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("admin API: %s (HTTP %d)", body.Error, resp.StatusCode)
	}
	return body.Previous, nil
}
