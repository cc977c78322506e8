package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dayuer/stickerbot/internal/artifact"
)

var composeOut string

var composeCmd = &cobra.Command{
	Use:   "compose <sticker>",
	Short: "Composite one sticker onto the template and write the result",
	Args:  cobra.ExactArgs(1),
	RunE:  runCompose,
}

func init() {
	composeCmd.Flags().StringVarP(&composeOut, "output", "o", "", "output file (default edited_<sticker> in the current directory)")
	rootCmd.AddCommand(composeCmd)
}

func runCompose(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	comp, err := makeCompositor(cfg.Image)
	if err != nil {
		return err
	}

	src, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	out, err := comp.Composite(src)
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}

	dest := composeOut
	if dest == "" {
		dest = artifact.EditedName(args[0], comp.Format().Ext())
	}
	if dir := filepath.Dir(dest); dir != "." {
		if _, err := artifact.EnsureDir(dir); err != nil {
			return err
		}
	}
	if err := os.WriteFile(dest, out, 0644); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Wrote %s\n", dest)
	return nil
}
