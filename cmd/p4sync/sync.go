package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/p4sync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Sync a range of changes once",
	Long: `Sync every submitted change from --start to --end (inclusive) once.

Changes already claimed by any worker are skipped, so a range can be re-run
safely. The persisted cursor is not touched. A failure on one change is
reported and the range continues.

Example usage:
  p4sync sync --start 1200              # one change
  p4sync sync --start 1200 --end 1250   # a range`,
	RunE: func(cmd *cobra.Command, args []string) error {
		start, _ := cmd.Flags().GetInt("start")
		end, _ := cmd.Flags().GetInt("end")
		if !cmd.Flags().Changed("end") {
			end = start
		}
		if start < 1 {
			return fmt.Errorf("--start must be a positive change id")
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		d, err := a.driver(start, nil)
		if err != nil {
			return err
		}

		report, err := d.SyncRange(ctx, start, end)
		if report != nil {
			fmt.Print(ui.RenderRangeReport(report))
		}
		return err
	},
}

func init() {
	syncCmd.Flags().Int("start", 0, "First change id (required)")
	syncCmd.Flags().Int("end", 0, "Last change id (default: --start)")
	_ = syncCmd.MarkFlagRequired("start")

	rootCmd.AddCommand(syncCmd)
}
