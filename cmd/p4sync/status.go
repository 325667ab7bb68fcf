package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/p4sync/internal/changelist"
	"github.com/mschirtzinger/p4sync/internal/cursor"
	"github.com/mschirtzinger/p4sync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "inspect",
	Short:   "Show the project's cursor and the latest submitted change",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		a := &app{cfg: cfg}
		src, err := a.connector()(ctx)
		if err != nil {
			return err
		}
		defer src.Close()

		status, err := readStatus(ctx, src, cfg.Project.ID, a.counterName())
		if err != nil {
			return err
		}
		fmt.Println(ui.RenderStatus(status))
		return nil
	},
}

func readStatus(ctx context.Context, src changelist.Source, projectID int, counter string) (ui.Status, error) {
	value, err := cursor.New(src, counter).Get(ctx)
	if err != nil {
		return ui.Status{}, fmt.Errorf("failed to read counter %s: %w", counter, err)
	}
	latest, err := src.LatestSubmitted(ctx)
	if err != nil {
		return ui.Status{}, fmt.Errorf("failed to query latest submitted change: %w", err)
	}
	return ui.Status{
		Project:         projectID,
		Counter:         counter,
		Cursor:          value,
		LatestSubmitted: latest,
	}, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "p4sync %s\n", Version)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}
