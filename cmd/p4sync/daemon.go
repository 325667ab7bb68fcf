package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mschirtzinger/p4sync/internal/daemon"
	"github.com/mschirtzinger/p4sync/internal/dashboard"
)

var syncDaemonCmd = &cobra.Command{
	Use:     "sync-daemon",
	GroupID: "sync",
	Short:   "Follow new submits until terminated",
	Long: `Poll for submitted changes and sync each one as it appears.

The daemon resumes from the project's persisted counter. --start raises the
floor when it is ahead of the counter. Connection failures are retried after
the poll interval; the daemon exits only on SIGINT or SIGTERM.

With sync.lock_file set, only one daemon per host may run; workers on other
hosts are unaffected.

With dashboard.port set, a WebSocket feed of sync events is served on
ws://localhost:<port>/ws.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		start, _ := cmd.Flags().GetInt("start")
		port, _ := cmd.Flags().GetInt("dashboard-port")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("dashboard-port") {
			cfg.Dashboard.Port = port
		}

		if cfg.Sync.LockFile != "" {
			lock, err := acquireLock(cfg.Sync.LockFile)
			if err != nil {
				return err
			}
			defer lock.Unlock()
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		var server *dashboard.Server
		var observer daemon.Observer
		if cfg.Dashboard.Port > 0 {
			logger := a.sink.Logger("dashboard")
			feed := dashboard.NewFeed(dashboard.DefaultHistory, logger)
			server = dashboard.NewServer(feed, &dashboard.Config{
				Port:   cfg.Dashboard.Port,
				Logger: logger,
			})
			observer = feed
			if err := server.Start(); err != nil {
				return fmt.Errorf("failed to start dashboard: %w", err)
			}
		}

		d, err := a.driver(start, observer)
		if err != nil {
			if server != nil {
				_ = server.Stop()
			}
			return err
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return d.Run(gctx)
		})
		if server != nil {
			g.Go(func() error {
				<-gctx.Done()
				return server.Stop()
			})
		}

		err = g.Wait()
		a.logger.Printf("Worker %s stopped", d.ID())
		return err
	},
}

// acquireLock takes the per-host daemon lock without blocking.
func acquireLock(path string) (*flock.Flock, error) {
	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("another sync-daemon holds %s", path)
	}
	return lock, nil
}

func init() {
	syncDaemonCmd.Flags().Int("start", 0, "Lowest change id to consider (0 = resume from the counter)")
	syncDaemonCmd.Flags().Int("dashboard-port", 0, "Serve the event dashboard on this port (overrides dashboard.port)")

	rootCmd.AddCommand(syncDaemonCmd)
}
