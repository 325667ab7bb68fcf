// Command p4sync mirrors Perforce changes into a production-tracking entity
// store.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

var (
	cfgFile      string
	flagUser     string
	flagPassword string
	flagDebug    bool
)

var rootCmd = &cobra.Command{
	Use:   "p4sync",
	Short: "Mirror Perforce changes into the production-tracking store",
	Long: `p4sync records every submitted Perforce change that touches a pipeline
project as a Revision entity, with one PublishedFile per file revision.

Run "p4sync sync" to replay a range of changes once, or "p4sync sync-daemon"
to follow new submits. Any number of workers may run against the same project;
each change is claimed exactly once.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Config file (yaml, toml or json)")
	rootCmd.PersistentFlags().StringVar(&flagUser, "user", "", "Perforce user (overrides p4.user)")
	rootCmd.PersistentFlags().StringVar(&flagPassword, "password", "", `Perforce password (overrides p4.password, "-" prompts)`)
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "inspect", Title: "Inspection Commands:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
