package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/p4sync/internal/config"
	"github.com/mschirtzinger/p4sync/internal/sidechannel"
)

var metaCmd = &cobra.Command{
	Use:     "meta",
	GroupID: "inspect",
	Short:   "Read or record side-channel publish and review metadata",
	Long: `Publish tools record metadata for a file revision before or after submit.
The sync attaches it to the published file (kind "publish") or to a review
(kind "review") when the change is mirrored.

Example usage:
  p4sync meta put --kind publish --path //depot/projects/racer/car.ma \
      --rev 4 --p4-user alan --workspace alan-ws < payload.json
  p4sync meta get --kind review --path //depot/projects/racer/car.ma \
      --rev 4 --p4-user alan --workspace alan-ws`,
}

var metaPutCmd = &cobra.Command{
	Use:   "put",
	Short: "Record a JSON object payload read from --file or stdin",
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, key, err := metaKey(cmd)
		if err != nil {
			return err
		}

		var in io.Reader = cmd.InOrStdin()
		if file, _ := cmd.Flags().GetString("file"); file != "" {
			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}

		var payload map[string]any
		if err := json.NewDecoder(in).Decode(&payload); err != nil {
			return fmt.Errorf("payload must be a JSON object: %w", err)
		}

		return withSideChannel(cmd.Context(), func(s *sidechannel.Store) error {
			return s.Save(cmd.Context(), kind, key, payload)
		})
	},
}

var metaGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print a recorded payload",
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, key, err := metaKey(cmd)
		if err != nil {
			return err
		}

		return withSideChannel(cmd.Context(), func(s *sidechannel.Store) error {
			payload, err := s.Load(cmd.Context(), kind, key)
			if err != nil {
				return err
			}
			if payload == nil {
				return fmt.Errorf("no %s metadata for %s", kind, key)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(payload)
		})
	},
}

func metaKey(cmd *cobra.Command) (sidechannel.Kind, sidechannel.Key, error) {
	kindName, _ := cmd.Flags().GetString("kind")
	path, _ := cmd.Flags().GetString("path")
	rev, _ := cmd.Flags().GetInt("rev")
	user, _ := cmd.Flags().GetString("p4-user")
	workspace, _ := cmd.Flags().GetString("workspace")

	kind := sidechannel.Kind(kindName)
	if kind != sidechannel.KindPublish && kind != sidechannel.KindReview {
		return "", sidechannel.Key{}, fmt.Errorf("--kind must be %s or %s", sidechannel.KindPublish, sidechannel.KindReview)
	}
	if path == "" || rev < 1 {
		return "", sidechannel.Key{}, fmt.Errorf("--path and --rev are required")
	}
	return kind, sidechannel.Key{Path: path, User: user, Workspace: workspace, Revision: rev}, nil
}

// withSideChannel opens the configured side-channel database. Only
// sidechannel.path is needed, so the rest of the config is not validated.
func withSideChannel(ctx context.Context, fn func(*sidechannel.Store) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if cfg.SideChannel.Path == "" {
		return fmt.Errorf("sidechannel.path is not configured")
	}

	s, err := sidechannel.Open(ctx, cfg.SideChannel.Path)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

func init() {
	for _, c := range []*cobra.Command{metaPutCmd, metaGetCmd} {
		c.Flags().String("kind", string(sidechannel.KindPublish), "publish or review")
		c.Flags().String("path", "", "Depot path")
		c.Flags().Int("rev", 0, "File revision")
		c.Flags().String("p4-user", "", "Submitting Perforce user")
		c.Flags().String("workspace", "", "Submitting workspace")
		metaCmd.AddCommand(c)
	}
	metaPutCmd.Flags().String("file", "", "Read the payload from this file instead of stdin")

	rootCmd.AddCommand(metaCmd)
}
