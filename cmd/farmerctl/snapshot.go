package main

import (
	"fmt"
	"time"

	"github.com/farmassist/farmassist-api/engine/farmerstore"
	"github.com/farmassist/farmassist-api/pkg/config"
	"github.com/spf13/cobra"
)

func newSnapshotCmd(a *app) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Copy the configured store into a local bolt file",
		Long: `Copy every farmer document from the configured store (normally Firestore)
into a bolt file, for offline search and evaluation with --backend bolt.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.load()
			if err != nil {
				return err
			}
			if cfg.Store.Backend == config.BackendBolt && cfg.Store.BoltPath == out {
				return fmt.Errorf("snapshot source and destination are both %s", out)
			}
			src, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer src.Close()

			dst, err := farmerstore.OpenBolt(out, cfg.Store.Collection, a.logger)
			if err != nil {
				return err
			}
			defer dst.Close()

			start := time.Now()
			n, err := farmerstore.Copy(cmd.Context(), src, dst)
			if err != nil {
				return fmt.Errorf("snapshot after %d documents: %w", n, err)
			}
			a.logger.Info("snapshot done", "documents", n, "out", out, "duration", time.Since(start))
			fmt.Fprintf(cmd.OutOrStdout(), "copied %d documents to %s\n", n, out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "farmers-snapshot.db", "destination bolt file")
	return cmd
}
