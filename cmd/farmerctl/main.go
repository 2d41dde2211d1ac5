// Command farmerctl is the operator CLI for the farmer collection: ad-hoc
// similarity searches, imports, local snapshots and event watching.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/farmassist/farmassist-api/engine/farmerstore"
	"github.com/farmassist/farmassist-api/engine/similarity"
	"github.com/farmassist/farmassist-api/pkg/config"
	"github.com/farmassist/farmassist-api/pkg/metrics"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stderr).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// app holds the global flags and the lazily loaded configuration.
type app struct {
	cfgFile  string
	backend  string
	boltPath string
	project  string
	logLevel string

	cfg    *config.Config
	logger *slog.Logger
	logOut io.Writer
}

func newRootCmd(logOut io.Writer) *cobra.Command {
	a := &app{logOut: logOut}
	root := &cobra.Command{
		Use:   "farmerctl",
		Short: "Operate the FarmAssist farmer collection",
		Long: `farmerctl searches, imports and snapshots the farmer collection used by the
FarmAssist assistant.

Example usage:
  farmerctl sections --counts --backend bolt
  farmerctl search --query "onion growers" --section crops -k 5
  farmerctl import farmers.json --backend bolt --bolt ./farmers.db
  farmerctl snapshot --out ./farmers.db`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&a.cfgFile, "config", os.Getenv("FARMASSIST_CONFIG"), "config file (YAML)")
	root.PersistentFlags().StringVar(&a.backend, "backend", "", "store backend: firestore or bolt (default from config)")
	root.PersistentFlags().StringVar(&a.boltPath, "bolt", "", "bolt database path (default from config)")
	root.PersistentFlags().StringVar(&a.project, "project", "", "Google Cloud project id (default from config)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level (default from config)")

	root.AddCommand(
		newSectionsCmd(a),
		newSearchCmd(a),
		newImportCmd(a),
		newSnapshotCmd(a),
		newWatchCmd(a),
	)
	return root
}

// load reads configuration once and applies flag overrides.
func (a *app) load() (*config.Config, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}
	cfg, err := config.Load(a.cfgFile, func(c *config.Config) {
		if a.backend != "" {
			c.Store.Backend = a.backend
		}
		if a.boltPath != "" {
			c.Store.BoltPath = a.boltPath
		}
		if a.project != "" {
			c.Store.ProjectID = a.project
		}
		if a.logLevel != "" {
			c.LogLevel = a.logLevel
		}
	})
	if err != nil {
		return nil, err
	}
	a.cfg = cfg
	a.logger = slog.New(slog.NewTextHandler(a.logOut, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	return cfg, nil
}

// openStore opens the configured backend.
func (a *app) openStore(ctx context.Context) (farmerstore.Handle, error) {
	cfg, err := a.load()
	if err != nil {
		return nil, err
	}
	h, err := farmerstore.Open(ctx, cfg.Store, a.logger)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
	}
	return h, nil
}

func (a *app) retriever(store similarity.Store) *similarity.Retriever {
	return similarity.New(store, similarity.OptionsFromConfig(a.cfg.Search, farmerstore.IsTransient, metrics.New(), a.logger), a.logger)
}
