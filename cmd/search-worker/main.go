// Command search-worker serves farmer similarity searches over NATS
// request/reply. Workers share a queue group, so running more instances
// spreads the scans.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/farmassist/farmassist-api/engine/farmerstore"
	"github.com/farmassist/farmassist-api/engine/searchbus"
	"github.com/farmassist/farmassist-api/engine/similarity"
	"github.com/farmassist/farmassist-api/pkg/config"
	"github.com/farmassist/farmassist-api/pkg/metrics"
	"github.com/nats-io/nats.go"
)

const drainTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load(os.Getenv("FARMASSIST_CONFIG"))
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("worker exited with error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.NATS.URL == "" {
		return fmt.Errorf("nats url is required")
	}

	store, err := farmerstore.Open(ctx, cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	closed := make(chan struct{})
	nc, err := nats.Connect(cfg.NATS.URL,
		nats.Name("farmassist-search-worker"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) { close(closed) }),
	)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()

	met := metrics.New()
	retriever := similarity.New(store, similarity.OptionsFromConfig(cfg.Search, farmerstore.IsTransient, met, logger), logger)
	events := searchbus.NewPublisher(nc, cfg.NATS.EventSubject, logger)
	worker := searchbus.NewWorker(retriever, events, cfg.Search.ScanTimeout, logger)

	if _, err := worker.Serve(nc, cfg.NATS.SearchSubject, cfg.NATS.Queue); err != nil {
		return err
	}

	metricsErr := make(chan error, 1)
	if cfg.Server.MetricsAddr != "" {
		go func() { metricsErr <- met.Serve(ctx, cfg.Server.MetricsAddr) }()
	}

	logger.Info("search worker running", "store", cfg.Store.Backend, "subject", cfg.NATS.SearchSubject)
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-metricsErr:
		if err != nil {
			return err
		}
		<-ctx.Done()
	}
	// Drain lets in-flight requests finish before the connection closes.
	if err := nc.Drain(); err != nil {
		return fmt.Errorf("nats drain: %w", err)
	}
	select {
	case <-closed:
	case <-time.After(drainTimeout):
		logger.Warn("nats drain timed out")
	}
	return nil
}
