// Signalbus bridges a Signal gateway to an assistant webhook.
//
// It consumes message envelopes from the gateway's receive WebSocket,
// archives every conversation into TimescaleDB, and relays authorized
// messages to the assistant, sending its replies back through the
// gateway.
//
// Configuration comes entirely from the environment (see internal/config),
// optionally seeded from a .env file.
//
// Usage:
//
//	signalbus             Run the bridge
//	signalbus version     Print version and build information
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	ossignal "os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/nugget/signalbus/internal/archive"
	"github.com/nugget/signalbus/internal/assistant"
	"github.com/nugget/signalbus/internal/authz"
	"github.com/nugget/signalbus/internal/bridge"
	"github.com/nugget/signalbus/internal/buildinfo"
	"github.com/nugget/signalbus/internal/config"
	"github.com/nugget/signalbus/internal/metrics"
	"github.com/nugget/signalbus/internal/signal"
)

// main constructs the OS-level environment and delegates to [run], which
// keeps os.Exit and os.Stdout out of the application logic.
func main() {
	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. It returns nil on clean shutdown and a
// non-nil error for any startup failure; once the pipeline is up, faults
// are handled by the components' own retry and drop policies rather than
// by crashing.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	if len(args) > 0 && args[0] == "version" {
		fmt.Fprintln(stdout, buildinfo.String())
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(stdout, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
	slog.SetDefault(logger)

	logger.Info("starting",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"endpoint", cfg.SignalEndpoint,
		"account", cfg.Account,
	)

	// The archive must be writable before the first envelope arrives.
	if err := archive.EnsureSchema(ctx, cfg.Timescale, logger); err != nil {
		return fmt.Errorf("prepare archive schema: %w", err)
	}

	pool, err := archive.NewPool(ctx, cfg.Timescale)
	if err != nil {
		return fmt.Errorf("connect to archive database: %w", err)
	}
	defer pool.Close()

	writer := archive.NewWriter(archive.NewPGInserter(pool), archive.WriterConfig{
		QueueSize:    cfg.Timescale.QueueSize,
		BatchSize:    cfg.Timescale.BatchSize,
		BatchTimeout: cfg.Timescale.BatchTimeout(),
		MaxInFlight:  cfg.Timescale.MaxConnections,
		Logger:       logger,
	})
	writer.Start(ctx)

	router := bridge.NewRouter(bridge.RouterConfig{
		Account:   cfg.Account,
		Gateway:   signal.NewClient(cfg.SignalEndpoint, cfg.Account, writer, logger),
		Assistant: assistant.New(cfg.WebhookURL, cfg.AuthToken, logger),
		Resolver:  signal.NewGroupResolver(cfg.SignalEndpoint, cfg.Account, cfg.GroupCacheSize, logger),
		Authz:     authz.New(cfg.Whitelist, logger),
		Archiver:  writer,
		Logger:    logger,
		RateLimit: cfg.SenderRateLimit,
	})

	if cfg.MetricsPort > 0 {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsPort, logger); err != nil {
				logger.Error("metrics listener failed", "port", cfg.MetricsPort, "error", err)
			}
		}()
	}

	receiver := signal.NewReceiver(cfg.SignalEndpoint, cfg.Account, router.HandleMessage, logger)
	if err := receiver.Run(ctx); err != nil {
		logger.Error("receive loop failed", "error", err)
	}

	// Shutdown order matters: the receiver has stopped producing, so
	// stopping the writer drains and flushes everything that is already
	// queued before the pool closes.
	logger.Info("shutting down, draining archive queue")
	writer.Stop()

	logger.Info("shutdown complete", "uptime", buildinfo.Uptime())
	return nil
}
