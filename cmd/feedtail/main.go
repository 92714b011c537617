// Command feedtail subscribes to a feed and prints its merged record stream,
// optionally archiving every record to Postgres. It is the reference consumer
// of the synchronization layer: history fetch and push channel run together,
// and the tail keeps flowing through channel drops via the polling fallback.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/regulens/feedsync/internal/archive"
	"github.com/regulens/feedsync/internal/config"
	"github.com/regulens/feedsync/internal/connection"
	"github.com/regulens/feedsync/internal/controller"
	"github.com/regulens/feedsync/internal/history"
	"github.com/regulens/feedsync/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/feedsync.local.yaml", "path to config file")
	feedID := flag.String("feed", "", "feed id to tail (required)")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if *feedID == "" {
		logger.Error("missing required -feed flag")
		os.Exit(1)
	}

	logger.Info("starting feedtail",
		"version", version.Version,
		"commit", version.Commit,
		"feed_id", *feedID,
		"config", *configPath,
	)

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Optional archive sink.
	var archiver *archive.Archiver
	if cfg.Archive.Enabled {
		pool, err := archive.Connect(ctx, cfg.Archive.Database)
		if err != nil {
			logger.Error("failed to connect archive database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		archiver = archive.New(cfg.Archive, pool, logger)
		if err := archiver.Start(ctx); err != nil {
			logger.Error("failed to start archiver", "error", err)
			os.Exit(1)
		}
	}

	loader := history.NewLoader(
		cfg.API.RestURL,
		cfg.API.AuthToken,
		history.WithLogger(logger),
		history.WithTimeout(cfg.API.Timeout),
		history.WithRetries(cfg.History.MaxRetries, cfg.History.RetryStep),
	)

	manager := connection.NewManager(connection.ManagerConfig{
		Endpoint:             cfg.API.ChannelURL,
		AuthToken:            cfg.API.AuthToken,
		HandshakeTimeout:     cfg.Connection.HandshakeTimeout,
		HeartbeatInterval:    cfg.Connection.HeartbeatInterval,
		MissedHeartbeatLimit: cfg.Connection.MissedHeartbeatLimit,
		BackoffBase:          cfg.Connection.BackoffBase,
		BackoffMax:           cfg.Connection.BackoffMax,
		MaxAttempts:          cfg.Connection.MaxAttempts,
		WriteTimeout:         cfg.Connection.WriteTimeout,
		BufferSize:           cfg.Connection.BufferSize,
	}, nil, logger)

	feeds := controller.New(controller.Config{
		PollInterval:  cfg.Feeds.PollInterval,
		PollLimit:     cfg.Feeds.PollLimit,
		InitialLimit:  cfg.Feeds.InitialLimit,
		RetentionCap:  cfg.Feeds.RetentionCap,
		DegradedAfter: cfg.Feeds.DegradedAfter,
	}, manager, loader, logger)

	sub := feeds.Subscribe(*feedID)
	defer sub.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return tail(gctx, sub, archiver)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("tail failed", "error", err)
	}

	if archiver != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		archiver.Stop(stopCtx)

		m := archiver.Stats()
		logger.Info("archive summary",
			"inserts", m.Inserts,
			"conflicts", m.Conflicts,
			"errors", m.Errors,
		)
	}

	logger.Info("feedtail stopped")
}

// tail prints newly merged records once each and mirrors them to the
// archiver. The merged sequence can grow in the middle when older records
// arrive late, so delivery is tracked per record id rather than by index.
func tail(ctx context.Context, sub *controller.Subscription, archiver *archive.Archiver) error {
	printed := make(map[string]struct{})
	lastMode := controller.Status("")

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if status := sub.Status(); status.Mode != lastMode {
			lastMode = status.Mode
			slog.Info("status changed",
				"status", status.Mode,
				"degraded", status.Degraded,
			)
		}

		for _, rec := range sub.Records() {
			if _, ok := printed[rec.ID]; ok {
				continue
			}
			printed[rec.ID] = struct{}{}

			fmt.Printf("%s  %-24s  %s\n",
				rec.ProducedAt.Format(time.RFC3339),
				rec.ID,
				string(rec.Payload),
			)

			if archiver != nil {
				archiver.Ingest(rec)
			}
		}
	}
}
