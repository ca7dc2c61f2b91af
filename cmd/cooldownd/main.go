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

	"cooldownd/internal/api"
	"cooldownd/internal/audit"
	"cooldownd/internal/command"
	"cooldownd/internal/config"
	"cooldownd/internal/engine"
	"cooldownd/internal/events"
	"cooldownd/internal/ingest"
	"cooldownd/internal/logging"
	"cooldownd/internal/metrics"
	"cooldownd/internal/scheduler"
	"cooldownd/internal/storage"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to YAML or JSON config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	manager, err := newManager(configPath)
	if err != nil {
		return err
	}
	cfg := manager.Get()
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting cooldownd", "version", version, "config", manager.Path())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if store != nil {
		defer store.Close()
		if err := store.Init(ctx); err != nil {
			return fmt.Errorf("storage init: %w", err)
		}
		logger.Info("audit storage enabled", "driver", cfg.Storage.Driver)
	}

	eventsStore := events.NewStore(cfg.Events.StoreLimit)
	metricsStore := metrics.NewStore(0)
	pipeline := audit.NewPipeline(eventsStore, metricsStore, store, cfg.Ingest.ChannelBuffer, logger)

	sched := scheduler.NewTimerScheduler(cfg.Cooldowns.Tick.Std(), logger)
	defer sched.Stop()

	svc := engine.NewService(
		engine.NewRegistry(cfg.Cooldowns.Shards),
		engine.SystemClock{},
		logger,
		engine.WithRecorder(pipeline),
		engine.WithScheduler(sched, sched.Tick()),
	)

	g, gctx := errgroup.WithContext(ctx)
	go pipeline.Run(gctx)
	svc.StartSweeper(gctx, cfg.Cooldowns.SweepInterval.Std())

	commands := make(chan command.Command, cfg.Ingest.ChannelBuffer)
	ingest.StartKafka(gctx, manager, commands, logger)
	g.Go(func() error {
		ingest.Dispatch(gctx, svc, commands, logger)
		return nil
	})

	server := api.NewServer(manager, svc, eventsStore, metricsStore, store, logger, version)
	api.Start(gctx, server)

	if manager.Path() != "" {
		g.Go(func() error {
			started := cfg
			manager.Watch(gctx, 3*time.Second, func(next *config.Config) {
				logger.Info("config reloaded", "actions", len(next.Cooldowns.Actions))
				if pending := config.RestartRequired(started, next); len(pending) > 0 {
					logger.Warn("config changes take effect after restart", "settings", pending)
				}
			}, func(err error) {
				logger.Warn("config reload failed", "err", err)
			})
			return nil
		})
	}

	<-gctx.Done()
	logger.Info("shutting down")
	if err := g.Wait(); err != nil {
		logger.Error("shutdown error", "err", err)
		return err
	}
	<-pipeline.Done()
	logger.Info("stopped", "pending_tasks", sched.Pending())
	return nil
}

func newManager(path string) (*config.Manager, error) {
	if path == "" {
		if env := os.Getenv("COOLDOWND_CONFIG"); env != "" {
			path = env
		}
	}
	if path == "" {
		slog.Info("no config file given, using defaults")
		return config.NewStaticManager(config.DefaultConfig()), nil
	}
	return config.NewManager(config.ResolvePath(path))
}
