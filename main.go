package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"sjsage522/mallcrawler/config"
	"sjsage522/mallcrawler/internal"
	"sjsage522/mallcrawler/internal/crawler"
	"sjsage522/mallcrawler/logger"
	"sjsage522/mallcrawler/services/cache"
	"sjsage522/mallcrawler/services/monitor"
	"sjsage522/mallcrawler/services/publisher"
	"sjsage522/mallcrawler/services/storage"
	"sjsage522/mallcrawler/services/worker"
)

func main() {
	// Load environment variables
	config.LoadDotEnv()

	// Initialize logger first
	logger.Init()
	log := logger.Default

	// Load and validate configuration
	cfg := config.LoadConfig()
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	targets, err := crawler.LoadTargets(cfg.TargetsFile)
	if err != nil {
		log.Fatal().Err(err).Str("file", cfg.TargetsFile).Msg("Failed to load targets")
	}

	log.Info().
		Str("environment", cfg.Environment).
		Int("targets", len(targets)).
		Dur("crawl_interval", cfg.CrawlInterval).
		Msg("Starting application")

	// Stop on SIGINT/SIGTERM; an in-flight run finishes with what it has
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := initializeServices(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize services")
	}
	defer deps.Close()

	runner, err := deps.NewRunner(cfg, targets)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create runner")
	}

	opts := worker.Options{
		Interval:   cfg.CrawlInterval,
		RunTimeout: cfg.RunTimeout,
		OutputDir:  cfg.OutputDir,
		Verbose:    !cfg.IsProduction(),
	}

	if cfg.MonitorAddr != "" {
		mon := monitor.NewServer(cfg.MonitorAddr, deps.Metrics.Registry)
		opts.OnRun = func(res *crawler.RunResult) { mon.SetLastRun(res.Diagnostics) }
		go func() {
			if err := mon.Start(ctx); err != nil {
				log.Error().Err(err).Msg("Monitor server stopped")
			}
		}()
	}

	w := worker.NewWorker(ctx, runner, deps.Publisher, deps.Store, opts)
	if err := w.Start(); err != nil {
		log.Error().Err(err).Msg("Worker exited with error")
		deps.Close()
		os.Exit(1)
	}

	log.Info().Msg("Shutting down gracefully...")
}

// initializeServices initializes the cache, metrics and the optional sinks
func initializeServices(ctx context.Context, cfg *config.Config) (*internal.Dependencies, error) {
	deps := &internal.Dependencies{
		Cache:   cache.New(cfg.MemcacheAddr),
		Metrics: crawler.NewMetrics(),
	}
	if cfg.MemcacheAddr != "" {
		logger.Info("Using Memcache at %s", cfg.MemcacheAddr)
	}

	if cfg.PublishEnabled {
		redisPublisher := publisher.NewRedisPublisher(
			cfg.RedisAddr,
			cfg.RedisDB,
			cfg.RedisStream,
			cfg.RedisStreamCount,
			cfg.RedisStreamMaxLength,
		)
		if err := redisPublisher.Ping(ctx); err != nil {
			redisPublisher.Close()
			return nil, err
		}
		deps.Publisher = redisPublisher
		logger.Info("Connected to Redis at %s (DB: %d, Stream: %s)",
			cfg.RedisAddr, cfg.RedisDB, cfg.RedisStream)
	}

	if cfg.DatabaseURL != "" {
		store, err := storage.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			deps.Close()
			return nil, err
		}
		deps.Store = store
		logger.Info("Connected to Postgres")
	}

	return deps, nil
}
