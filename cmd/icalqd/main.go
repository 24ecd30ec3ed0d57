package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"icalq/internal/config"
	"icalq/internal/log"
	"icalq/internal/server"
)

type flagConfig struct {
	configPath string
	listen     string
}

func main() {
	// Optional .env for local development; absence is fine.
	_ = godotenv.Load()

	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		logger := log.Setup("info")
		logger.Fatal().Err(err).Str("config_path", flags.configPath).Msg("failed to load config")
	}
	conf.ApplyEnv()

	if flags.listen != "" {
		conf.Listen = flags.listen
	}

	logger := log.Setup(conf.LogLevel)
	logger.Info().
		Str("listen", conf.Listen).
		Int("parser_timeout_ms", conf.ParserTimeoutMS).
		Str("snapshot_dir", conf.SnapshotDir).
		Msg("icalqd starting")

	store := server.NewStore()

	if conf.SnapshotDir != "" {
		if err := server.LoadSnapshots(conf.SnapshotDir, store, logger); err != nil {
			logger.Fatal().Err(err).Str("dir", conf.SnapshotDir).Msg("failed to load snapshots")
		}
	}

	notifier := server.MultiNotifier{server.LogNotifier{Logger: logger}}
	if conf.RedisURL != "" {
		redisNotifier, err := server.NewRedisNotifier(conf.RedisURL, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect Redis notifier")
		}
		defer redisNotifier.Close()
		notifier = append(notifier, redisNotifier)
		logger.Info().Msg("Redis keyspace notifications enabled")
	}

	dispatcher := server.NewDispatcher(store, conf, notifier, logger)
	httpServer := server.NewServer(dispatcher, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info().Str("signal", sig.String()).Msg("signal received, shutting down")
		cancel()
	}()

	var scheduler *cron.Cron
	if conf.SnapshotDir != "" {
		scheduler = cron.New()
		if _, err := scheduler.AddFunc(conf.SnapshotCron, func() {
			server.WriteSnapshots(conf.SnapshotDir, store, logger)
		}); err != nil {
			logger.Fatal().Err(err).Str("cron", conf.SnapshotCron).Msg("invalid snapshot schedule")
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	if err := httpServer.Run(ctx, conf.Listen); err != nil {
		logger.Error().Err(err).Msg("http server failed")
	}

	// Final snapshot on the way out so a clean shutdown loses nothing.
	if conf.SnapshotDir != "" {
		server.WriteSnapshots(conf.SnapshotDir, store, logger)
	}

	logger.Info().Msg("icalqd exiting")
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/icalq/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")

	flag.Parse()

	return cfg
}
