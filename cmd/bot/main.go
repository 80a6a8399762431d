package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"hl-mirror-bot/internal/app"
	"hl-mirror-bot/internal/config"
	"hl-mirror-bot/internal/logging"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	dryRun := flag.Bool("dry-run", false, "force dry-run mode regardless of config")
	paper := flag.Bool("paper", false, "force paper trading regardless of config")
	flag.Parse()

	if err := config.LoadEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}
	if *dryRun {
		cfg.Mirror.DryRun = true
	}
	if *paper {
		cfg.Mirror.Paper = true
	}

	log := logging.New(cfg.Log)
	log.Info("mirror bot starting",
		zap.String("config", *configPath),
		zap.String("follower", cfg.Mirror.FollowerAddress),
		zap.Int("leaders", len(cfg.Mirror.LeaderAddresses)),
		zap.Float64("copy_ratio", cfg.Mirror.CopyRatio),
		zap.String("copy_mode", cfg.Mirror.CopyMode),
		zap.Bool("dry_run", cfg.Mirror.DryRun),
		zap.Bool("paper", cfg.Mirror.Paper),
	)

	application, err := app.New(cfg, log)
	if err != nil {
		log.Error("failed to initialize app", zap.Error(err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil && err != context.Canceled {
		log.Error("app terminated", zap.Error(err))
		os.Exit(1)
	}
}
