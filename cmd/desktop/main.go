// Package main runs the sync core as a localhost bridge for the desktop UI.
// The UI talks to it over REST and WebSocket on 127.0.0.1:8090.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coachcoreai/coachcore/backend/cmd/desktop/handlers"
	"github.com/coachcoreai/coachcore/backend/internal/config"
	"github.com/coachcoreai/coachcore/backend/internal/logging"
	"github.com/coachcoreai/coachcore/backend/internal/services"
)

func main() {
	configFile := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config.Options{ConfigFile: *configFile}); err != nil {
		fmt.Fprintf(os.Stderr, "coachsync desktop: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts config.Options) error {
	cfg, err := config.Load(opts)
	if err != nil {
		return err
	}
	if err := logging.Init(logging.Config{Level: logging.ParseLevel(cfg.LogLevel), JSON: cfg.LogJSON}); err != nil {
		return err
	}
	defer logging.Sync()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	svc, err := services.NewSyncService(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	server := handlers.NewServer(svc)
	defer server.Close()

	if err := svc.Start(ctx); err != nil {
		return err
	}
	return server.ListenAndServe(ctx, cfg.ListenAddr)
}
