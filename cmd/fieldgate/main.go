// Fieldgate - Industrial data ingestion gateway.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/fieldgate/internal/api"
	"github.com/opensource-finance/fieldgate/internal/config"
	"github.com/opensource-finance/fieldgate/internal/domain"
	"github.com/opensource-finance/fieldgate/internal/gateway"
	"github.com/opensource-finance/fieldgate/internal/logging"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		slog.Error("fieldgate failed", "error", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	cmd := "run"
	if len(args) > 0 && (args[0] == "run" || args[0] == "validate" || args[0] == "version") {
		cmd, args = args[0], args[1:]
	}

	fs := flag.NewFlagSet("fieldgate "+cmd, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", os.Getenv("FIELDGATE_CONFIG"), "path to a YAML configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	switch cmd {
	case "version":
		fmt.Fprintf(stdout, "fieldgate %s (commit %s, built %s)\n", Version, Commit, BuildDate)
		return nil
	case "validate":
		cfg, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "configuration ok: repository=%s cache=%s eventbus=%s port=%d\n",
			cfg.Repository.Driver, cfg.Cache.Type, cfg.EventBus.Type, cfg.Server.Port)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logging.Setup(cfg.Logging, stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg)
}

func serve(ctx context.Context, cfg *domain.Config) error {
	slog.Info("starting fieldgate",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"alerting", cfg.Alerting.Enabled,
	)

	gw, err := gateway.New(cfg, gateway.Options{})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := gw.Close(shutdownCtx); err != nil {
			slog.Error("shutdown incomplete", "error", err)
		}
		slog.Info("fieldgate shutdown complete")
	}()

	if err := gw.Start(ctx); err != nil {
		return err
	}

	srv := api.NewServer(cfg.Server, gw.Services(Version))
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	slog.Info("fieldgate is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"polling_jobs", gw.Polling.Count(),
		"subscriptions", gw.Subscriptions.Count(),
	)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	slog.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	return nil
}
