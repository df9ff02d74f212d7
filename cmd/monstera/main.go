package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/monstera-lab/monstera/internal/compute"
	"github.com/monstera-lab/monstera/internal/core/config"
	"github.com/monstera-lab/monstera/internal/core/policy"
	"github.com/monstera-lab/monstera/internal/core/storage/postgres"
	"github.com/monstera-lab/monstera/internal/ingestion"
	"github.com/monstera-lab/monstera/internal/metaschema"
	"github.com/monstera-lab/monstera/internal/metrics"
	"github.com/monstera-lab/monstera/internal/migrations"
	"github.com/monstera-lab/monstera/internal/server"
	"github.com/monstera-lab/monstera/internal/validation"
)

func main() {
	configPath := flag.String("config", "monstera.yaml", "Path to configuration file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	// Storage: one shared connection pool behind the four adapters.
	eventStore, err := postgres.NewAdapter(
		cfg.Database.DSN,
		cfg.Database.MaxOpenConns,
		cfg.Database.MaxIdleConns,
	)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer eventStore.Close()

	if err := migrations.Run(eventStore.DB(), cfg.Database.AutoMigrate); err != nil {
		slog.Error("Failed to run database migrations", "error", err)
		os.Exit(1)
	}

	entityStore := postgres.NewEntityAdapter(eventStore.DB())
	stateStore := postgres.NewStateAdapter(eventStore.DB())
	metricsStore := postgres.NewMetricsAdapter(eventStore.DB())

	// Classification policy tables and metadata field specs.
	classifier, err := policy.NewFileSystemClassifier(cfg.Policy.Dir)
	if err != nil {
		slog.Error("Failed to load policy tables", "dir", cfg.Policy.Dir, "error", err)
		os.Exit(1)
	}
	slog.Info("Policy tables loaded", "dir", cfg.Policy.Dir, "tables", len(classifier.Tables()))

	specs, err := metaschema.NewFileSystemRegistry(cfg.Policy.MetadataSpecDir)
	if err != nil {
		slog.Error("Failed to load metadata specs", "dir", cfg.Policy.MetadataSpecDir, "error", err)
		os.Exit(1)
	}

	validator := validation.New(entityStore, specs, cfg.StalenessBound())

	// Feature services.
	ingestionSvc := ingestion.NewService(validator, classifier, eventStore, cfg.Server.MaxBodySizeMB)

	engine := compute.NewEngine(eventStore, stateStore, entityStore, classifier, cfg)
	opts := compute.Options{
		BatchSize:   cfg.Compute.BatchSize,
		WorkerCount: cfg.Compute.WorkerCount,
	}
	computeSvc := compute.NewComputeService(engine, opts)

	metricsSvc := metrics.NewService(metricsStore, stateStore, eventStore, ingestionSvc.Compliance)

	srv := server.New(
		fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		eventStore.DB(),
		cfg.Server.Mode,
		stateStore.ReadCheckpoint,
	)
	ingestionSvc.RegisterRoutes(srv.Engine)
	computeSvc.RegisterRoutes(srv.Engine)
	metricsSvc.RegisterRoutes(srv.Engine)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Compute.Enabled {
		sched := compute.NewScheduler(cfg.ComputeInterval(), engine, opts)
		go func() {
			if err := sched.Start(ctx); err != nil {
				slog.Error("Scheduler stopped with error", "error", err)
			}
		}()
	} else {
		slog.Info("Compute scheduler disabled by config")
	}

	// Signal handler triggers the shutdown sequence below.
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		slog.Info("Signal received, shutting down...")
		cancel()
	}()

	if err := srv.Run(ctx); err != nil {
		slog.Error("Server stopped with error", "error", err)
	}

	slog.Info("Shutdown complete")
}
