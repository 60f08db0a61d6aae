package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/askdash/askdash/internal/api"
	"github.com/askdash/askdash/internal/archive"
	s3store "github.com/askdash/askdash/internal/archive/s3"
	"github.com/askdash/askdash/internal/auth"
	"github.com/askdash/askdash/internal/chatlog"
	"github.com/askdash/askdash/internal/config"
	"github.com/askdash/askdash/internal/conversation"
	"github.com/askdash/askdash/internal/followup"
	"github.com/askdash/askdash/internal/guard"
	"github.com/askdash/askdash/internal/metadata"
	metadatapostgres "github.com/askdash/askdash/internal/metadata/postgres"
	"github.com/askdash/askdash/internal/observability"
	"github.com/askdash/askdash/internal/session"
	"github.com/askdash/askdash/internal/sqlgen"
	"github.com/askdash/askdash/internal/warehouse"
	duckdbengine "github.com/askdash/askdash/internal/warehouse/duckdb"
	warehousepostgres "github.com/askdash/askdash/internal/warehouse/postgres"
)

func main() {
	cfg, err := config.LoadFromEnv("askdash-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)

	var catalog metadata.Catalog
	var engine warehouse.Engine
	var readiness api.ReadinessCheck

	switch {
	case cfg.Demo.Enabled:
		demoEngine, err := duckdbengine.Open(cfg.Demo.DBPath)
		if err != nil {
			logger.Error("failed to open demo database", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = demoEngine.Close() }()
		engine = demoEngine

		if cfg.Metadata.SchemaFile == "" {
			logger.Error("demo mode requires ASKDASH_METADATA_SCHEMA_FILE")
			os.Exit(1)
		}
		staticCatalog, err := metadata.LoadStaticCatalog(cfg.Metadata.SchemaFile)
		if err != nil {
			logger.Error("failed to load schema file", slog.Any("error", err))
			os.Exit(1)
		}
		catalog = staticCatalog
		readiness = api.CheckArchiveConfig(cfg)
	default:
		warehouseDB, err := metadatapostgres.Open(context.Background(), metadatapostgres.DBConfig{
			DSN:             cfg.Warehouse.DSN,
			MaxOpenConns:    cfg.Warehouse.MaxOpenConns,
			MaxIdleConns:    cfg.Warehouse.MaxIdleConns,
			ConnMaxIdleTime: cfg.Warehouse.ConnMaxIdleTime,
			ConnMaxLifetime: cfg.Warehouse.ConnMaxLifetime,
		})
		if err != nil {
			logger.Error("failed to open warehouse db", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = warehouseDB.Close() }()

		repo := metadatapostgres.NewRepository(warehouseDB)
		catalog = repo
		engine = warehousepostgres.NewEngine(warehouseDB, cfg.Warehouse.QueryTimeout)
		readiness = api.CombineReadinessChecks(
			repo.HealthCheck,
			api.CheckWarehouseDSN(cfg),
			api.CheckArchiveConfig(cfg),
		)
	}

	var generator sqlgen.Generator
	if cfg.AI.GenerateEnabled {
		generator, err = sqlgen.NewOpenAIGenerator(sqlgen.OpenAIConfig{
			BaseURL:     cfg.AI.BaseURL,
			APIKey:      cfg.AI.APIKey,
			Model:       cfg.AI.Model,
			Temperature: cfg.AI.Temperature,
			Timeout:     cfg.AI.Timeout,
		})
		if err != nil {
			logger.Error("failed to initialize sql generator", slog.Any("error", err))
			os.Exit(1)
		}
	} else {
		generator = sqlgen.PlanGenerator{}
	}

	store := conversation.NewStore(cfg.Conversation.HistoryWindow)
	orchestrator := session.NewOrchestrator(
		store,
		followup.Resolver{DateColumn: cfg.Conversation.DateColumn},
		catalog,
		generator,
		guard.Config{DefaultLimit: cfg.Guard.DefaultLimit, MaxLimit: cfg.Guard.MaxLimit},
		logger,
	)

	deps := api.Dependencies{
		Logger:            logger,
		Orchestrator:      orchestrator,
		Catalog:           catalog,
		GuardConfig:       guard.Config{DefaultLimit: cfg.Guard.DefaultLimit, MaxLimit: cfg.Guard.MaxLimit},
		Engine:            engine,
		Readiness:         readiness,
		DependencyTimeout: time.Second,
	}

	if cfg.Archive.Enabled {
		archiveStore, err := s3store.New(context.Background(), s3store.Config{
			Endpoint:         cfg.Archive.Endpoint,
			Region:           cfg.Archive.Region,
			Bucket:           cfg.Archive.Bucket,
			AccessKeyID:      cfg.Archive.AccessKeyID,
			SecretAccessKey:  cfg.Archive.SecretAccessKey,
			UseSSL:           cfg.Archive.UseSSL,
			Prefix:           cfg.Archive.Prefix,
			AutoCreateBucket: cfg.Archive.AutoCreateBucket,
		})
		if err != nil {
			logger.Error("failed to initialize archive store", slog.Any("error", err))
			os.Exit(1)
		}
		deps.Archiver = archive.NewArchiver(archiveStore, logger)
	}

	if cfg.ChatLog.Enabled {
		chatLogDB, err := metadatapostgres.Open(context.Background(), metadatapostgres.DBConfig{DSN: cfg.ChatLog.DSN})
		if err != nil {
			logger.Error("failed to open chat log db", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = chatLogDB.Close() }()
		chatLogger := chatlog.NewLogger(chatLogDB, logger)
		if err := chatLogger.EnsureSchema(context.Background()); err != nil {
			logger.Error("failed to ensure chat log schema", slog.Any("error", err))
			os.Exit(1)
		}
		deps.ChatLog = chatLogger
	}

	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}
