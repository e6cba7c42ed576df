package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register the pgx database/sql driver

	"github.com/phrazzld/takeout-api/internal/config"
	"github.com/phrazzld/takeout-api/internal/dispatch"
	"github.com/phrazzld/takeout-api/internal/export"
	"github.com/phrazzld/takeout-api/internal/platform/postgres"
	"github.com/phrazzld/takeout-api/internal/schedule"
	"github.com/phrazzld/takeout-api/internal/service"
	"github.com/phrazzld/takeout-api/internal/store"
)

// application holds the assembled components of the server.
type application struct {
	config *config.Config
	logger *slog.Logger

	db            *sql.DB
	taskStore     store.TaskStore
	storage       export.FileStorage
	registry      *export.Registry
	exportService service.ExportService
	dispatcher    *dispatch.Dispatcher
	reaper        *dispatch.Reaper
}

// newApplication opens the database, runs migrations and wires every
// component together.
func newApplication(cfg *config.Config, logger *slog.Logger) (*application, error) {
	db, err := openDatabase(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := postgres.MigrateUp(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	taskStore := postgres.NewPostgresTaskStore(db, cfg.Export.MaxFailCount)

	storage, err := export.NewDiskStorage(cfg.Export.StorageID, cfg.Export.StorageDir)
	if err != nil {
		return nil, fmt.Errorf("failed to set up file storage: %w", err)
	}

	// Module providers are registered here. Deployments add their modules
	// before the dispatcher starts claiming tasks.
	registry := export.NewRegistry()

	sched, err := schedule.Parse(cfg.Export.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid processing schedule: %w", err)
	}
	evaluator := schedule.NewEvaluator(cfg.Export.Active, sched)

	exportService, err := service.NewExportService(
		taskStore, registry, storage, cfg.Export.MaxFileSize, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create export service: %w", err)
	}

	dispatcher, err := dispatch.NewDispatcher(
		taskStore, registry, storage, evaluator, nil,
		dispatch.DispatcherConfig{
			CheckFrequency:       cfg.Export.CheckFrequency,
			ConcurrentTasks:      cfg.Export.ConcurrentTasks,
			MaxProcessingTime:    cfg.Export.MaxProcessingTime,
			Locale:               cfg.Export.Locale,
			KeepPermissionDenied: cfg.Export.KeepPermissionDenied,
		},
		logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatcher: %w", err)
	}

	reaper := dispatch.NewReaper(
		taskStore, storage, nil,
		dispatch.ReaperConfig{
			CheckFrequency: cfg.Reaper.CheckFrequency,
			StalledAge:     cfg.Reaper.StalledAge,
			TerminalTTL:    cfg.Reaper.TerminalTTL,
		},
		logger)

	return &application{
		config:        cfg,
		logger:        logger,
		db:            db,
		taskStore:     taskStore,
		storage:       storage,
		registry:      registry,
		exportService: exportService,
		dispatcher:    dispatcher,
		reaper:        reaper,
	}, nil
}

// openDatabase opens the connection pool and verifies connectivity.
func openDatabase(url string) (*sql.DB, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	return db, nil
}

// run starts background processing and the HTTP server, then blocks until
// shutdown completes.
func (app *application) run() error {
	app.dispatcher.Start()
	app.reaper.Start()

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", app.config.Server.Port),
		Handler: app.setupRouter(),
	}

	serverErr := make(chan error, 1)
	go func() {
		app.logger.Info("Starting server", "port", app.config.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdownCh:
		app.logger.Info("Shutting down server...", "signal", sig.String())
	case err := <-serverErr:
		app.cleanup()
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		app.logger.Error("Server shutdown failed", "error", err)
		app.cleanup()
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	app.cleanup()
	app.logger.Info("Server shutdown completed")
	return nil
}

// cleanup stops background processing and releases resources. The dispatcher
// stops first so in-flight tasks park as paused and another node can resume
// them.
func (app *application) cleanup() {
	app.dispatcher.Stop()
	app.reaper.Stop()

	if err := app.db.Close(); err != nil {
		app.logger.Error("Failed to close database", "error", err)
	}
}
