// Package main implements the entry point for the takeout API server,
// which accepts per-user "export everything" tasks, processes them inside
// the configured schedule window and serves the finished result segments.
package main

import (
	"fmt"
	"log"
	"log/slog"

	"github.com/phrazzld/takeout-api/internal/config"
	"github.com/phrazzld/takeout-api/internal/platform/logger"
)

func main() {
	cfg, appLogger, err := initializeApp()
	if err != nil {
		log.Fatalf("Failed to initialize application: %v", err)
	}

	app, err := newApplication(cfg, appLogger)
	if err != nil {
		log.Fatalf("Failed to build application: %v", err)
	}

	if err := app.run(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

// initializeApp loads configuration and sets up structured logging.
func initializeApp() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	appLogger, err := logger.Setup(cfg.Server.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up logger: %w", err)
	}

	appLogger.Info("Server configuration loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
		"processing_active", cfg.Export.Active,
		"schedule", cfg.Export.Schedule)

	return cfg, appLogger, nil
}
