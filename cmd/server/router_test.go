package main

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/takeout-api/internal/config"
	"github.com/phrazzld/takeout-api/internal/export"
	"github.com/phrazzld/takeout-api/internal/service"
	"github.com/phrazzld/takeout-api/internal/store"
)

// newTestApplication assembles an application on in-memory backends, enough
// to exercise the router without a database.
func newTestApplication(t *testing.T) *application {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	taskStore := store.NewMemoryTaskStore(3)
	storage := export.NewMemoryStorage("mem")
	registry := export.NewRegistry()

	exportService, err := service.NewExportService(taskStore, registry, storage, 1<<20, logger)
	require.NoError(t, err)

	return &application{
		config:        &config.Config{Server: config.ServerConfig{Port: 0, LogLevel: "error"}},
		logger:        logger,
		taskStore:     taskStore,
		storage:       storage,
		registry:      registry,
		exportService: exportService,
	}
}

func TestRouterHealthCheck(t *testing.T) {
	t.Parallel()

	app := newTestApplication(t)
	router := app.setupRouter()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestRouterMountsExportRoutes(t *testing.T) {
	t.Parallel()

	app := newTestApplication(t)
	router := app.setupRouter()

	// No task exists yet, but the route must resolve past the router.
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/exports?context_id=1&user_id=1", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var body struct {
		Error   string `json:"error"`
		TraceID string `json:"trace_id"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "Export task not found", body.Error)
	assert.NotEmpty(t, body.TraceID, "trace middleware stamps error responses")
}
