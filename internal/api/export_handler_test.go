package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/takeout-api/internal/domain"
	"github.com/phrazzld/takeout-api/internal/export"
	"github.com/phrazzld/takeout-api/internal/service"
	"github.com/phrazzld/takeout-api/internal/store"
)

// stubProvider accepts every submission and completes immediately.
type stubProvider struct {
	id string
}

func (p *stubProvider) ModuleID() string { return p.id }

func (p *stubProvider) CheckArguments(ctx context.Context, args domain.ModuleArguments) (bool, error) {
	return true, nil
}

func (p *stubProvider) Available(ctx context.Context, contextID, userID int64) (bool, error) {
	return true, nil
}

func (p *stubProvider) Export(ctx context.Context, processingID uuid.UUID, sink export.Sink, savepoint []byte, task *domain.Task, locale string) (export.Result, error) {
	return export.Completed(), nil
}

func (p *stubProvider) Pause(ctx context.Context, processingID uuid.UUID, sink export.Sink, task *domain.Task) (export.PauseResult, error) {
	return export.PauseResult{}, nil
}

func newTestRouter(t *testing.T) (http.Handler, *store.MemoryTaskStore, *export.MemoryStorage) {
	t.Helper()

	taskStore := store.NewMemoryTaskStore(3)
	storage := export.NewMemoryStorage("mem")

	registry := export.NewRegistry()
	require.NoError(t, registry.Register(&stubProvider{id: "mail"}))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := service.NewExportService(taskStore, registry, storage, 1<<20, logger)
	require.NoError(t, err)

	handler := NewExportHandler(svc)
	router := chi.NewRouter()
	router.Route("/api", handler.RegisterRoutes)
	return router, taskStore, storage
}

func submitBody(t *testing.T, modules ...string) *bytes.Buffer {
	t.Helper()

	req := SubmitExportRequest{
		ContextID: 1,
		UserID:    100,
		Host:      "example.com",
		Secure:    true,
	}
	for _, mod := range modules {
		req.Modules = append(req.Modules, SubmitModuleRequest{ModuleID: mod})
	}

	body, err := json.Marshal(req)
	require.NoError(t, err)
	return bytes.NewBuffer(body)
}

func doRequest(router http.Handler, method, target string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeTask(t *testing.T, rec *httptest.ResponseRecorder) TaskResponse {
	t.Helper()

	var resp TaskResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

// completeTask drives a submitted task to done with one stored segment.
func completeTask(t *testing.T, taskStore *store.MemoryTaskStore, storage *export.MemoryStorage, taskID uuid.UUID, payload string) domain.ResultFile {
	t.Helper()
	ctx := context.Background()

	_, err := taskStore.ClaimNextRunnable(ctx)
	require.NoError(t, err)

	writer, err := storage.Create(ctx, "seg-000.zip")
	require.NoError(t, err)
	_, err = writer.Write([]byte(payload))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	segment := domain.ResultFile{
		Number:          0,
		ContentType:     "application/zip",
		Size:            int64(len(payload)),
		StorageLocation: writer.Location(),
	}
	ok, err := taskStore.MarkDone(ctx, taskID, []domain.ResultFile{segment})
	require.NoError(t, err)
	require.True(t, ok)
	return segment
}

func TestSubmitExport(t *testing.T) {
	t.Parallel()

	t.Run("accepts valid submission", func(t *testing.T) {
		router, _, _ := newTestRouter(t)

		rec := doRequest(router, http.MethodPost, "/api/exports", submitBody(t, "mail"))
		require.Equal(t, http.StatusAccepted, rec.Code)

		resp := decodeTask(t, rec)
		assert.Equal(t, "pending", resp.Status)
		assert.Equal(t, int64(1), resp.ContextID)
		assert.Equal(t, int64(100), resp.UserID)
		assert.Equal(t, int64(-1), resp.DurationMS)
		require.Len(t, resp.WorkItems, 1)
		assert.Equal(t, "mail", resp.WorkItems[0].ModuleID)
		assert.Equal(t, "pending", resp.WorkItems[0].Status)
		assert.Empty(t, resp.ResultFiles)
	})

	t.Run("rejects malformed body", func(t *testing.T) {
		router, _, _ := newTestRouter(t)

		rec := doRequest(router, http.MethodPost, "/api/exports", bytes.NewBufferString("{not json"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejects submission without modules", func(t *testing.T) {
		router, _, _ := newTestRouter(t)

		rec := doRequest(router, http.MethodPost, "/api/exports", submitBody(t))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejects unknown module", func(t *testing.T) {
		router, _, _ := newTestRouter(t)

		rec := doRequest(router, http.MethodPost, "/api/exports", submitBody(t, "photos"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejects second live task for same owner", func(t *testing.T) {
		router, _, _ := newTestRouter(t)

		rec := doRequest(router, http.MethodPost, "/api/exports", submitBody(t, "mail"))
		require.Equal(t, http.StatusAccepted, rec.Code)

		rec = doRequest(router, http.MethodPost, "/api/exports", submitBody(t, "mail"))
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestGetStatus(t *testing.T) {
	t.Parallel()

	t.Run("requires owner parameters", func(t *testing.T) {
		router, _, _ := newTestRouter(t)

		rec := doRequest(router, http.MethodGet, "/api/exports?user_id=100", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = doRequest(router, http.MethodGet, "/api/exports?context_id=1", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("returns 404 when owner has no task", func(t *testing.T) {
		router, _, _ := newTestRouter(t)

		rec := doRequest(router, http.MethodGet, "/api/exports?context_id=1&user_id=100", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("returns the owner's task", func(t *testing.T) {
		router, _, _ := newTestRouter(t)

		rec := doRequest(router, http.MethodPost, "/api/exports", submitBody(t, "mail"))
		require.Equal(t, http.StatusAccepted, rec.Code)
		submitted := decodeTask(t, rec)

		rec = doRequest(router, http.MethodGet, "/api/exports?context_id=1&user_id=100", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, submitted.ID, decodeTask(t, rec).ID)
	})
}

func TestListExports(t *testing.T) {
	t.Parallel()

	router, _, _ := newTestRouter(t)

	rec := doRequest(router, http.MethodPost, "/api/exports", submitBody(t, "mail"))
	require.Equal(t, http.StatusAccepted, rec.Code)
	submitted := decodeTask(t, rec)

	decodeList := func(rec *httptest.ResponseRecorder) []TaskResponse {
		var out []TaskResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
		return out
	}

	rec = doRequest(router, http.MethodGet, "/api/exports", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	all := decodeList(rec)
	require.Len(t, all, 1)
	assert.Equal(t, submitted.ID, all[0].ID)

	rec = doRequest(router, http.MethodGet, "/api/exports?status=pending&storage_id=mem", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeList(rec), 1)

	rec = doRequest(router, http.MethodGet, "/api/exports?status=done", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeList(rec))

	rec = doRequest(router, http.MethodGet, "/api/exports?touched_before=not-a-time", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetExport(t *testing.T) {
	t.Parallel()

	t.Run("rejects malformed task ID", func(t *testing.T) {
		router, _, _ := newTestRouter(t)

		rec := doRequest(router, http.MethodGet, "/api/exports/not-a-uuid", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("returns 404 for unknown task", func(t *testing.T) {
		router, _, _ := newTestRouter(t)

		rec := doRequest(router, http.MethodGet, "/api/exports/"+uuid.NewString(), nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("returns the task by ID", func(t *testing.T) {
		router, _, _ := newTestRouter(t)

		rec := doRequest(router, http.MethodPost, "/api/exports", submitBody(t, "mail"))
		require.Equal(t, http.StatusAccepted, rec.Code)
		submitted := decodeTask(t, rec)

		rec = doRequest(router, http.MethodGet, "/api/exports/"+submitted.ID, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, submitted.ID, decodeTask(t, rec).ID)
	})
}

func TestCancelExport(t *testing.T) {
	t.Parallel()

	router, _, _ := newTestRouter(t)

	rec := doRequest(router, http.MethodPost, "/api/exports", submitBody(t, "mail"))
	require.Equal(t, http.StatusAccepted, rec.Code)
	submitted := decodeTask(t, rec)

	rec = doRequest(router, http.MethodPost, "/api/exports/"+submitted.ID+"/cancel", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	// A pending task aborts immediately.
	rec = doRequest(router, http.MethodGet, "/api/exports/"+submitted.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "aborted", decodeTask(t, rec).Status)

	// Canceling a terminal task is a conflict.
	rec = doRequest(router, http.MethodPost, "/api/exports/"+submitted.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDeleteExport(t *testing.T) {
	t.Parallel()

	router, taskStore, storage := newTestRouter(t)

	rec := doRequest(router, http.MethodPost, "/api/exports", submitBody(t, "mail"))
	require.Equal(t, http.StatusAccepted, rec.Code)
	submitted := decodeTask(t, rec)
	taskID := uuid.MustParse(submitted.ID)

	rec = doRequest(router, http.MethodDelete, "/api/exports/"+submitted.ID, nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "live task cannot be deleted")

	completeTask(t, taskStore, storage, taskID, "payload")

	rec = doRequest(router, http.MethodDelete, "/api/exports/"+submitted.ID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(router, http.MethodGet, "/api/exports/"+submitted.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDownloadResult(t *testing.T) {
	t.Parallel()

	router, taskStore, storage := newTestRouter(t)

	rec := doRequest(router, http.MethodPost, "/api/exports", submitBody(t, "mail"))
	require.Equal(t, http.StatusAccepted, rec.Code)
	submitted := decodeTask(t, rec)
	taskID := uuid.MustParse(submitted.ID)

	completeTask(t, taskStore, storage, taskID, "mail payload")

	t.Run("lists download links on the finished task", func(t *testing.T) {
		rec := doRequest(router, http.MethodGet, "/api/exports/"+submitted.ID, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		resp := decodeTask(t, rec)
		require.Len(t, resp.ResultFiles, 1)
		expected := fmt.Sprintf("https://example.com/api/exports/%s/results/0", submitted.ID)
		assert.Equal(t, expected, resp.ResultFiles[0].DownloadURL)
	})

	t.Run("streams a segment", func(t *testing.T) {
		rec := doRequest(router, http.MethodGet, "/api/exports/"+submitted.ID+"/results/0", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "mail payload", rec.Body.String())
		assert.Equal(t, "application/zip", rec.Header().Get("Content-Type"))
		assert.Equal(t, "12", rec.Header().Get("Content-Length"))
		assert.Contains(t, rec.Header().Get("Content-Disposition"), ".zip")
	})

	t.Run("rejects a non-numeric segment number", func(t *testing.T) {
		rec := doRequest(router, http.MethodGet, "/api/exports/"+submitted.ID+"/results/zero", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("returns 404 for a missing segment", func(t *testing.T) {
		rec := doRequest(router, http.MethodGet, "/api/exports/"+submitted.ID+"/results/5", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
