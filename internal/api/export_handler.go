package api

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/phrazzld/takeout-api/internal/api/shared"
	"github.com/phrazzld/takeout-api/internal/domain"
	"github.com/phrazzld/takeout-api/internal/service"
	"github.com/phrazzld/takeout-api/internal/store"
)

// SubmitModuleRequest selects one module within a submission.
type SubmitModuleRequest struct {
	ModuleID   string            `json:"module_id"   validate:"required"`
	Properties map[string]string `json:"properties,omitempty"`
}

// SubmitExportRequest represents the request body for starting a new export
// task.
type SubmitExportRequest struct {
	ContextID   int64                 `json:"context_id"    validate:"required"`
	UserID      int64                 `json:"user_id"       validate:"required"`
	Modules     []SubmitModuleRequest `json:"modules"       validate:"required,min=1,dive"`
	MaxFileSize int64                 `json:"max_file_size" validate:"omitempty,min=1"`
	Host        string                `json:"host"          validate:"required"`
	Secure      bool                  `json:"secure"`
}

// WorkItemResponse represents one module's progress within a task response.
type WorkItemResponse struct {
	ModuleID  string `json:"module_id"`
	Status    string `json:"status"`
	FailCount int    `json:"fail_count"`
}

// ResultFileResponse represents one downloadable result segment.
type ResultFileResponse struct {
	Number      int    `json:"number"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	DownloadURL string `json:"download_url"`
}

// TaskResponse represents the response data for an export task.
type TaskResponse struct {
	ID             string               `json:"id"`
	ContextID      int64                `json:"context_id"`
	UserID         int64                `json:"user_id"`
	Status         string               `json:"status"`
	AbortRequested bool                 `json:"abort_requested"`
	WorkItems      []WorkItemResponse   `json:"work_items"`
	ResultFiles    []ResultFileResponse `json:"result_files,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
	StartedAt      *time.Time           `json:"started_at,omitempty"`
	DurationMS     int64                `json:"duration_ms"`
}

// ExportHandler handles export-task HTTP requests.
type ExportHandler struct {
	exportService service.ExportService
	validator     *validator.Validate
}

// NewExportHandler creates a new ExportHandler.
func NewExportHandler(exportService service.ExportService) *ExportHandler {
	return &ExportHandler{
		exportService: exportService,
		validator:     validator.New(),
	}
}

// RegisterRoutes mounts the export endpoints on the given router.
func (h *ExportHandler) RegisterRoutes(r chi.Router) {
	r.Route("/exports", func(r chi.Router) {
		r.Post("/", h.SubmitExport)
		r.Get("/", h.GetStatus)
		r.Route("/{taskID}", func(r chi.Router) {
			r.Get("/", h.GetExport)
			r.Post("/cancel", h.CancelExport)
			r.Delete("/", h.DeleteExport)
			r.Get("/results/{number}", h.DownloadResult)
		})
	})
}

// SubmitExport handles POST /api/exports requests.
func (h *ExportHandler) SubmitExport(w http.ResponseWriter, r *http.Request) {
	var req SubmitExportRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Validation error: "+err.Error())
		return
	}

	args := domain.TaskArguments{
		MaxFileSize: req.MaxFileSize,
		HostInfo: domain.HostInfo{
			Host:   req.Host,
			Secure: req.Secure,
		},
	}
	for _, mod := range req.Modules {
		args.Modules = append(args.Modules, domain.ModuleArguments{
			ModuleID:   mod.ModuleID,
			Properties: mod.Properties,
		})
	}

	task, err := h.exportService.Submit(r.Context(), req.ContextID, req.UserID, args)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r,
			MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	// Processing happens asynchronously in the dispatcher
	shared.RespondWithJSON(w, r, http.StatusAccepted, taskToDTOResponse(task))
}

// GetStatus handles GET /api/exports requests. With context_id and user_id
// it returns the owner's current task, preferring a live one over terminal
// history. Without owner parameters it lists tasks matching the
// administrative filters status, storage_id and touched_before.
func (h *ExportHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("context_id") == "" && r.URL.Query().Get("user_id") == "" {
		h.listExports(w, r)
		return
	}

	contextID, err := strconv.ParseInt(r.URL.Query().Get("context_id"), 10, 64)
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid or missing context_id")
		return
	}
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid or missing user_id")
		return
	}

	task, err := h.exportService.Status(r.Context(), contextID, userID)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r,
			MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, taskToDTOResponse(task))
}

// listExports serves the owner-less form of GET /api/exports.
func (h *ExportHandler) listExports(w http.ResponseWriter, r *http.Request) {
	filter := store.TaskFilter{
		Status:        domain.TaskStatus(r.URL.Query().Get("status")),
		FileStorageID: r.URL.Query().Get("storage_id"),
	}
	if raw := r.URL.Query().Get("touched_before"); raw != "" {
		stamp, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid touched_before timestamp")
			return
		}
		filter.TouchedBefore = stamp
	}

	tasks, err := h.exportService.ListTasks(r.Context(), filter)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r,
			MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	out := make([]TaskResponse, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, taskToDTOResponse(task))
	}
	shared.RespondWithJSON(w, r, http.StatusOK, out)
}

// GetExport handles GET /api/exports/{taskID} requests.
func (h *ExportHandler) GetExport(w http.ResponseWriter, r *http.Request) {
	taskID, ok := h.taskIDFromRequest(w, r)
	if !ok {
		return
	}

	task, err := h.exportService.GetTask(r.Context(), taskID)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r,
			MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, taskToDTOResponse(task))
}

// CancelExport handles POST /api/exports/{taskID}/cancel requests.
func (h *ExportHandler) CancelExport(w http.ResponseWriter, r *http.Request) {
	taskID, ok := h.taskIDFromRequest(w, r)
	if !ok {
		return
	}

	if err := h.exportService.Cancel(r.Context(), taskID); err != nil {
		shared.RespondWithErrorAndLog(w, r,
			MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// DeleteExport handles DELETE /api/exports/{taskID} requests.
func (h *ExportHandler) DeleteExport(w http.ResponseWriter, r *http.Request) {
	taskID, ok := h.taskIDFromRequest(w, r)
	if !ok {
		return
	}

	if err := h.exportService.Delete(r.Context(), taskID); err != nil {
		shared.RespondWithErrorAndLog(w, r,
			MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// DownloadResult handles GET /api/exports/{taskID}/results/{number} requests
// and streams one result segment of a finished task.
func (h *ExportHandler) DownloadResult(w http.ResponseWriter, r *http.Request) {
	taskID, ok := h.taskIDFromRequest(w, r)
	if !ok {
		return
	}

	number, err := strconv.Atoi(chi.URLParam(r, "number"))
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid result number")
		return
	}

	reader, file, err := h.exportService.OpenResult(r.Context(), taskID, number)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r,
			MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}
	defer func() {
		if err := reader.Close(); err != nil {
			slog.Warn("failed to close result reader",
				"task_id", taskID, "number", number, "error", err)
		}
	}()

	w.Header().Set("Content-Type", file.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(file.Size, 10))
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", resultFileName(taskID, file)))
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, reader); err != nil {
		// Headers are already sent; all we can do is log
		slog.Warn("result download interrupted",
			"task_id", taskID, "number", number, "error", err)
	}
}

// taskIDFromRequest parses the taskID URL parameter, writing a 400 response
// on failure.
func (h *ExportHandler) taskIDFromRequest(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	taskID, err := uuid.Parse(chi.URLParam(r, "taskID"))
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid task ID")
		return uuid.Nil, false
	}
	return taskID, true
}

// taskToDTOResponse converts a domain.Task to a TaskResponse.
func taskToDTOResponse(task *domain.Task) TaskResponse {
	resp := TaskResponse{
		ID:             task.ID.String(),
		ContextID:      task.ContextID,
		UserID:         task.UserID,
		Status:         string(task.Status),
		AbortRequested: task.AbortRequested,
		CreatedAt:      task.CreatedAt,
		StartedAt:      task.StartedAt,
		DurationMS:     durationMS(task.Duration),
	}

	for _, item := range task.WorkItems {
		resp.WorkItems = append(resp.WorkItems, WorkItemResponse{
			ModuleID:  item.ModuleID,
			Status:    string(item.Status),
			FailCount: item.FailCount,
		})
	}

	for _, file := range task.ResultFiles {
		resp.ResultFiles = append(resp.ResultFiles, ResultFileResponse{
			Number:      file.Number,
			ContentType: file.ContentType,
			Size:        file.Size,
			DownloadURL: downloadURL(task, file.Number),
		})
	}

	return resp
}

// durationMS converts the task duration to milliseconds, preserving the
// unstarted marker.
func durationMS(d time.Duration) int64 {
	if d < 0 {
		return -1
	}
	return d.Milliseconds()
}

// downloadURL builds an absolute link to one result segment using the host
// info captured at submission time.
func downloadURL(task *domain.Task, number int) string {
	scheme := "http"
	if task.Arguments.HostInfo.Secure {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/api/exports/%s/results/%d",
		scheme, task.Arguments.HostInfo.Host, task.ID, number)
}

// resultFileName derives the attachment name for one segment download.
func resultFileName(taskID uuid.UUID, file *domain.ResultFile) string {
	ext := ""
	if file.ContentType == "application/zip" {
		ext = ".zip"
	}
	return fmt.Sprintf("export-%s-%03d%s", taskID, file.Number, ext)
}
