// Package service implements the application operations offered over the
// API: submitting, inspecting, canceling and deleting export tasks, and
// streaming finished result segments.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/phrazzld/takeout-api/internal/domain"
	"github.com/phrazzld/takeout-api/internal/export"
	"github.com/phrazzld/takeout-api/internal/store"
)

// Common sentinel errors for ExportService
var (
	// ErrTaskNotFound indicates that the task does not exist
	ErrTaskNotFound = errors.New("export task not found")

	// ErrTaskAlreadyActive indicates the owner already has a live task
	ErrTaskAlreadyActive = errors.New("an export task is already active for this user")

	// ErrUnknownModule indicates a requested module has no provider
	ErrUnknownModule = errors.New("unknown export module")

	// ErrInvalidModuleArguments indicates a provider rejected its arguments
	ErrInvalidModuleArguments = errors.New("invalid module arguments")

	// ErrModuleUnavailable indicates the user does not have the module
	ErrModuleUnavailable = errors.New("module not available for this user")

	// ErrTaskNotCancelable indicates the task is already terminal
	ErrTaskNotCancelable = errors.New("export task cannot be canceled")

	// ErrTaskStillLive indicates a delete was attempted on a non-terminal task
	ErrTaskStillLive = errors.New("export task is still live")

	// ErrResultNotAvailable indicates the requested result segment does not
	// exist or the task has not finished
	ErrResultNotAvailable = errors.New("result file not available")
)

// ExportServiceError wraps errors from the export service with context.
type ExportServiceError struct {
	// Operation is the operation that failed (e.g., "submit", "cancel")
	Operation string
	// Message is a human-readable description of the error
	Message string
	// Err is the underlying error that caused the failure
	Err error
}

// Error implements the error interface for ExportServiceError.
func (e *ExportServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("export service %s failed: %s: %v", e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("export service %s failed: %s", e.Operation, e.Message)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *ExportServiceError) Unwrap() error {
	return e.Err
}

// newExportServiceError returns known sentinel errors directly and wraps
// everything else with operation context.
func newExportServiceError(operation, message string, err error) error {
	if err == nil {
		return nil
	}

	for _, sentinel := range []error{
		ErrTaskNotFound, ErrTaskAlreadyActive, ErrUnknownModule,
		ErrInvalidModuleArguments, ErrModuleUnavailable,
		ErrTaskNotCancelable, ErrTaskStillLive, ErrResultNotAvailable,
	} {
		if errors.Is(err, sentinel) {
			return sentinel
		}
	}

	if errors.Is(err, store.ErrNotFound) {
		return ErrTaskNotFound
	}
	if errors.Is(err, export.ErrUnknownModule) {
		return ErrUnknownModule
	}

	return &ExportServiceError{
		Operation: operation,
		Message:   message,
		Err:       err,
	}
}

// ExportService provides export-task operations for the API layer.
type ExportService interface {
	// Submit validates the requested modules and creates the owner's export
	// task. At most one live task exists per owner; a second submission
	// fails with ErrTaskAlreadyActive.
	Submit(ctx context.Context, contextID, userID int64, args domain.TaskArguments) (*domain.Task, error)

	// Status returns the owner's current task, preferring a live one over
	// terminal history.
	Status(ctx context.Context, contextID, userID int64) (*domain.Task, error)

	// GetTask returns the task by ID.
	GetTask(ctx context.Context, taskID uuid.UUID) (*domain.Task, error)

	// ListTasks returns task snapshots matching the filter in creation
	// order, for operational inspection across owners.
	ListTasks(ctx context.Context, filter store.TaskFilter) ([]*domain.Task, error)

	// Cancel requests the task's abort. Running tasks stop cooperatively;
	// idle ones abort immediately.
	Cancel(ctx context.Context, taskID uuid.UUID) error

	// Delete removes a terminal task together with its stored artifacts.
	Delete(ctx context.Context, taskID uuid.UUID) error

	// OpenResult streams one numbered result segment of a finished task.
	OpenResult(ctx context.Context, taskID uuid.UUID, number int) (io.ReadCloser, *domain.ResultFile, error)
}

// exportServiceImpl implements the ExportService interface.
type exportServiceImpl struct {
	store              store.TaskStore
	registry           *export.Registry
	storage            export.FileStorage
	defaultMaxFileSize int64
	logger             *slog.Logger
}

// NewExportService creates an ExportService. defaultMaxFileSize is applied
// to submissions that do not pick a segment size themselves.
func NewExportService(
	taskStore store.TaskStore,
	registry *export.Registry,
	storage export.FileStorage,
	defaultMaxFileSize int64,
	logger *slog.Logger,
) (ExportService, error) {
	if taskStore == nil {
		return nil, errors.New("task store cannot be nil")
	}
	if registry == nil {
		return nil, errors.New("provider registry cannot be nil")
	}
	if storage == nil {
		return nil, errors.New("file storage cannot be nil")
	}
	if defaultMaxFileSize <= 0 {
		return nil, fmt.Errorf("default max file size must be positive, got %d", defaultMaxFileSize)
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	return &exportServiceImpl{
		store:              taskStore,
		registry:           registry,
		storage:            storage,
		defaultMaxFileSize: defaultMaxFileSize,
		logger:             logger.With("component", "export_service"),
	}, nil
}

// Submit implements ExportService.Submit.
func (s *exportServiceImpl) Submit(ctx context.Context, contextID, userID int64, args domain.TaskArguments) (*domain.Task, error) {
	for _, mod := range args.Modules {
		provider, err := s.registry.Get(mod.ModuleID)
		if err != nil {
			return nil, newExportServiceError("submit", "module lookup", err)
		}

		ok, err := provider.CheckArguments(ctx, mod)
		if err != nil {
			return nil, newExportServiceError("submit", "argument check", err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: module %q", ErrInvalidModuleArguments, mod.ModuleID)
		}

		available, err := provider.Available(ctx, contextID, userID)
		if err != nil {
			return nil, newExportServiceError("submit", "availability check", err)
		}
		if !available {
			return nil, fmt.Errorf("%w: module %q", ErrModuleUnavailable, mod.ModuleID)
		}
	}

	if args.MaxFileSize <= 0 {
		args.MaxFileSize = s.defaultMaxFileSize
	}

	task, err := domain.NewTask(contextID, userID, args, s.storage.ID())
	if err != nil {
		return nil, newExportServiceError("submit", "task construction", err)
	}

	created, err := s.store.CreateIfAbsent(ctx, task)
	if err != nil {
		return nil, newExportServiceError("submit", "task creation", err)
	}
	if !created {
		return nil, ErrTaskAlreadyActive
	}

	s.logger.InfoContext(ctx, "export task submitted",
		"task_id", task.ID,
		"user_id", userID,
		"modules", len(args.Modules))
	return task, nil
}

// Status implements ExportService.Status.
func (s *exportServiceImpl) Status(ctx context.Context, contextID, userID int64) (*domain.Task, error) {
	task, err := s.store.GetTaskByOwner(ctx, contextID, userID)
	if err != nil {
		return nil, newExportServiceError("status", "task lookup", err)
	}
	return task, nil
}

// GetTask implements ExportService.GetTask.
func (s *exportServiceImpl) GetTask(ctx context.Context, taskID uuid.UUID) (*domain.Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, newExportServiceError("get_task", "task lookup", err)
	}
	return task, nil
}

// ListTasks implements ExportService.ListTasks.
func (s *exportServiceImpl) ListTasks(ctx context.Context, filter store.TaskFilter) ([]*domain.Task, error) {
	tasks, err := s.store.FindTasks(ctx, filter)
	if err != nil {
		return nil, newExportServiceError("list_tasks", "task query", err)
	}
	return tasks, nil
}

// Cancel implements ExportService.Cancel.
func (s *exportServiceImpl) Cancel(ctx context.Context, taskID uuid.UUID) error {
	ok, err := s.store.RequestAbort(ctx, taskID)
	if err != nil {
		return newExportServiceError("cancel", "abort request", err)
	}
	if !ok {
		return ErrTaskNotCancelable
	}

	s.logger.InfoContext(ctx, "export task cancellation requested", "task_id", taskID)
	return nil
}

// Delete implements ExportService.Delete. Artifacts are removed first so a
// crash between the two steps leaves a deletable task, not orphaned files.
func (s *exportServiceImpl) Delete(ctx context.Context, taskID uuid.UUID) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return newExportServiceError("delete", "task lookup", err)
	}
	if !task.Status.Terminal() {
		return ErrTaskStillLive
	}

	for _, item := range task.WorkItems {
		segments, err := domain.DecodeResultFiles(item.StorageLocation)
		if err != nil {
			continue
		}
		for _, segment := range segments {
			if err := s.storage.Delete(ctx, segment.StorageLocation); err != nil {
				s.logger.ErrorContext(ctx, "failed to delete segment",
					"task_id", taskID,
					"location", segment.StorageLocation,
					"error", err)
			}
		}
	}

	ok, err := s.store.DeleteTask(ctx, taskID)
	if err != nil {
		return newExportServiceError("delete", "task deletion", err)
	}
	if !ok {
		return ErrTaskStillLive
	}

	s.logger.InfoContext(ctx, "export task deleted", "task_id", taskID)
	return nil
}

// OpenResult implements ExportService.OpenResult.
func (s *exportServiceImpl) OpenResult(ctx context.Context, taskID uuid.UUID, number int) (io.ReadCloser, *domain.ResultFile, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, nil, newExportServiceError("open_result", "task lookup", err)
	}
	if task.Status != domain.TaskStatusDone {
		return nil, nil, fmt.Errorf("%w: task is %s", ErrResultNotAvailable, task.Status)
	}

	for i := range task.ResultFiles {
		file := &task.ResultFiles[i]
		if file.Number != number {
			continue
		}
		reader, err := s.storage.Open(ctx, file.StorageLocation)
		if err != nil {
			return nil, nil, newExportServiceError("open_result", "segment open", err)
		}
		return reader, file, nil
	}

	return nil, nil, fmt.Errorf("%w: no segment %d", ErrResultNotAvailable, number)
}
