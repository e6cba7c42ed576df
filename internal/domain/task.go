package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the lifecycle state of an export task.
type TaskStatus string

// Possible task status values. Done, Failed and Aborted are terminal.
const (
	TaskStatusPending TaskStatus = "pending"
	TaskStatusRunning TaskStatus = "running"
	TaskStatusPaused  TaskStatus = "paused"
	TaskStatusDone    TaskStatus = "done"
	TaskStatusFailed  TaskStatus = "failed"
	TaskStatusAborted TaskStatus = "aborted"
)

// Terminal reports whether the status is a final state from which the task
// never transitions again.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusDone, TaskStatusFailed, TaskStatusAborted:
		return true
	default:
		return false
	}
}

// WorkItemStatus represents the lifecycle state of one module's unit of work
// inside a task.
type WorkItemStatus string

// Possible work item status values.
const (
	WorkItemStatusPending WorkItemStatus = "pending"
	WorkItemStatusRunning WorkItemStatus = "running"
	WorkItemStatusPaused  WorkItemStatus = "paused"
	WorkItemStatusDone    WorkItemStatus = "done"
	WorkItemStatusFailed  WorkItemStatus = "failed"
)

// Common validation errors for Task construction.
var (
	ErrEmptyTaskID        = errors.New("task ID cannot be empty")
	ErrInvalidTaskStatus  = errors.New("invalid task status")
	ErrNoModulesRequested = errors.New("task must request at least one module")
	ErrDuplicateModule    = errors.New("module IDs must be unique within a task")
	ErrEmptyFileStorageID = errors.New("file storage ID cannot be empty")
)

// UnstartedDuration is the duration value a task carries until its first
// transition to running.
const UnstartedDuration = time.Duration(-1)

// HostInfo carries the host data needed to generate download links for the
// task's result files.
type HostInfo struct {
	Host   string `json:"host"`
	Secure bool   `json:"secure"`
}

// ModuleArguments selects one module for export together with its
// provider-specific properties.
type ModuleArguments struct {
	ModuleID   string            `json:"module_id"`
	Properties map[string]string `json:"properties,omitempty"`
}

// TaskArguments captures everything the submitter decided about a task:
// which modules to export, per-module properties, the maximum size of one
// result segment and the host info used for link generation.
type TaskArguments struct {
	Modules     []ModuleArguments `json:"modules"`
	MaxFileSize int64             `json:"max_file_size,omitempty"` // 0 means use the configured default
	HostInfo    HostInfo          `json:"host_info"`
}

// ResultFile describes one numbered, downloadable result segment of a
// completed task.
type ResultFile struct {
	Number          int    `json:"number"`
	ContentType     string `json:"content_type"`
	Size            int64  `json:"size"`
	StorageLocation string `json:"storage_location"`
}

// WorkItem is one module's unit of export work within a task. Work items are
// processed strictly sequentially within their task.
type WorkItem struct {
	ModuleID        string         `json:"module_id"`
	Status          WorkItemStatus `json:"status"`
	FailCount       int            `json:"fail_count"`
	SavePoint       []byte         `json:"save_point,omitempty"`
	StorageLocation string         `json:"storage_location,omitempty"`
	Info            []byte         `json:"info,omitempty"`
}

// Task is a single user's export request, composed of one work item per
// requested module. All mutation goes through the store's atomic transition
// operations; the struct itself is a snapshot.
type Task struct {
	ID                  uuid.UUID     `json:"id"`
	ContextID           int64         `json:"context_id"`
	UserID              int64         `json:"user_id"`
	Status              TaskStatus    `json:"status"`
	AbortRequested      bool          `json:"abort_requested"`
	Arguments           TaskArguments `json:"arguments"`
	FileStorageID       string        `json:"file_storage_id"`
	WorkItems           []*WorkItem   `json:"work_items"`
	ResultFiles         []ResultFile  `json:"result_files,omitempty"`
	NotificationPending bool          `json:"notification_pending"`
	CreatedAt           time.Time     `json:"created_at"`
	StartedAt           *time.Time    `json:"started_at,omitempty"`
	Duration            time.Duration `json:"duration"`
	LastTouched         time.Time     `json:"last_touched"`
}

// NewTask creates a pending Task for the given owner with one pending work
// item per requested module. Returns an error if validation fails.
func NewTask(contextID, userID int64, args TaskArguments, fileStorageID string) (*Task, error) {
	now := time.Now().UTC()

	task := &Task{
		ID:                  uuid.New(),
		ContextID:           contextID,
		UserID:              userID,
		Status:              TaskStatusPending,
		Arguments:           args,
		FileStorageID:       fileStorageID,
		NotificationPending: true,
		CreatedAt:           now,
		Duration:            UnstartedDuration,
		LastTouched:         now,
	}

	for _, mod := range args.Modules {
		task.WorkItems = append(task.WorkItems, &WorkItem{
			ModuleID: mod.ModuleID,
			Status:   WorkItemStatusPending,
		})
	}

	if err := task.Validate(); err != nil {
		return nil, err
	}

	return task, nil
}

// Validate checks the structural invariants of a Task.
func (t *Task) Validate() error {
	if t.ID == uuid.Nil {
		return ErrEmptyTaskID
	}

	if !isValidTaskStatus(t.Status) {
		return ErrInvalidTaskStatus
	}

	if t.FileStorageID == "" {
		return ErrEmptyFileStorageID
	}

	if len(t.WorkItems) == 0 {
		return ErrNoModulesRequested
	}

	seen := make(map[string]struct{}, len(t.WorkItems))
	for _, item := range t.WorkItems {
		if _, dup := seen[item.ModuleID]; dup {
			return ErrDuplicateModule
		}
		seen[item.ModuleID] = struct{}{}
	}

	return nil
}

// WorkItem returns the work item for the given module, or nil if the task
// has none.
func (t *Task) WorkItem(moduleID string) *WorkItem {
	for _, item := range t.WorkItems {
		if item.ModuleID == moduleID {
			return item
		}
	}
	return nil
}

// NextPendingWorkItem returns the first work item in stored list order whose
// status is pending and whose module is not in the skip set. Returns nil when
// no such item exists.
func (t *Task) NextPendingWorkItem(skip map[string]struct{}) *WorkItem {
	for _, item := range t.WorkItems {
		if item.Status != WorkItemStatusPending {
			continue
		}
		if _, skipped := skip[item.ModuleID]; skipped {
			continue
		}
		return item
	}
	return nil
}

// AllWorkItemsDone reports whether every work item has completed. A task is
// done iff this holds.
func (t *Task) AllWorkItemsDone() bool {
	for _, item := range t.WorkItems {
		if item.Status != WorkItemStatusDone {
			return false
		}
	}
	return true
}

func isValidTaskStatus(status TaskStatus) bool {
	switch status {
	case TaskStatusPending, TaskStatusRunning, TaskStatusPaused,
		TaskStatusDone, TaskStatusFailed, TaskStatusAborted:
		return true
	default:
		return false
	}
}
