// Package store defines the durable task/work-item state store: the set of
// atomic transition operations that form the concurrency-control backbone of
// export processing. Every mutating operation is a single logical
// compare-and-set against the stored record and reports whether its
// precondition held, so two workers racing on the same record can never both
// win.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/takeout-api/internal/domain"
)

// TaskFilter narrows FindTasks results. Zero values mean "any".
type TaskFilter struct {
	Status        domain.TaskStatus
	FileStorageID string
	TouchedBefore time.Time
}

// TaskStore is the durable store of export tasks and their work items.
//
// Transition methods return (false, nil) when the record exists but its
// current state fails the precondition; the caller lost the race and must
// not assume ownership. They return ErrNotFound when the record does not
// exist at all.
type TaskStore interface {
	// CreateIfAbsent persists the task unless its owner (context, user) pair
	// already has a non-terminal task. Returns false and leaves the existing
	// task unmodified in that case.
	CreateIfAbsent(ctx context.Context, task *domain.Task) (bool, error)

	// GetTask returns a snapshot of the task with all work items.
	GetTask(ctx context.Context, taskID uuid.UUID) (*domain.Task, error)

	// GetTaskByOwner returns the owner's task, preferring a non-terminal one
	// over the most recently created terminal one.
	GetTaskByOwner(ctx context.Context, contextID, userID int64) (*domain.Task, error)

	// FindTasks lists task snapshots matching the filter, ordered by
	// creation time.
	FindTasks(ctx context.Context, filter TaskFilter) ([]*domain.Task, error)

	// ClaimNextRunnable atomically selects one pending or paused task
	// without a pending abort, flips it to running and returns it. This is
	// the cross-node mutual-exclusion primitive: concurrent claims against
	// one eligible task succeed exactly once. Returns ErrNotFound when no
	// task is eligible.
	ClaimNextRunnable(ctx context.Context) (*domain.Task, error)

	// MarkPaused transitions a running task to paused.
	MarkPaused(ctx context.Context, taskID uuid.UUID) (bool, error)

	// MarkDone transitions a running task whose work items are all done to
	// done and records its downloadable result files.
	MarkDone(ctx context.Context, taskID uuid.UUID, results []domain.ResultFile) (bool, error)

	// MarkFailed transitions a running task to failed.
	MarkFailed(ctx context.Context, taskID uuid.UUID) (bool, error)

	// MarkAborted transitions a running task to aborted.
	MarkAborted(ctx context.Context, taskID uuid.UUID) (bool, error)

	// MarkPending transitions a paused task back to pending.
	MarkPending(ctx context.Context, taskID uuid.UUID) (bool, error)

	// RequestAbort cancels a task: a pending or paused task is aborted
	// immediately, a running task gets its abort marker set for the worker
	// to observe between items. Terminal tasks report false.
	RequestAbort(ctx context.Context, taskID uuid.UUID) (bool, error)

	// MarkWorkItemRunning transitions a pending work item of a running task
	// to running.
	MarkWorkItemRunning(ctx context.Context, taskID uuid.UUID, moduleID string) (bool, error)

	// MarkWorkItemDone transitions a running work item to done and records
	// its artifact location and diagnostics blob.
	MarkWorkItemDone(ctx context.Context, taskID uuid.UUID, moduleID, storageLocation string, info []byte) (bool, error)

	// MarkWorkItemPaused transitions a running work item to paused.
	MarkWorkItemPaused(ctx context.Context, taskID uuid.UUID, moduleID string, info []byte) (bool, error)

	// MarkWorkItemPending transitions a running or paused work item back to
	// pending so it is retried on a later claim.
	MarkWorkItemPending(ctx context.Context, taskID uuid.UUID, moduleID string) (bool, error)

	// MarkWorkItemFailed charges one failure against a running work item and
	// transitions it to failed. While the fail budget lasts a later claim
	// returns the item to pending; once the budget is exhausted the owning
	// task fails with it and is never retried automatically.
	MarkWorkItemFailed(ctx context.Context, taskID uuid.UUID, moduleID string) (bool, error)

	// SetWorkItemLocation records the work item's intermediate artifact
	// reference without changing its status, so partial segments survive a
	// pause or crash.
	SetWorkItemLocation(ctx context.Context, taskID uuid.UUID, moduleID, storageLocation string) error

	// SetSavePoint persists the provider's opaque checkpoint for the
	// (task, module) pair, replacing any previous one.
	SetSavePoint(ctx context.Context, taskID uuid.UUID, moduleID string, savepoint []byte) error

	// GetSavePoint retrieves the persisted checkpoint, or nil when none was
	// recorded.
	GetSavePoint(ctx context.Context, taskID uuid.UUID, moduleID string) ([]byte, error)

	// IncrementFailCount charges one retry attempt against the work item's
	// fail budget without changing its status. Returns false once the budget
	// is exhausted; the count never exceeds the configured maximum.
	IncrementFailCount(ctx context.Context, taskID uuid.UUID, moduleID string) (bool, error)

	// ClearNotification records that the task's owner has been notified of
	// its terminal state, so the reaper does not notify again.
	ClearNotification(ctx context.Context, taskID uuid.UUID) error

	// Touch updates the task's last-touched stamp, the basis for stale-task
	// reclamation.
	Touch(ctx context.Context, taskID uuid.UUID) error

	// AddDuration adds processing time to the task's cumulative duration.
	AddDuration(ctx context.Context, taskID uuid.UUID, delta time.Duration) error

	// ReapStalled returns running tasks untouched for longer than the given
	// age to pending so another node can claim them. Returns how many tasks
	// were reclaimed.
	ReapStalled(ctx context.Context, olderThan time.Duration) (int, error)

	// DeleteExpired removes terminal tasks past their retention: done and
	// failed tasks older than terminalTTL, aborted tasks older than
	// abortedTTL (both measured against the last-touched stamp). Returns the
	// deleted tasks so callers can clean up stored artifacts and deliver
	// still-owed notifications.
	DeleteExpired(ctx context.Context, terminalTTL, abortedTTL time.Duration) ([]*domain.Task, error)

	// DeleteTask removes a terminal task. Returns false while the task is
	// still live.
	DeleteTask(ctx context.Context, taskID uuid.UUID) (bool, error)
}
