package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/takeout-api/internal/domain"
)

// MemoryTaskStore is a mutex-guarded in-memory TaskStore with the same
// compare-and-set semantics as the postgres implementation. It backs
// single-node deployments and the dispatcher/service tests.
type MemoryTaskStore struct {
	mu           sync.Mutex
	tasks        map[uuid.UUID]*domain.Task
	maxFailCount int
}

// NewMemoryTaskStore creates an empty store enforcing the given per-work-item
// fail budget.
func NewMemoryTaskStore(maxFailCount int) *MemoryTaskStore {
	return &MemoryTaskStore{
		tasks:        make(map[uuid.UUID]*domain.Task),
		maxFailCount: maxFailCount,
	}
}

// copyTask deep-copies a task so callers can never mutate stored state
// without going through a transition operation.
func copyTask(t *domain.Task) *domain.Task {
	clone := *t

	clone.WorkItems = make([]*domain.WorkItem, len(t.WorkItems))
	for i, item := range t.WorkItems {
		itemClone := *item
		itemClone.SavePoint = append([]byte(nil), item.SavePoint...)
		itemClone.Info = append([]byte(nil), item.Info...)
		clone.WorkItems[i] = &itemClone
	}

	clone.ResultFiles = append([]domain.ResultFile(nil), t.ResultFiles...)

	if t.StartedAt != nil {
		started := *t.StartedAt
		clone.StartedAt = &started
	}

	return &clone
}

// CreateIfAbsent persists the task unless the owner already has a live one.
func (s *MemoryTaskStore) CreateIfAbsent(ctx context.Context, task *domain.Task) (bool, error) {
	if err := task.Validate(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.tasks {
		if existing.ContextID == task.ContextID &&
			existing.UserID == task.UserID &&
			!existing.Status.Terminal() {
			return false, nil
		}
	}

	s.tasks[task.ID] = copyTask(task)
	return true, nil
}

// GetTask returns a snapshot of the task.
func (s *MemoryTaskStore) GetTask(ctx context.Context, taskID uuid.UUID) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTask(task), nil
}

// GetTaskByOwner returns the owner's live task, or failing that the most
// recently created terminal one.
func (s *MemoryTaskStore) GetTaskByOwner(ctx context.Context, contextID, userID int64) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *domain.Task
	for _, task := range s.tasks {
		if task.ContextID != contextID || task.UserID != userID {
			continue
		}
		if !task.Status.Terminal() {
			return copyTask(task), nil
		}
		if best == nil || task.CreatedAt.After(best.CreatedAt) {
			best = task
		}
	}

	if best == nil {
		return nil, ErrNotFound
	}
	return copyTask(best), nil
}

// FindTasks lists snapshots matching the filter in creation order.
func (s *MemoryTaskStore) FindTasks(ctx context.Context, filter TaskFilter) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Task
	for _, task := range s.tasks {
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		if filter.FileStorageID != "" && task.FileStorageID != filter.FileStorageID {
			continue
		}
		if !filter.TouchedBefore.IsZero() && !task.LastTouched.Before(filter.TouchedBefore) {
			continue
		}
		out = append(out, copyTask(task))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ClaimNextRunnable flips the oldest eligible task to running.
func (s *MemoryTaskStore) ClaimNextRunnable(ctx context.Context) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next *domain.Task
	for _, task := range s.tasks {
		if task.Status != domain.TaskStatusPending && task.Status != domain.TaskStatusPaused {
			continue
		}
		if task.AbortRequested {
			continue
		}
		if next == nil || task.CreatedAt.Before(next.CreatedAt) {
			next = task
		}
	}

	if next == nil {
		return nil, ErrNotFound
	}

	now := time.Now().UTC()
	next.Status = domain.TaskStatusRunning
	if next.StartedAt == nil {
		started := now
		next.StartedAt = &started
		next.Duration = 0
	}
	// Paused items resume from their savepoints; failed items with budget
	// left get their automatic retry.
	for _, item := range next.WorkItems {
		switch {
		case item.Status == domain.WorkItemStatusPaused:
			item.Status = domain.WorkItemStatusPending
		case item.Status == domain.WorkItemStatusFailed && item.FailCount < s.maxFailCount:
			item.Status = domain.WorkItemStatusPending
		}
	}
	next.LastTouched = now

	return copyTask(next), nil
}

// transition applies fn to the task when its status matches from.
func (s *MemoryTaskStore) transition(taskID uuid.UUID, from []domain.TaskStatus, fn func(*domain.Task)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return false, ErrNotFound
	}

	matched := false
	for _, status := range from {
		if task.Status == status {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}

	fn(task)
	task.LastTouched = time.Now().UTC()
	return true, nil
}

// MarkPaused transitions a running task to paused.
func (s *MemoryTaskStore) MarkPaused(ctx context.Context, taskID uuid.UUID) (bool, error) {
	return s.transition(taskID, []domain.TaskStatus{domain.TaskStatusRunning}, func(t *domain.Task) {
		t.Status = domain.TaskStatusPaused
	})
}

// MarkDone transitions a running task to done with its result files.
func (s *MemoryTaskStore) MarkDone(ctx context.Context, taskID uuid.UUID, results []domain.ResultFile) (bool, error) {
	return s.transition(taskID, []domain.TaskStatus{domain.TaskStatusRunning}, func(t *domain.Task) {
		t.Status = domain.TaskStatusDone
		t.ResultFiles = append([]domain.ResultFile(nil), results...)
	})
}

// MarkFailed transitions a running task to failed.
func (s *MemoryTaskStore) MarkFailed(ctx context.Context, taskID uuid.UUID) (bool, error) {
	return s.transition(taskID, []domain.TaskStatus{domain.TaskStatusRunning}, func(t *domain.Task) {
		t.Status = domain.TaskStatusFailed
	})
}

// MarkAborted transitions a running task to aborted.
func (s *MemoryTaskStore) MarkAborted(ctx context.Context, taskID uuid.UUID) (bool, error) {
	return s.transition(taskID, []domain.TaskStatus{domain.TaskStatusRunning}, func(t *domain.Task) {
		t.Status = domain.TaskStatusAborted
		t.AbortRequested = false
	})
}

// MarkPending transitions a paused task back to pending.
func (s *MemoryTaskStore) MarkPending(ctx context.Context, taskID uuid.UUID) (bool, error) {
	return s.transition(taskID, []domain.TaskStatus{domain.TaskStatusPaused}, func(t *domain.Task) {
		t.Status = domain.TaskStatusPending
	})
}

// RequestAbort cancels the task, immediately when idle, cooperatively via
// the abort marker when running.
func (s *MemoryTaskStore) RequestAbort(ctx context.Context, taskID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return false, ErrNotFound
	}

	switch task.Status {
	case domain.TaskStatusPending, domain.TaskStatusPaused:
		task.Status = domain.TaskStatusAborted
		task.LastTouched = time.Now().UTC()
		return true, nil
	case domain.TaskStatusRunning:
		task.AbortRequested = true
		task.LastTouched = time.Now().UTC()
		return true, nil
	default:
		return false, nil
	}
}

// itemTransition applies fn to the work item when its status matches from.
func (s *MemoryTaskStore) itemTransition(taskID uuid.UUID, moduleID string, from []domain.WorkItemStatus, fn func(*domain.Task, *domain.WorkItem)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return false, ErrNotFound
	}

	item := task.WorkItem(moduleID)
	if item == nil {
		return false, ErrNotFound
	}

	matched := false
	for _, status := range from {
		if item.Status == status {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}

	fn(task, item)
	task.LastTouched = time.Now().UTC()
	return true, nil
}

// MarkWorkItemRunning transitions a pending work item to running.
func (s *MemoryTaskStore) MarkWorkItemRunning(ctx context.Context, taskID uuid.UUID, moduleID string) (bool, error) {
	return s.itemTransition(taskID, moduleID,
		[]domain.WorkItemStatus{domain.WorkItemStatusPending},
		func(_ *domain.Task, item *domain.WorkItem) {
			item.Status = domain.WorkItemStatusRunning
		})
}

// MarkWorkItemDone completes a running work item.
func (s *MemoryTaskStore) MarkWorkItemDone(ctx context.Context, taskID uuid.UUID, moduleID, storageLocation string, info []byte) (bool, error) {
	return s.itemTransition(taskID, moduleID,
		[]domain.WorkItemStatus{domain.WorkItemStatusRunning},
		func(_ *domain.Task, item *domain.WorkItem) {
			item.Status = domain.WorkItemStatusDone
			item.StorageLocation = storageLocation
			item.Info = append([]byte(nil), info...)
		})
}

// MarkWorkItemPaused pauses a running work item.
func (s *MemoryTaskStore) MarkWorkItemPaused(ctx context.Context, taskID uuid.UUID, moduleID string, info []byte) (bool, error) {
	return s.itemTransition(taskID, moduleID,
		[]domain.WorkItemStatus{domain.WorkItemStatusRunning},
		func(_ *domain.Task, item *domain.WorkItem) {
			item.Status = domain.WorkItemStatusPaused
			if info != nil {
				item.Info = append([]byte(nil), info...)
			}
		})
}

// MarkWorkItemPending returns a running or paused work item to pending.
func (s *MemoryTaskStore) MarkWorkItemPending(ctx context.Context, taskID uuid.UUID, moduleID string) (bool, error) {
	return s.itemTransition(taskID, moduleID,
		[]domain.WorkItemStatus{domain.WorkItemStatusRunning, domain.WorkItemStatusPaused},
		func(_ *domain.Task, item *domain.WorkItem) {
			item.Status = domain.WorkItemStatusPending
		})
}

// MarkWorkItemFailed charges one failure and fails the item. A later claim
// re-pends the item while budget remains; once the budget is exhausted the
// owning task fails with it.
func (s *MemoryTaskStore) MarkWorkItemFailed(ctx context.Context, taskID uuid.UUID, moduleID string) (bool, error) {
	return s.itemTransition(taskID, moduleID,
		[]domain.WorkItemStatus{domain.WorkItemStatusRunning},
		func(task *domain.Task, item *domain.WorkItem) {
			if item.FailCount < s.maxFailCount {
				item.FailCount++
			}
			item.Status = domain.WorkItemStatusFailed
			if item.FailCount >= s.maxFailCount && task.Status == domain.TaskStatusRunning {
				task.Status = domain.TaskStatusFailed
			}
		})
}

// SetWorkItemLocation records the work item's intermediate artifact
// reference without changing its status.
func (s *MemoryTaskStore) SetWorkItemLocation(ctx context.Context, taskID uuid.UUID, moduleID, storageLocation string) error {
	_, err := s.itemTransition(taskID, moduleID,
		[]domain.WorkItemStatus{
			domain.WorkItemStatusPending, domain.WorkItemStatusRunning,
			domain.WorkItemStatusPaused, domain.WorkItemStatusDone,
			domain.WorkItemStatusFailed,
		},
		func(_ *domain.Task, item *domain.WorkItem) {
			item.StorageLocation = storageLocation
		})
	return err
}

// SetSavePoint persists the provider's checkpoint for the work item.
func (s *MemoryTaskStore) SetSavePoint(ctx context.Context, taskID uuid.UUID, moduleID string, savepoint []byte) error {
	_, err := s.itemTransition(taskID, moduleID,
		[]domain.WorkItemStatus{
			domain.WorkItemStatusPending, domain.WorkItemStatusRunning,
			domain.WorkItemStatusPaused, domain.WorkItemStatusDone,
			domain.WorkItemStatusFailed,
		},
		func(_ *domain.Task, item *domain.WorkItem) {
			item.SavePoint = append([]byte(nil), savepoint...)
		})
	return err
}

// GetSavePoint retrieves the persisted checkpoint, nil when none exists.
func (s *MemoryTaskStore) GetSavePoint(ctx context.Context, taskID uuid.UUID, moduleID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	item := task.WorkItem(moduleID)
	if item == nil {
		return nil, ErrNotFound
	}
	return append([]byte(nil), item.SavePoint...), nil
}

// IncrementFailCount charges a retry against the fail budget without a
// status change. Returns false once the budget is spent.
func (s *MemoryTaskStore) IncrementFailCount(ctx context.Context, taskID uuid.UUID, moduleID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return false, ErrNotFound
	}
	item := task.WorkItem(moduleID)
	if item == nil {
		return false, ErrNotFound
	}

	if item.FailCount >= s.maxFailCount {
		return false, nil
	}
	item.FailCount++
	task.LastTouched = time.Now().UTC()
	return item.FailCount < s.maxFailCount, nil
}

// ClearNotification records that the task's owner was notified.
func (s *MemoryTaskStore) ClearNotification(ctx context.Context, taskID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	task.NotificationPending = false
	return nil
}

// Touch refreshes the task's last-touched stamp.
func (s *MemoryTaskStore) Touch(ctx context.Context, taskID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	task.LastTouched = time.Now().UTC()
	return nil
}

// AddDuration accumulates processing time on the task.
func (s *MemoryTaskStore) AddDuration(ctx context.Context, taskID uuid.UUID, delta time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	if task.Duration < 0 {
		task.Duration = 0
	}
	task.Duration += delta
	return nil
}

// ReapStalled returns stale running tasks to pending.
func (s *MemoryTaskStore) ReapStalled(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan)
	reclaimed := 0

	for _, task := range s.tasks {
		if task.Status != domain.TaskStatusRunning || !task.LastTouched.Before(cutoff) {
			continue
		}

		task.Status = domain.TaskStatusPending
		task.LastTouched = time.Now().UTC()
		for _, item := range task.WorkItems {
			if item.Status == domain.WorkItemStatusRunning {
				item.Status = domain.WorkItemStatusPending
			}
		}
		reclaimed++
	}

	return reclaimed, nil
}

// DeleteExpired removes terminal tasks past retention and returns the
// deleted snapshots so callers can clean up artifacts and owed
// notifications.
func (s *MemoryTaskStore) DeleteExpired(ctx context.Context, terminalTTL, abortedTTL time.Duration) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var deleted []*domain.Task

	for id, task := range s.tasks {
		var ttl time.Duration
		switch task.Status {
		case domain.TaskStatusDone, domain.TaskStatusFailed:
			ttl = terminalTTL
		case domain.TaskStatusAborted:
			ttl = abortedTTL
		default:
			continue
		}

		if now.Sub(task.LastTouched) <= ttl {
			continue
		}

		deleted = append(deleted, copyTask(task))
		delete(s.tasks, id)
	}

	sort.Slice(deleted, func(i, j int) bool { return deleted[i].CreatedAt.Before(deleted[j].CreatedAt) })
	return deleted, nil
}

// DeleteTask removes a terminal task.
func (s *MemoryTaskStore) DeleteTask(ctx context.Context, taskID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return false, ErrNotFound
	}
	if !task.Status.Terminal() {
		return false, nil
	}

	delete(s.tasks, taskID)
	return true, nil
}

var _ TaskStore = (*MemoryTaskStore)(nil)
