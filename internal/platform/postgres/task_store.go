// Package postgres implements the store interfaces on PostgreSQL. All state
// transitions are conditional UPDATEs so concurrent nodes race safely, and
// the claim primitive leans on FOR UPDATE SKIP LOCKED.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/takeout-api/internal/domain"
	"github.com/phrazzld/takeout-api/internal/platform/logger"
	"github.com/phrazzld/takeout-api/internal/store"
)

// taskColumns is the column list every task query scans, in scanTask order.
const taskColumns = `id, context_id, user_id, status, abort_requested, arguments,
	file_storage_id, result_files, notification_pending, created_at, started_at,
	duration_ms, last_touched`

// liveStatuses guards the partial unique index: at most one task per owner
// may be in one of these.
const liveStatuses = `'pending', 'running', 'paused'`

// terminalStatuses are the statuses a task never leaves.
const terminalStatuses = `'done', 'failed', 'aborted'`

// PostgresTaskStore implements the store.TaskStore interface using PostgreSQL.
type PostgresTaskStore struct {
	db           *sql.DB
	maxFailCount int
}

// NewPostgresTaskStore creates a new PostgresTaskStore. maxFailCount is the
// per-work-item fail budget.
func NewPostgresTaskStore(db *sql.DB, maxFailCount int) *PostgresTaskStore {
	return &PostgresTaskStore{
		db:           db,
		maxFailCount: maxFailCount,
	}
}

// rowScanner abstracts *sql.Row and *sql.Rows for scanTask.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanTask reads one task row. Work items are loaded separately.
func scanTask(row rowScanner) (*domain.Task, error) {
	var (
		task        domain.Task
		arguments   []byte
		resultFiles []byte
		startedAt   sql.NullTime
		durationMS  int64
	)

	err := row.Scan(
		&task.ID,
		&task.ContextID,
		&task.UserID,
		&task.Status,
		&task.AbortRequested,
		&arguments,
		&task.FileStorageID,
		&resultFiles,
		&task.NotificationPending,
		&task.CreatedAt,
		&startedAt,
		&durationMS,
		&task.LastTouched,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(arguments, &task.Arguments); err != nil {
		return nil, fmt.Errorf("failed to decode task arguments: %w", err)
	}
	if len(resultFiles) > 0 {
		if err := json.Unmarshal(resultFiles, &task.ResultFiles); err != nil {
			return nil, fmt.Errorf("failed to decode result files: %w", err)
		}
	}
	if startedAt.Valid {
		started := startedAt.Time.UTC()
		task.StartedAt = &started
	}
	if durationMS < 0 {
		task.Duration = domain.UnstartedDuration
	} else {
		task.Duration = time.Duration(durationMS) * time.Millisecond
	}
	task.CreatedAt = task.CreatedAt.UTC()
	task.LastTouched = task.LastTouched.UTC()

	return &task, nil
}

// loadWorkItems attaches the task's work items in submission order.
func loadWorkItems(ctx context.Context, q store.DBTX, task *domain.Task) error {
	rows, err := q.QueryContext(ctx, `
		SELECT module_id, status, fail_count, save_point, storage_location, info
		FROM export_work_items
		WHERE task_id = $1
		ORDER BY position
	`, task.ID)
	if err != nil {
		return MapError(err)
	}
	defer func() { _ = rows.Close() }()

	task.WorkItems = nil
	for rows.Next() {
		var item domain.WorkItem
		if err := rows.Scan(
			&item.ModuleID,
			&item.Status,
			&item.FailCount,
			&item.SavePoint,
			&item.StorageLocation,
			&item.Info,
		); err != nil {
			return MapError(err)
		}
		task.WorkItems = append(task.WorkItems, &item)
	}
	return MapError(rows.Err())
}

// getTask loads one full task through the given queryer.
func getTask(ctx context.Context, q store.DBTX, taskID uuid.UUID) (*domain.Task, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM export_tasks WHERE id = $1`, taskID)
	task, err := scanTask(row)
	if err != nil {
		return nil, MapError(err)
	}
	if err := loadWorkItems(ctx, q, task); err != nil {
		return nil, err
	}
	return task, nil
}

// CreateIfAbsent inserts the task and its work items. The partial unique
// index on live (context_id, user_id) pairs turns a concurrent second
// submission into a unique violation, reported as (false, nil).
func (s *PostgresTaskStore) CreateIfAbsent(ctx context.Context, task *domain.Task) (bool, error) {
	if err := task.Validate(); err != nil {
		return false, err
	}

	arguments, err := json.Marshal(task.Arguments)
	if err != nil {
		return false, fmt.Errorf("failed to encode task arguments: %w", err)
	}

	err = store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO export_tasks (id, context_id, user_id, status, abort_requested,
				arguments, file_storage_id, notification_pending, created_at, duration_ms,
				last_touched)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`,
			task.ID,
			task.ContextID,
			task.UserID,
			task.Status,
			task.AbortRequested,
			arguments,
			task.FileStorageID,
			task.NotificationPending,
			task.CreatedAt,
			int64(-1),
			task.LastTouched,
		)
		if err != nil {
			return err
		}

		for position, item := range task.WorkItems {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO export_work_items (task_id, module_id, position, status,
					fail_count, save_point, storage_location, info)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			`,
				task.ID,
				item.ModuleID,
				position,
				item.Status,
				item.FailCount,
				item.SavePoint,
				item.StorageLocation,
				item.Info,
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if IsUniqueViolation(err) {
			logger.FromContext(ctx).Debug("owner already has a live task",
				"context_id", task.ContextID,
				"user_id", task.UserID)
			return false, nil
		}
		return false, MapError(err)
	}
	return true, nil
}

// GetTask returns the task with its work items.
func (s *PostgresTaskStore) GetTask(ctx context.Context, taskID uuid.UUID) (*domain.Task, error) {
	return getTask(ctx, s.db, taskID)
}

// GetTaskByOwner returns the owner's live task, or failing that the most
// recently created terminal one.
func (s *PostgresTaskStore) GetTaskByOwner(ctx context.Context, contextID, userID int64) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM export_tasks
		WHERE context_id = $1 AND user_id = $2
		ORDER BY (status IN (`+liveStatuses+`)) DESC, created_at DESC
		LIMIT 1
	`, contextID, userID)

	task, err := scanTask(row)
	if err != nil {
		return nil, MapError(err)
	}
	if err := loadWorkItems(ctx, s.db, task); err != nil {
		return nil, err
	}
	return task, nil
}

// FindTasks lists tasks matching the filter in creation order.
func (s *PostgresTaskStore) FindTasks(ctx context.Context, filter store.TaskFilter) ([]*domain.Task, error) {
	var (
		conditions []string
		args       []any
	)
	if filter.Status != "" {
		args = append(args, filter.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.FileStorageID != "" {
		args = append(args, filter.FileStorageID)
		conditions = append(conditions, fmt.Sprintf("file_storage_id = $%d", len(args)))
	}
	if !filter.TouchedBefore.IsZero() {
		args = append(args, filter.TouchedBefore)
		conditions = append(conditions, fmt.Sprintf("last_touched < $%d", len(args)))
	}

	query := `SELECT ` + taskColumns + ` FROM export_tasks`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, MapError(err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}

	for _, task := range tasks {
		if err := loadWorkItems(ctx, s.db, task); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

// ClaimNextRunnable locks the oldest claimable task with SKIP LOCKED so
// concurrent nodes never double-claim, then flips it to running.
func (s *PostgresTaskStore) ClaimNextRunnable(ctx context.Context) (*domain.Task, error) {
	var claimed *domain.Task

	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		var taskID uuid.UUID
		err := tx.QueryRowContext(ctx, `
			SELECT id
			FROM export_tasks
			WHERE status IN ('pending', 'paused') AND NOT abort_requested
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		`).Scan(&taskID)
		if err != nil {
			return MapError(err)
		}

		now := time.Now().UTC()
		_, err = tx.ExecContext(ctx, `
			UPDATE export_tasks
			SET status = 'running',
				started_at = COALESCE(started_at, $2),
				duration_ms = GREATEST(duration_ms, 0),
				last_touched = $2
			WHERE id = $1
		`, taskID, now)
		if err != nil {
			return MapError(err)
		}

		// Paused items resume from their savepoints; failed items with
		// budget left get their automatic retry.
		_, err = tx.ExecContext(ctx, `
			UPDATE export_work_items
			SET status = 'pending'
			WHERE task_id = $1
			  AND (status = 'paused' OR (status = 'failed' AND fail_count < $2))
		`, taskID, s.maxFailCount)
		if err != nil {
			return MapError(err)
		}

		claimed, err = getTask(ctx, tx, taskID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// execTask runs a conditional task UPDATE. Zero affected rows means either
// the precondition failed (false, nil) or the task is gone (ErrNotFound).
func (s *PostgresTaskStore) execTask(ctx context.Context, taskID uuid.UUID, query string, args ...any) (bool, error) {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, MapError(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected > 0 {
		return true, nil
	}
	return false, s.requireTask(ctx, s.db, taskID)
}

// requireTask returns store.ErrNotFound when the task does not exist.
func (s *PostgresTaskStore) requireTask(ctx context.Context, q store.DBTX, taskID uuid.UUID) error {
	var exists bool
	err := q.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM export_tasks WHERE id = $1)`, taskID).Scan(&exists)
	if err != nil {
		return MapError(err)
	}
	if !exists {
		return store.ErrNotFound
	}
	return nil
}

// MarkPaused transitions a running task to paused.
func (s *PostgresTaskStore) MarkPaused(ctx context.Context, taskID uuid.UUID) (bool, error) {
	return s.execTask(ctx, taskID, `
		UPDATE export_tasks
		SET status = 'paused', last_touched = $2
		WHERE id = $1 AND status = 'running'
	`, taskID, time.Now().UTC())
}

// MarkDone transitions a running task to done with its result files.
func (s *PostgresTaskStore) MarkDone(ctx context.Context, taskID uuid.UUID, results []domain.ResultFile) (bool, error) {
	encoded, err := json.Marshal(results)
	if err != nil {
		return false, fmt.Errorf("failed to encode result files: %w", err)
	}
	return s.execTask(ctx, taskID, `
		UPDATE export_tasks
		SET status = 'done', result_files = $2, last_touched = $3
		WHERE id = $1 AND status = 'running'
	`, taskID, encoded, time.Now().UTC())
}

// MarkFailed transitions a running task to failed.
func (s *PostgresTaskStore) MarkFailed(ctx context.Context, taskID uuid.UUID) (bool, error) {
	return s.execTask(ctx, taskID, `
		UPDATE export_tasks
		SET status = 'failed', last_touched = $2
		WHERE id = $1 AND status = 'running'
	`, taskID, time.Now().UTC())
}

// MarkAborted transitions a running task to aborted and clears the marker.
func (s *PostgresTaskStore) MarkAborted(ctx context.Context, taskID uuid.UUID) (bool, error) {
	return s.execTask(ctx, taskID, `
		UPDATE export_tasks
		SET status = 'aborted', abort_requested = FALSE, last_touched = $2
		WHERE id = $1 AND status = 'running'
	`, taskID, time.Now().UTC())
}

// MarkPending transitions a paused task back to pending.
func (s *PostgresTaskStore) MarkPending(ctx context.Context, taskID uuid.UUID) (bool, error) {
	return s.execTask(ctx, taskID, `
		UPDATE export_tasks
		SET status = 'pending', last_touched = $2
		WHERE id = $1 AND status = 'paused'
	`, taskID, time.Now().UTC())
}

// RequestAbort cancels the task: idle tasks abort immediately, running ones
// get the marker and stop cooperatively.
func (s *PostgresTaskStore) RequestAbort(ctx context.Context, taskID uuid.UUID) (bool, error) {
	return s.execTask(ctx, taskID, `
		UPDATE export_tasks
		SET status = CASE WHEN status IN ('pending', 'paused') THEN 'aborted' ELSE status END,
			abort_requested = CASE WHEN status = 'running' THEN TRUE ELSE abort_requested END,
			last_touched = $2
		WHERE id = $1 AND status IN (`+liveStatuses+`)
	`, taskID, time.Now().UTC())
}

// execItem runs a conditional work-item UPDATE and refreshes the task's
// last-touched stamp when it applies.
func (s *PostgresTaskStore) execItem(ctx context.Context, taskID uuid.UUID, moduleID, query string, args ...any) (bool, error) {
	applied := false
	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return MapError(err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if affected == 0 {
			return s.requireItem(ctx, tx, taskID, moduleID)
		}

		applied = true
		_, err = tx.ExecContext(ctx,
			`UPDATE export_tasks SET last_touched = $2 WHERE id = $1`,
			taskID, time.Now().UTC())
		return MapError(err)
	})
	return applied, err
}

// requireItem returns store.ErrNotFound when the work item does not exist.
func (s *PostgresTaskStore) requireItem(ctx context.Context, q store.DBTX, taskID uuid.UUID, moduleID string) error {
	var exists bool
	err := q.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM export_work_items WHERE task_id = $1 AND module_id = $2
		)
	`, taskID, moduleID).Scan(&exists)
	if err != nil {
		return MapError(err)
	}
	if !exists {
		return store.ErrNotFound
	}
	return nil
}

// MarkWorkItemRunning transitions a pending work item to running.
func (s *PostgresTaskStore) MarkWorkItemRunning(ctx context.Context, taskID uuid.UUID, moduleID string) (bool, error) {
	return s.execItem(ctx, taskID, moduleID, `
		UPDATE export_work_items
		SET status = 'running'
		WHERE task_id = $1 AND module_id = $2 AND status = 'pending'
	`, taskID, moduleID)
}

// MarkWorkItemDone completes a running work item.
func (s *PostgresTaskStore) MarkWorkItemDone(ctx context.Context, taskID uuid.UUID, moduleID, storageLocation string, info []byte) (bool, error) {
	return s.execItem(ctx, taskID, moduleID, `
		UPDATE export_work_items
		SET status = 'done', storage_location = $3, info = $4
		WHERE task_id = $1 AND module_id = $2 AND status = 'running'
	`, taskID, moduleID, storageLocation, info)
}

// MarkWorkItemPaused pauses a running work item.
func (s *PostgresTaskStore) MarkWorkItemPaused(ctx context.Context, taskID uuid.UUID, moduleID string, info []byte) (bool, error) {
	return s.execItem(ctx, taskID, moduleID, `
		UPDATE export_work_items
		SET status = 'paused', info = COALESCE($3, info)
		WHERE task_id = $1 AND module_id = $2 AND status = 'running'
	`, taskID, moduleID, info)
}

// MarkWorkItemPending returns a running or paused work item to pending.
func (s *PostgresTaskStore) MarkWorkItemPending(ctx context.Context, taskID uuid.UUID, moduleID string) (bool, error) {
	return s.execItem(ctx, taskID, moduleID, `
		UPDATE export_work_items
		SET status = 'pending'
		WHERE task_id = $1 AND module_id = $2 AND status IN ('running', 'paused')
	`, taskID, moduleID)
}

// MarkWorkItemFailed charges one failure and fails the item; exhausting the
// budget fails the owning task in the same transaction.
func (s *PostgresTaskStore) MarkWorkItemFailed(ctx context.Context, taskID uuid.UUID, moduleID string) (bool, error) {
	applied := false
	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		var failCount int
		err := tx.QueryRowContext(ctx, `
			UPDATE export_work_items
			SET status = 'failed', fail_count = LEAST(fail_count + 1, $3)
			WHERE task_id = $1 AND module_id = $2 AND status = 'running'
			RETURNING fail_count
		`, taskID, moduleID, s.maxFailCount).Scan(&failCount)
		if err != nil {
			if IsNotFoundError(MapError(err)) {
				return s.requireItem(ctx, tx, taskID, moduleID)
			}
			return MapError(err)
		}

		applied = true
		now := time.Now().UTC()
		if failCount >= s.maxFailCount {
			_, err = tx.ExecContext(ctx, `
				UPDATE export_tasks
				SET status = 'failed', last_touched = $2
				WHERE id = $1 AND status = 'running'
			`, taskID, now)
		} else {
			_, err = tx.ExecContext(ctx,
				`UPDATE export_tasks SET last_touched = $2 WHERE id = $1`, taskID, now)
		}
		return MapError(err)
	})
	return applied, err
}

// SetWorkItemLocation records the intermediate artifact reference.
func (s *PostgresTaskStore) SetWorkItemLocation(ctx context.Context, taskID uuid.UUID, moduleID, storageLocation string) error {
	_, err := s.execItem(ctx, taskID, moduleID, `
		UPDATE export_work_items
		SET storage_location = $3
		WHERE task_id = $1 AND module_id = $2
	`, taskID, moduleID, storageLocation)
	return err
}

// SetSavePoint persists the provider's checkpoint for the work item.
func (s *PostgresTaskStore) SetSavePoint(ctx context.Context, taskID uuid.UUID, moduleID string, savepoint []byte) error {
	_, err := s.execItem(ctx, taskID, moduleID, `
		UPDATE export_work_items
		SET save_point = $3
		WHERE task_id = $1 AND module_id = $2
	`, taskID, moduleID, savepoint)
	return err
}

// GetSavePoint retrieves the persisted checkpoint, nil when none exists.
func (s *PostgresTaskStore) GetSavePoint(ctx context.Context, taskID uuid.UUID, moduleID string) ([]byte, error) {
	var savepoint []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT save_point FROM export_work_items
		WHERE task_id = $1 AND module_id = $2
	`, taskID, moduleID).Scan(&savepoint)
	if err != nil {
		return nil, MapError(err)
	}
	return savepoint, nil
}

// IncrementFailCount charges a retry against the fail budget without a
// status change. Returns false once the budget is spent.
func (s *PostgresTaskStore) IncrementFailCount(ctx context.Context, taskID uuid.UUID, moduleID string) (bool, error) {
	var failCount int
	err := s.db.QueryRowContext(ctx, `
		UPDATE export_work_items
		SET fail_count = fail_count + 1
		WHERE task_id = $1 AND module_id = $2 AND fail_count < $3
		RETURNING fail_count
	`, taskID, moduleID, s.maxFailCount).Scan(&failCount)
	if err != nil {
		if IsNotFoundError(MapError(err)) {
			// Either the item is gone or the budget is already spent.
			if reqErr := s.requireItem(ctx, s.db, taskID, moduleID); reqErr != nil {
				return false, reqErr
			}
			return false, nil
		}
		return false, MapError(err)
	}
	return failCount < s.maxFailCount, nil
}

// ClearNotification records that the task's owner was notified.
func (s *PostgresTaskStore) ClearNotification(ctx context.Context, taskID uuid.UUID) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE export_tasks SET notification_pending = FALSE WHERE id = $1`, taskID)
	if err != nil {
		return MapError(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Touch refreshes the task's last-touched stamp.
func (s *PostgresTaskStore) Touch(ctx context.Context, taskID uuid.UUID) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE export_tasks SET last_touched = $2 WHERE id = $1`,
		taskID, time.Now().UTC())
	if err != nil {
		return MapError(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// AddDuration adds processing time to the task's cumulative duration.
func (s *PostgresTaskStore) AddDuration(ctx context.Context, taskID uuid.UUID, delta time.Duration) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE export_tasks
		SET duration_ms = GREATEST(duration_ms, 0) + $2
		WHERE id = $1
	`, taskID, delta.Milliseconds())
	if err != nil {
		return MapError(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ReapStalled returns running tasks untouched past the cutoff to pending,
// together with their running work items.
func (s *PostgresTaskStore) ReapStalled(ctx context.Context, olderThan time.Duration) (int, error) {
	reclaimed := 0
	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		cutoff := time.Now().UTC().Add(-olderThan)
		rows, err := tx.QueryContext(ctx, `
			UPDATE export_tasks
			SET status = 'pending', last_touched = $2
			WHERE status = 'running' AND last_touched < $1
			RETURNING id
		`, cutoff, time.Now().UTC())
		if err != nil {
			return MapError(err)
		}

		var ids []uuid.UUID
		for rows.Next() {
			var id uuid.UUID
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return MapError(err)
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			return MapError(err)
		}

		for _, id := range ids {
			_, err := tx.ExecContext(ctx, `
				UPDATE export_work_items
				SET status = 'pending'
				WHERE task_id = $1 AND status = 'running'
			`, id)
			if err != nil {
				return MapError(err)
			}
		}
		reclaimed = len(ids)
		return nil
	})
	return reclaimed, err
}

// DeleteExpired removes terminal tasks past their retention and returns the
// deleted snapshots.
func (s *PostgresTaskStore) DeleteExpired(ctx context.Context, terminalTTL, abortedTTL time.Duration) ([]*domain.Task, error) {
	var deleted []*domain.Task
	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		now := time.Now().UTC()
		rows, err := tx.QueryContext(ctx, `
			SELECT id
			FROM export_tasks
			WHERE (status IN ('done', 'failed') AND last_touched < $1)
			   OR (status = 'aborted' AND last_touched < $2)
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
		`, now.Add(-terminalTTL), now.Add(-abortedTTL))
		if err != nil {
			return MapError(err)
		}

		var ids []uuid.UUID
		for rows.Next() {
			var id uuid.UUID
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return MapError(err)
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			return MapError(err)
		}

		for _, id := range ids {
			task, err := getTask(ctx, tx, id)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM export_tasks WHERE id = $1`, id); err != nil {
				return MapError(err)
			}
			deleted = append(deleted, task)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

// DeleteTask removes a terminal task. Returns false while the task is live.
func (s *PostgresTaskStore) DeleteTask(ctx context.Context, taskID uuid.UUID) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM export_tasks
		WHERE id = $1 AND status IN (`+terminalStatuses+`)
	`, taskID)
	if err != nil {
		return false, MapError(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected > 0 {
		return true, nil
	}
	return false, s.requireTask(ctx, s.db, taskID)
}
