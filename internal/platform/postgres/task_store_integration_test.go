package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/takeout-api/internal/ciutil"
	"github.com/phrazzld/takeout-api/internal/domain"
	"github.com/phrazzld/takeout-api/internal/store"
)

// openTestDB connects to the integration test database, or skips the test
// when no database URL is configured.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	url := ciutil.GetTestDatabaseURL()
	if url == "" {
		t.Skipf("set %s to run postgres integration tests", ciutil.EnvTestDatabaseURL)
	}

	db, err := sql.Open("pgx", url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, db.PingContext(ctx), "database unreachable")
	require.NoError(t, MigrateUp(db))
	return db
}

func integrationArgs() domain.TaskArguments {
	return domain.TaskArguments{
		Modules:     []domain.ModuleArguments{{ModuleID: "mail"}},
		MaxFileSize: 1 << 20,
		HostInfo:    domain.HostInfo{Host: "example.com", Secure: true},
	}
}

// TestPostgresTaskStoreIntegration drives a task through its full lifecycle
// against a real database. It assumes a dedicated test database.
func TestPostgresTaskStoreIntegration(t *testing.T) {
	db := openTestDB(t)
	taskStore := NewPostgresTaskStore(db, 3)
	ctx := context.Background()

	// Unique owner per run keeps reruns independent.
	userID := time.Now().UnixNano()

	task, err := domain.NewTask(1, userID, integrationArgs(), "local")
	require.NoError(t, err)

	created, err := taskStore.CreateIfAbsent(ctx, task)
	require.NoError(t, err)
	require.True(t, created)
	t.Cleanup(func() { _, _ = taskStore.DeleteTask(context.Background(), task.ID) })

	// The partial unique index rejects a second live task for the owner.
	duplicate, err := domain.NewTask(1, userID, integrationArgs(), "local")
	require.NoError(t, err)
	created, err = taskStore.CreateIfAbsent(ctx, duplicate)
	require.NoError(t, err)
	assert.False(t, created)

	loaded, err := taskStore.GetTaskByOwner(ctx, 1, userID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, loaded.ID)
	assert.Equal(t, domain.TaskStatusPending, loaded.Status)
	assert.Equal(t, domain.UnstartedDuration, loaded.Duration)

	claimed, err := taskStore.ClaimNextRunnable(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, task.ID, claimed.ID, "test database must not hold other pending tasks")
	assert.Equal(t, domain.TaskStatusRunning, claimed.Status)
	assert.NotNil(t, claimed.StartedAt)
	assert.GreaterOrEqual(t, claimed.Duration, time.Duration(0))

	ok, err := taskStore.MarkWorkItemRunning(ctx, task.ID, "mail")
	require.NoError(t, err)
	require.True(t, ok)

	// Savepoint roundtrip.
	require.NoError(t, taskStore.SetSavePoint(ctx, task.ID, "mail", []byte(`{"cursor":42}`)))
	savepoint, err := taskStore.GetSavePoint(ctx, task.ID, "mail")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"cursor":42}`), savepoint)

	segment := domain.ResultFile{
		Number:          0,
		ContentType:     "application/zip",
		Size:            7,
		StorageLocation: "mem://seg-000.zip",
	}
	location, err := domain.EncodeResultFiles([]domain.ResultFile{segment})
	require.NoError(t, err)

	ok, err = taskStore.MarkWorkItemDone(ctx, task.ID, "mail", location, nil)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = taskStore.MarkDone(ctx, task.ID, []domain.ResultFile{segment})
	require.NoError(t, err)
	require.True(t, ok)

	done, err := taskStore.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusDone, done.Status)
	require.Len(t, done.ResultFiles, 1)
	assert.Equal(t, segment, done.ResultFiles[0])
	require.Len(t, done.WorkItems, 1)
	assert.Equal(t, domain.WorkItemStatusDone, done.WorkItems[0].Status)
	assert.Equal(t, location, done.WorkItems[0].StorageLocation)

	// Terminal tasks cannot be aborted.
	ok, err = taskStore.RequestAbort(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = taskStore.DeleteTask(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = taskStore.GetTask(ctx, task.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
