package dispatch

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/takeout-api/internal/domain"
	"github.com/phrazzld/takeout-api/internal/export"
	"github.com/phrazzld/takeout-api/internal/store"
)

func newTestReaper(t *testing.T, ttl time.Duration) (*Reaper, *store.MemoryTaskStore, *export.MemoryStorage, *recordingNotifier) {
	t.Helper()

	taskStore := store.NewMemoryTaskStore(3)
	storage := export.NewMemoryStorage("mem")
	notifier := &recordingNotifier{}

	config := DefaultReaperConfig()
	config.StalledAge = 0
	config.TerminalTTL = ttl

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewReaper(taskStore, storage, notifier, config, logger), taskStore, storage, notifier
}

// writeSegment stores one fake result segment and returns its ResultFile.
func writeSegment(t *testing.T, storage *export.MemoryStorage, name, payload string) domain.ResultFile {
	t.Helper()

	writer, err := storage.Create(context.Background(), name)
	require.NoError(t, err)
	_, err = writer.Write([]byte(payload))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	return domain.ResultFile{
		ContentType:     "application/zip",
		Size:            int64(len(payload)),
		StorageLocation: writer.Location(),
	}
}

func TestReaperReturnsStalledTasksToPool(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	reaper, taskStore, _, _ := newTestReaper(t, time.Hour)
	task := submitTask(t, taskStore, "mail")

	_, err := taskStore.ClaimNextRunnable(ctx)
	require.NoError(t, err)

	reaper.Sweep(ctx)

	got, err := taskStore.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusPending, got.Status)

	// The reclaimed task can be claimed again.
	claimed, err := taskStore.ClaimNextRunnable(ctx)
	require.NoError(t, err)
	assert.Equal(t, task.ID, claimed.ID)
}

func TestReaperDeletesExpiredTasksWithArtifacts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	reaper, taskStore, storage, notifier := newTestReaper(t, 0)
	task := submitTask(t, taskStore, "mail")

	_, err := taskStore.ClaimNextRunnable(ctx)
	require.NoError(t, err)
	ok, err := taskStore.MarkWorkItemRunning(ctx, task.ID, "mail")
	require.NoError(t, err)
	require.True(t, ok)

	segment := writeSegment(t, storage, "seg-000.zip", "mail payload")
	location, err := domain.EncodeResultFiles([]domain.ResultFile{segment})
	require.NoError(t, err)
	ok, err = taskStore.MarkWorkItemDone(ctx, task.ID, "mail", location, nil)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = taskStore.MarkDone(ctx, task.ID, []domain.ResultFile{segment})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, storage.Len())

	reaper.Sweep(ctx)

	_, err = taskStore.GetTask(ctx, task.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, 0, storage.Len(), "segments are deleted with the task")
	assert.Equal(t, 1, notifier.count(), "owed notification is delivered on expiry")
}

func TestReaperKeepsLiveAndRecentTasks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	reaper, taskStore, _, notifier := newTestReaper(t, time.Hour)
	live := submitTask(t, taskStore, "mail")

	reaper.Sweep(ctx)

	got, err := taskStore.GetTask(ctx, live.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusPending, got.Status)
	assert.Equal(t, 0, notifier.count())
}
