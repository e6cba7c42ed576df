package export

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/takeout-api/internal/domain"
	"github.com/phrazzld/takeout-api/internal/retry"
	"github.com/phrazzld/takeout-api/internal/store"
)

func testSink(t *testing.T, maxFileSize int64) (*TaskSink, *MemoryStorage, *store.MemoryTaskStore, *domain.Task) {
	t.Helper()

	taskStore := store.NewMemoryTaskStore(3)
	task, err := domain.NewTask(1, 100, domain.TaskArguments{
		Modules: []domain.ModuleArguments{{ModuleID: "mail"}},
	}, "mem")
	require.NoError(t, err)

	created, err := taskStore.CreateIfAbsent(context.Background(), task)
	require.NoError(t, err)
	require.True(t, created)

	storage := NewMemoryStorage("mem")
	sink := NewTaskSink(SinkConfig{
		Store:       taskStore,
		Storage:     storage,
		Task:        task,
		ModuleID:    "mail",
		MaxFileSize: maxFileSize,
		Report:      domain.NewDiagnosticsReport(domain.ReportOptions{KeepPermissionDenied: true}),
		Retry:       retry.Policy{MaxTries: 2, Base: time.Millisecond},
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	return sink, storage, taskStore, task
}

func TestTaskSink_ExportAndFinish(t *testing.T) {
	t.Parallel()

	sink, storage, _, _ := testSink(t, 0)

	ok, err := sink.Export(strings.NewReader("hello "), Item{Path: "mail/1.eml"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = sink.Export(strings.NewReader("world"), Item{Path: "mail/2.eml"})
	require.NoError(t, err)
	assert.True(t, ok)

	location, err := sink.Finish(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, location)

	results := sink.Results()
	require.Len(t, results, 1)
	assert.Equal(t, 0, results[0].Number)
	assert.Equal(t, DefaultContentType, results[0].ContentType)
	assert.Equal(t, int64(len("hello world")), results[0].Size)

	reader, err := storage.Open(context.Background(), location)
	require.NoError(t, err)
	defer func() { require.NoError(t, reader.Close()) }()
	data, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	t.Run("finish is idempotent", func(t *testing.T) {
		location, err := sink.Finish(context.Background())
		require.NoError(t, err)
		assert.Empty(t, location)
	})

	t.Run("export after finish fails", func(t *testing.T) {
		_, err := sink.Export(strings.NewReader("late"), Item{Path: "late"})
		assert.Error(t, err)
	})
}

func TestTaskSink_SegmentRollover(t *testing.T) {
	t.Parallel()

	sink, storage, _, _ := testSink(t, 10)

	// Each write is 6 bytes; the second one crosses the 10-byte limit and
	// closes the first segment.
	for i := 0; i < 4; i++ {
		ok, err := sink.Export(strings.NewReader("abcdef"), Item{Path: "f"})
		require.NoError(t, err)
		require.True(t, ok)
	}

	_, err := sink.Finish(context.Background())
	require.NoError(t, err)

	results := sink.Results()
	require.Len(t, results, 2)
	assert.Equal(t, 0, results[0].Number)
	assert.Equal(t, 1, results[1].Number)
	assert.Equal(t, int64(12), results[0].Size)
	assert.Equal(t, int64(12), results[1].Size)
	assert.Equal(t, 2, storage.Len())
}

func TestTaskSink_NumberingContinuesAcrossInvocations(t *testing.T) {
	t.Parallel()

	sink, _, _, _ := testSink(t, 0)
	sink.cfg.StartNumber = 3

	ok, err := sink.Export(strings.NewReader("data"), Item{Path: "f"})
	require.NoError(t, err)
	require.True(t, ok)

	_, err = sink.Finish(context.Background())
	require.NoError(t, err)

	results := sink.Results()
	require.Len(t, results, 1)
	assert.Equal(t, 3, results[0].Number)
}

func TestTaskSink_Revoke(t *testing.T) {
	t.Parallel()

	sink, storage, _, _ := testSink(t, 10)

	for i := 0; i < 4; i++ {
		_, err := sink.Export(strings.NewReader("abcdef"), Item{Path: "f"})
		require.NoError(t, err)
	}

	require.NoError(t, sink.Revoke(context.Background()))

	assert.True(t, sink.Revoked())
	assert.Empty(t, sink.Results())
	assert.Zero(t, storage.Len())

	// Writes after revocation tell the provider to stop.
	ok, err := sink.Export(strings.NewReader("more"), Item{Path: "f"})
	require.NoError(t, err)
	assert.False(t, ok)

	dir, err := sink.ExportDirectory("mail/folder")
	require.NoError(t, err)
	assert.Empty(t, dir)
}

func TestTaskSink_ExportDirectory(t *testing.T) {
	t.Parallel()

	sink, _, _, _ := testSink(t, 0)

	dir, err := sink.ExportDirectory("mail//INBOX/")
	require.NoError(t, err)
	assert.Equal(t, "mail/INBOX", dir)
	assert.Equal(t, []string{"mail/INBOX"}, sink.Directories())
}

func TestTaskSink_SavepointAndFailCount(t *testing.T) {
	t.Parallel()

	sink, _, taskStore, task := testSink(t, 0)
	ctx := context.Background()

	checkpoint := []byte(`{"offset":12}`)
	require.NoError(t, sink.SetSavePoint(ctx, checkpoint))

	stored, err := taskStore.GetSavePoint(ctx, task.ID, "mail")
	require.NoError(t, err)
	assert.Equal(t, checkpoint, stored)

	// Budget of 3: the third charge reports exhaustion.
	more, err := sink.IncrementFailCount(ctx)
	require.NoError(t, err)
	assert.True(t, more)
	more, err = sink.IncrementFailCount(ctx)
	require.NoError(t, err)
	assert.True(t, more)
	more, err = sink.IncrementFailCount(ctx)
	require.NoError(t, err)
	assert.False(t, more)
}

func TestTaskSink_Report(t *testing.T) {
	t.Parallel()

	sink, _, _, _ := testSink(t, 0)

	sink.AddToReport(domain.Message{ID: "m1", Text: "skipped attachment"})
	sink.AddToReport(domain.Message{ID: "m1", Text: "skipped attachment"})

	messages := sink.cfg.Report.Messages()
	require.Len(t, messages, 1)
	// The sink stamps its module onto unattributed messages.
	assert.Equal(t, "mail", messages[0].ModuleID)
}
