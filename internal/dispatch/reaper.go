package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/phrazzld/takeout-api/internal/domain"
	"github.com/phrazzld/takeout-api/internal/export"
	"github.com/phrazzld/takeout-api/internal/store"
)

// ReaperConfig holds configuration for the background reaper.
type ReaperConfig struct {
	// CheckFrequency is how often the reaper sweeps.
	CheckFrequency time.Duration

	// StalledAge is how long a running task may go untouched before it is
	// considered orphaned by a dead node and returned to pending. The same
	// age is the retention for aborted tasks.
	StalledAge time.Duration

	// TerminalTTL is the retention for done and failed tasks, after which
	// they and their artifacts are deleted.
	TerminalTTL time.Duration
}

// DefaultReaperConfig returns a ReaperConfig with reasonable defaults.
func DefaultReaperConfig() ReaperConfig {
	return ReaperConfig{
		CheckFrequency: 15 * time.Minute,
		StalledAge:     time.Hour,
		TerminalTTL:    14 * 24 * time.Hour,
	}
}

// Reaper periodically returns orphaned running tasks to the claimable pool
// and deletes expired terminal tasks together with their stored artifacts.
type Reaper struct {
	store    store.TaskStore
	storage  export.FileStorage
	notifier Notifier

	config     ReaperConfig
	logger     *slog.Logger
	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// NewReaper creates a Reaper. The notifier receives deleted tasks that still
// owed a notification and may be nil.
func NewReaper(
	taskStore store.TaskStore,
	storage export.FileStorage,
	notifier Notifier,
	config ReaperConfig,
	logger *slog.Logger,
) *Reaper {
	if notifier == nil {
		notifier = &LogNotifier{Logger: logger}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Reaper{
		store:      taskStore,
		storage:    storage,
		notifier:   notifier,
		config:     config,
		logger:     logger.With("component", "reaper"),
		ctx:        ctx,
		cancelFunc: cancel,
	}
}

// Start begins the periodic sweep.
func (r *Reaper) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(r.config.CheckFrequency)
		defer ticker.Stop()

		for {
			select {
			case <-r.ctx.Done():
				return
			case <-ticker.C:
				r.Sweep(r.ctx)
			}
		}
	}()
}

// Stop halts the sweep loop.
func (r *Reaper) Stop() {
	r.cancelFunc()
	r.wg.Wait()
}

// Sweep runs one reap cycle: stalled running tasks become claimable again
// and expired terminal tasks are deleted with their artifacts.
func (r *Reaper) Sweep(ctx context.Context) {
	reclaimed, err := r.store.ReapStalled(ctx, r.config.StalledAge)
	if err != nil {
		r.logger.Error("failed to reap stalled tasks", "error", err)
	} else if reclaimed > 0 {
		r.logger.Info("returned stalled tasks to the pool", "count", reclaimed)
	}

	deleted, err := r.store.DeleteExpired(ctx, r.config.TerminalTTL, r.config.StalledAge)
	if err != nil {
		r.logger.Error("failed to delete expired tasks", "error", err)
		return
	}

	for _, task := range deleted {
		r.deleteArtifacts(ctx, task)
		if task.NotificationPending {
			if err := r.notifier.TaskFinished(ctx, task); err != nil {
				r.logger.Error("failed to notify owner of expired task",
					"task_id", task.ID, "error", err)
			}
		}
	}
	if len(deleted) > 0 {
		r.logger.Info("deleted expired tasks", "count", len(deleted))
	}
}

func (r *Reaper) deleteArtifacts(ctx context.Context, task *domain.Task) {
	for _, item := range task.WorkItems {
		for _, segment := range decodeSegments(item.StorageLocation) {
			if err := r.storage.Delete(ctx, segment.StorageLocation); err != nil {
				r.logger.Error("failed to delete segment",
					"task_id", task.ID,
					"location", segment.StorageLocation,
					"error", err)
			}
		}
	}
}
