// Package dispatch runs the background processing loop: it claims runnable
// export tasks while the processing window is open, drives their work items
// through the registered providers, and applies the resulting state
// transitions through the task store.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/takeout-api/internal/domain"
	"github.com/phrazzld/takeout-api/internal/export"
	"github.com/phrazzld/takeout-api/internal/retry"
	"github.com/phrazzld/takeout-api/internal/schedule"
	"github.com/phrazzld/takeout-api/internal/store"
)

// DispatcherConfig holds configuration for the dispatcher loop.
type DispatcherConfig struct {
	// CheckFrequency is how often the loop polls for claimable tasks.
	CheckFrequency time.Duration

	// ConcurrentTasks caps how many tasks are processed at once.
	ConcurrentTasks int

	// MaxProcessingTime bounds how long a task may run since it first
	// started before it is forced to pause. Zero or negative means
	// unbounded.
	MaxProcessingTime time.Duration

	// WatchdogInterval is how often a running item is checked for abort,
	// window close and processing-time overrun. If zero, defaults to 5
	// seconds.
	WatchdogInterval time.Duration

	// Locale is passed through to providers for localized output.
	Locale string

	// KeepPermissionDenied controls whether permission-denied diagnostics
	// are kept in task reports.
	KeepPermissionDenied bool
}

// DefaultDispatcherConfig returns a DispatcherConfig with reasonable defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		CheckFrequency:    time.Minute,
		ConcurrentTasks:   2,
		MaxProcessingTime: 0,
		WatchdogInterval:  5 * time.Second,
		Locale:            "en",
	}
}

// itemOutcome tells the task loop what to do after one work item ran.
type itemOutcome int

const (
	outcomeContinue itemOutcome = iota
	outcomePause
	outcomeAbort
)

// Dispatcher claims and processes export tasks. One Dispatcher runs per
// node; concurrent nodes coordinate solely through the store's claim
// primitive.
type Dispatcher struct {
	store     store.TaskStore
	registry  *export.Registry
	storage   export.FileStorage
	evaluator *schedule.Evaluator
	notifier  Notifier
	retry     retry.Policy

	config     DispatcherConfig
	logger     *slog.Logger
	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	slots      chan struct{}
}

// NewDispatcher creates a Dispatcher. The evaluator gates claiming; the
// notifier is told about terminal tasks and may be nil.
func NewDispatcher(
	taskStore store.TaskStore,
	registry *export.Registry,
	storage export.FileStorage,
	evaluator *schedule.Evaluator,
	notifier Notifier,
	config DispatcherConfig,
	logger *slog.Logger,
) (*Dispatcher, error) {
	if config.ConcurrentTasks < 1 {
		return nil, fmt.Errorf("concurrent tasks must be positive, got %d", config.ConcurrentTasks)
	}
	if config.CheckFrequency <= 0 {
		return nil, fmt.Errorf("check frequency must be positive, got %s", config.CheckFrequency)
	}
	if config.WatchdogInterval == 0 {
		config.WatchdogInterval = 5 * time.Second
	}
	if notifier == nil {
		notifier = &LogNotifier{Logger: logger}
	}

	ctx, cancel := context.WithCancel(context.Background())

	slots := make(chan struct{}, config.ConcurrentTasks)
	for i := 0; i < config.ConcurrentTasks; i++ {
		slots <- struct{}{}
	}

	return &Dispatcher{
		store:      taskStore,
		registry:   registry,
		storage:    storage,
		evaluator:  evaluator,
		notifier:   notifier,
		retry:      retry.DefaultPolicy(),
		config:     config,
		logger:     logger.With("component", "dispatcher"),
		ctx:        ctx,
		cancelFunc: cancel,
		slots:      slots,
	}, nil
}

// Start begins the claim loop. It returns immediately; processing happens on
// background goroutines until Stop is called.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.loop()
}

// Stop cancels all running work and blocks until every task has been parked.
// Providers observe the cancellation, snapshot their position and return, so
// in-flight tasks end up paused, not lost.
func (d *Dispatcher) Stop() {
	d.cancelFunc()
	d.wg.Wait()
}

// Dispatch runs one claim cycle immediately. Exposed for the loop and for
// tests; production code normally relies on Start.
func (d *Dispatcher) Dispatch() {
	if !d.evaluator.WindowOpen(time.Now()) {
		return
	}

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.slots:
		default:
			// All slots busy; next tick will pick up the rest.
			return
		}

		task, err := d.store.ClaimNextRunnable(d.ctx)
		if err != nil {
			d.slots <- struct{}{}
			if !errors.Is(err, store.ErrNotFound) {
				d.logger.Error("failed to claim task", "error", err)
			}
			return
		}

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer func() { d.slots <- struct{}{} }()
			d.processTask(task)
		}()
	}
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.CheckFrequency)
	defer ticker.Stop()

	d.Dispatch()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.Dispatch()
		}
	}
}

// processTask drives one claimed task: work items run sequentially until the
// task finishes, pauses or aborts. Each iteration reloads the task so
// concurrent abort requests and budget-driven failures are observed.
func (d *Dispatcher) processTask(task *domain.Task) {
	// Stop cannot use d.ctx here: parking transitions must still reach the
	// store after cancellation.
	ctx := context.Background()
	logger := d.logger.With("task_id", task.ID, "user_id", task.UserID)
	logger.Info("processing task", "modules", len(task.WorkItems))

	start := time.Now()
	defer func() {
		if err := d.store.AddDuration(ctx, task.ID, time.Since(start)); err != nil {
			logger.Error("failed to record task duration", "error", err)
		}
	}()

	report := domain.NewDiagnosticsReport(domain.ReportOptions{
		KeepPermissionDenied: d.config.KeepPermissionDenied,
	})
	attempted := make(map[string]struct{})

	for {
		snapshot, err := d.store.GetTask(ctx, task.ID)
		if err != nil {
			logger.Error("failed to reload task", "error", err)
			return
		}
		if snapshot.Status != domain.TaskStatusRunning {
			// Budget exhaustion already failed the task mid-item.
			if snapshot.Status == domain.TaskStatusFailed {
				d.notifyTerminal(ctx, snapshot)
			}
			return
		}

		if snapshot.AbortRequested {
			d.abortTask(ctx, snapshot, logger)
			return
		}
		if reason, park := d.shouldPark(snapshot); park {
			d.pauseTask(ctx, snapshot.ID, logger, reason)
			return
		}

		item := snapshot.NextPendingWorkItem(attempted)
		if item == nil {
			break
		}
		attempted[item.ModuleID] = struct{}{}

		outcome := d.runItem(ctx, snapshot, item, report, logger)
		switch outcome {
		case outcomePause:
			// A conforming provider reports cancellation as interrupted
			// without knowing the reason. Reload before pausing so an abort
			// requested mid-item still converges to aborted.
			snapshot, err = d.store.GetTask(ctx, task.ID)
			if err != nil {
				logger.Error("failed to reload task", "error", err)
				return
			}
			if snapshot.AbortRequested {
				d.abortTask(ctx, snapshot, logger)
				return
			}
			d.pauseTask(ctx, snapshot.ID, logger, "interrupted")
			return
		case outcomeAbort:
			snapshot, err = d.store.GetTask(ctx, task.ID)
			if err != nil {
				logger.Error("failed to reload task", "error", err)
				return
			}
			d.abortTask(ctx, snapshot, logger)
			return
		}

		if err := d.store.Touch(ctx, task.ID); err != nil {
			logger.Error("failed to touch task", "error", err)
		}
	}

	d.finalize(ctx, task.ID, logger)
}

// shouldPark reports whether the running task must stop before the next work
// item, and why.
func (d *Dispatcher) shouldPark(task *domain.Task) (string, bool) {
	if !d.evaluator.WindowOpen(time.Now()) {
		return "window closed", true
	}
	if d.overran(task) {
		return "processing time exceeded", true
	}
	if d.ctx.Err() != nil {
		return "shutting down", true
	}
	return "", false
}

func (d *Dispatcher) overran(task *domain.Task) bool {
	if d.config.MaxProcessingTime <= 0 || task.StartedAt == nil {
		return false
	}
	return time.Since(*task.StartedAt) >= d.config.MaxProcessingTime
}

// runItem invokes the provider for one work item and maps the outcome onto
// store transitions.
func (d *Dispatcher) runItem(
	ctx context.Context,
	task *domain.Task,
	item *domain.WorkItem,
	report *domain.DiagnosticsReport,
	logger *slog.Logger,
) itemOutcome {
	logger = logger.With("module_id", item.ModuleID)

	provider, err := d.registry.Get(item.ModuleID)
	if err != nil {
		logger.Error("no provider for work item", "error", err)
		d.failItem(ctx, task.ID, item.ModuleID, logger)
		return outcomeContinue
	}

	ok, err := d.store.MarkWorkItemRunning(ctx, task.ID, item.ModuleID)
	if err != nil || !ok {
		logger.Warn("failed to mark work item running", "applied", ok, "error", err)
		return outcomeContinue
	}

	savepoint, err := d.store.GetSavePoint(ctx, task.ID, item.ModuleID)
	if err != nil {
		logger.Error("failed to load savepoint", "error", err)
		savepoint = nil
	}

	prior := decodeSegments(item.StorageLocation)
	sink := export.NewTaskSink(export.SinkConfig{
		Store:       d.store,
		Storage:     d.storage,
		Task:        task,
		ModuleID:    item.ModuleID,
		MaxFileSize: task.Arguments.MaxFileSize,
		StartNumber: d.segmentCount(task),
		Report:      report,
		Retry:       d.retry,
		Logger:      logger,
	})

	processingID := uuid.New()
	itemCtx, cancelItem := context.WithCancel(context.Background())
	watchdogDone := make(chan struct{})
	go d.watchItem(itemCtx, cancelItem, provider, processingID, sink, task, logger, watchdogDone)

	logger.Info("exporting module", "processing_id", processingID, "resuming", len(savepoint) > 0)
	result, exportErr := provider.Export(itemCtx, processingID, sink, savepoint, task, d.config.Locale)

	cancelItem()
	<-watchdogDone

	if exportErr != nil {
		// A provider that gives up on cancellation without producing an
		// interrupted result still pauses cleanly.
		if errors.Is(exportErr, context.Canceled) || itemCtx.Err() != nil {
			d.parkItem(ctx, task.ID, item.ModuleID, sink, prior, report, logger)
			return outcomePause
		}
		logger.Error("module export failed", "error", exportErr)
		d.persistSegments(ctx, task.ID, item.ModuleID, sink, prior, logger)
		d.failItem(ctx, task.ID, item.ModuleID, logger)
		return outcomeContinue
	}

	switch result.Kind {
	case export.ResultCompleted:
		if _, err := sink.Finish(ctx); err != nil {
			logger.Error("failed to finish segments", "error", err)
			d.failItem(ctx, task.ID, item.ModuleID, logger)
			return outcomeContinue
		}
		location := encodeSegments(append(prior, sink.Results()...))
		info := encodeReport(report, item.ModuleID)
		ok, err := d.store.MarkWorkItemDone(ctx, task.ID, item.ModuleID, location, info)
		if err != nil || !ok {
			logger.Warn("failed to mark work item done", "applied", ok, "error", err)
		}
		logger.Info("module export completed", "segments", len(sink.Results()))
		return outcomeContinue

	case export.ResultInterrupted:
		d.parkItem(ctx, task.ID, item.ModuleID, sink, prior, report, logger)
		return outcomePause

	case export.ResultAborted:
		if err := sink.Revoke(ctx); err != nil {
			logger.Error("failed to revoke sink", "error", err)
		}
		return outcomeAbort

	default: // export.ResultIncomplete
		d.persistSegments(ctx, task.ID, item.ModuleID, sink, prior, logger)
		if result.Savepoint != nil {
			for _, msg := range result.Savepoint.Messages {
				report.Add(msg)
			}
			if len(result.Savepoint.Checkpoint) > 0 {
				if err := d.store.SetSavePoint(ctx, task.ID, item.ModuleID, result.Savepoint.Checkpoint); err != nil {
					logger.Error("failed to persist savepoint", "error", err)
				}
			}
		}
		logger.Warn("module export incomplete", "cause", result.Cause)

		// A retryable cause re-pends the item with the budget charged; a
		// later claim cycle picks it up again. Fatal causes and a spent
		// budget fail the item.
		if d.retryable(result.Cause) {
			remaining, err := d.store.IncrementFailCount(ctx, task.ID, item.ModuleID)
			if err != nil {
				logger.Error("failed to charge fail budget", "error", err)
			}
			if remaining {
				ok, err := d.store.MarkWorkItemPending(ctx, task.ID, item.ModuleID)
				if err != nil || !ok {
					logger.Warn("failed to re-pend work item", "applied", ok, "error", err)
				}
				return outcomeContinue
			}
		}
		d.failItem(ctx, task.ID, item.ModuleID, logger)
		return outcomeContinue
	}
}

// watchItem cancels a running item when its task is aborted, the window
// closes, or the task overruns its processing budget. The dispatcher's own
// shutdown propagates the same way. For every stop except an abort, the
// provider is first asked to pause so it can checkpoint its position.
func (d *Dispatcher) watchItem(
	ctx context.Context,
	cancel context.CancelFunc,
	provider export.Provider,
	processingID uuid.UUID,
	sink export.Sink,
	task *domain.Task,
	logger *slog.Logger,
	done chan<- struct{},
) {
	defer close(done)

	ticker := time.NewTicker(d.config.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.ctx.Done():
			d.askPause(provider, processingID, sink, task, logger)
			cancel()
			return
		case <-ticker.C:
			snapshot, err := d.store.GetTask(context.Background(), task.ID)
			if err != nil {
				continue
			}
			if snapshot.AbortRequested {
				cancel()
				return
			}
			if !d.evaluator.WindowOpen(time.Now()) || d.overran(snapshot) {
				d.askPause(provider, processingID, sink, task, logger)
				cancel()
				return
			}
		}
	}
}

// askPause gives the provider a chance to snapshot its position before its
// context is canceled. The checkpoint and diagnostics of a savepoint it
// returns are persisted through the sink.
func (d *Dispatcher) askPause(
	provider export.Provider,
	processingID uuid.UUID,
	sink export.Sink,
	task *domain.Task,
	logger *slog.Logger,
) {
	pauseCtx, cancel := context.WithTimeout(context.Background(), d.config.WatchdogInterval)
	defer cancel()

	result, err := provider.Pause(pauseCtx, processingID, sink, task)
	if err != nil {
		logger.Warn("provider pause failed", "error", err)
		return
	}
	if !result.Paused || result.Savepoint == nil {
		return
	}
	for _, msg := range result.Savepoint.Messages {
		sink.AddToReport(msg)
	}
	if len(result.Savepoint.Checkpoint) > 0 {
		if err := sink.SetSavePoint(pauseCtx, result.Savepoint.Checkpoint); err != nil {
			logger.Warn("failed to persist pause savepoint", "error", err)
		}
	}
}

// parkItem persists partial output and pauses the work item so a later claim
// resumes it from its savepoint.
func (d *Dispatcher) parkItem(
	ctx context.Context,
	taskID uuid.UUID,
	moduleID string,
	sink *export.TaskSink,
	prior []domain.ResultFile,
	report *domain.DiagnosticsReport,
	logger *slog.Logger,
) {
	d.persistSegments(ctx, taskID, moduleID, sink, prior, logger)
	ok, err := d.store.MarkWorkItemPaused(ctx, taskID, moduleID, encodeReport(report, moduleID))
	if err != nil || !ok {
		logger.Warn("failed to pause work item", "applied", ok, "error", err)
	}
	logger.Info("module export interrupted, work item paused")
}

// persistSegments closes the current segment and records everything written
// so far on the work item, so partial output survives a pause or crash.
func (d *Dispatcher) persistSegments(
	ctx context.Context,
	taskID uuid.UUID,
	moduleID string,
	sink *export.TaskSink,
	prior []domain.ResultFile,
	logger *slog.Logger,
) {
	if _, err := sink.Finish(ctx); err != nil {
		logger.Error("failed to finish segments", "error", err)
	}
	segments := append(prior, sink.Results()...)
	if len(segments) == 0 {
		return
	}
	if err := d.store.SetWorkItemLocation(ctx, taskID, moduleID, encodeSegments(segments)); err != nil {
		logger.Error("failed to record intermediate segments", "error", err)
	}
}

func (d *Dispatcher) retryable(err error) bool {
	if err == nil {
		return false
	}
	condition := d.retry.Retryable
	if condition == nil {
		condition = retry.DefaultCondition
	}
	return condition(err)
}

func (d *Dispatcher) failItem(ctx context.Context, taskID uuid.UUID, moduleID string, logger *slog.Logger) {
	ok, err := d.store.MarkWorkItemFailed(ctx, taskID, moduleID)
	if err != nil || !ok {
		logger.Warn("failed to mark work item failed", "applied", ok, "error", err)
	}
}

// abortTask discards all artifacts and finishes the abort handshake.
func (d *Dispatcher) abortTask(ctx context.Context, task *domain.Task, logger *slog.Logger) {
	d.deleteArtifacts(ctx, task, logger)
	ok, err := d.store.MarkAborted(ctx, task.ID)
	if err != nil || !ok {
		logger.Warn("failed to mark task aborted", "applied", ok, "error", err)
		return
	}
	logger.Info("task aborted")
}

func (d *Dispatcher) pauseTask(ctx context.Context, taskID uuid.UUID, logger *slog.Logger, reason string) {
	ok, err := d.store.MarkPaused(ctx, taskID)
	if err != nil || !ok {
		logger.Warn("failed to pause task", "applied", ok, "error", err)
		return
	}
	logger.Info("task paused", "reason", reason)
}

// finalize settles a task whose items all ran this cycle: done when every
// item completed, otherwise paused to await the next claim.
func (d *Dispatcher) finalize(ctx context.Context, taskID uuid.UUID, logger *slog.Logger) {
	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		logger.Error("failed to reload task", "error", err)
		return
	}

	switch {
	case task.Status == domain.TaskStatusFailed:
		d.notifyTerminal(ctx, task)

	case task.Status != domain.TaskStatusRunning:
		// Lost ownership; whoever took it settles it.

	case task.AllWorkItemsDone():
		results := collectResults(task)
		ok, err := d.store.MarkDone(ctx, taskID, results)
		if err != nil || !ok {
			logger.Warn("failed to mark task done", "applied", ok, "error", err)
			return
		}
		task.Status = domain.TaskStatusDone
		task.ResultFiles = results
		logger.Info("task completed", "result_files", len(results))
		d.notifyTerminal(ctx, task)

	default:
		d.pauseTask(ctx, taskID, logger, "work items remaining")
	}
}

func (d *Dispatcher) notifyTerminal(ctx context.Context, task *domain.Task) {
	if !task.NotificationPending {
		return
	}
	logger := d.logger.With("task_id", task.ID)
	if err := d.notifier.TaskFinished(ctx, task); err != nil {
		logger.Error("failed to notify task owner", "error", err)
		return
	}
	if err := d.store.ClearNotification(ctx, task.ID); err != nil {
		logger.Error("failed to clear notification flag", "error", err)
	}
}

// deleteArtifacts removes every segment any work item has produced.
func (d *Dispatcher) deleteArtifacts(ctx context.Context, task *domain.Task, logger *slog.Logger) {
	for _, item := range task.WorkItems {
		for _, segment := range decodeSegments(item.StorageLocation) {
			if err := d.storage.Delete(ctx, segment.StorageLocation); err != nil {
				logger.Error("failed to delete segment",
					"module_id", item.ModuleID,
					"location", segment.StorageLocation,
					"error", err)
			}
		}
	}
}

// segmentCount returns how many segments the task has produced so far, which
// is the next task-wide segment number.
func (d *Dispatcher) segmentCount(task *domain.Task) int {
	count := 0
	for _, item := range task.WorkItems {
		count += len(decodeSegments(item.StorageLocation))
	}
	return count
}

// collectResults gathers every item's segments into the task-level result
// list, renumbered into one contiguous sequence.
func collectResults(task *domain.Task) []domain.ResultFile {
	var results []domain.ResultFile
	for _, item := range task.WorkItems {
		results = append(results, decodeSegments(item.StorageLocation)...)
	}
	for i := range results {
		results[i].Number = i
	}
	return results
}

func decodeSegments(location string) []domain.ResultFile {
	segments, err := domain.DecodeResultFiles(location)
	if err != nil {
		return nil
	}
	return segments
}

func encodeSegments(segments []domain.ResultFile) string {
	location, err := domain.EncodeResultFiles(segments)
	if err != nil {
		return ""
	}
	return location
}

func encodeReport(report *domain.DiagnosticsReport, moduleID string) []byte {
	var msgs []domain.Message
	for _, msg := range report.Messages() {
		if msg.ModuleID == moduleID {
			msgs = append(msgs, msg)
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	info, err := json.Marshal(msgs)
	if err != nil {
		return nil
	}
	return info
}
