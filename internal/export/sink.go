package export

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sync"

	"github.com/phrazzld/takeout-api/internal/domain"
	"github.com/phrazzld/takeout-api/internal/retry"
	"github.com/phrazzld/takeout-api/internal/store"
)

// DefaultContentType is the content type assigned to result segments.
const DefaultContentType = "application/zip"

// SinkConfig wires a TaskSink for one work-item invocation.
type SinkConfig struct {
	Store       store.TaskStore
	Storage     FileStorage
	Task        *domain.Task
	ModuleID    string
	MaxFileSize int64

	// StartNumber is the segment number to assign to the first segment this
	// invocation produces, continuing the task-wide numbering.
	StartNumber int

	Report *domain.DiagnosticsReport
	Retry  retry.Policy
	Logger *slog.Logger
}

// TaskSink implements Sink against a FileStorage backend. It tracks
// cumulative bytes written and rolls over to a new result segment once the
// configured maximum size is reached. A sink is revoked when its task is
// canceled concurrently; all writes after revocation are rejected.
type TaskSink struct {
	cfg    SinkConfig
	logger *slog.Logger

	mu       sync.Mutex
	revoked  bool
	finished bool
	current  SegmentWriter
	written  int64
	segments []domain.ResultFile
	dirs     []string
}

// NewTaskSink creates a sink for one provider invocation.
func NewTaskSink(cfg SinkConfig) *TaskSink {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskSink{
		cfg: cfg,
		logger: logger.With(
			"component", "export_sink",
			"task_id", cfg.Task.ID,
			"module_id", cfg.ModuleID),
	}
}

// Export writes one logical unit into the current segment, rolling over when
// the segment size limit is reached. Returns false once the sink has been
// revoked.
func (s *TaskSink) Export(data io.Reader, item Item) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.revoked {
		return false, nil
	}
	if s.finished {
		return false, fmt.Errorf("sink for module %q is already finished", s.cfg.ModuleID)
	}

	if err := s.ensureSegmentLocked(context.Background()); err != nil {
		return true, err
	}

	n, err := io.Copy(s.current, data)
	s.written += n
	if err != nil {
		return true, fmt.Errorf("failed to write item %q: %w", item.Path, err)
	}

	if s.cfg.MaxFileSize > 0 && s.written >= s.cfg.MaxFileSize {
		if err := s.closeSegmentLocked(); err != nil {
			return true, err
		}
	}

	return true, nil
}

// ExportDirectory records a hierarchy marker. Returns the normalized path,
// or "" when the sink has been revoked.
func (s *TaskSink) ExportDirectory(dir string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.revoked {
		return "", nil
	}

	normalized := path.Clean(dir)
	s.dirs = append(s.dirs, normalized)
	return normalized, nil
}

// Finish flushes and closes the current segment and registers it as a result
// file. A second call is a no-op returning "".
func (s *TaskSink) Finish(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished || s.revoked {
		return "", nil
	}
	s.finished = true

	if s.current != nil {
		if err := s.closeSegmentLocked(); err != nil {
			return "", err
		}
	}

	if len(s.segments) == 0 {
		return "", nil
	}
	return s.segments[len(s.segments)-1].StorageLocation, nil
}

// Revoke deletes all segments written so far and releases resources.
func (s *TaskSink) Revoke(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.revoked {
		return nil
	}
	s.revoked = true

	if s.current != nil {
		if err := s.current.Close(); err != nil {
			s.logger.Warn("failed to close segment during revoke", "error", err)
		}
		if err := s.deleteLocked(ctx, s.current.Location()); err != nil {
			return err
		}
		s.current = nil
	}

	for _, segment := range s.segments {
		if err := s.deleteLocked(ctx, segment.StorageLocation); err != nil {
			return err
		}
	}
	s.segments = nil
	s.written = 0

	return nil
}

// Revoked reports whether the sink has been revoked.
func (s *TaskSink) Revoked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revoked
}

// AddToReport appends a diagnostics message to the task's report.
func (s *TaskSink) AddToReport(msg domain.Message) {
	if msg.ModuleID == "" {
		msg.ModuleID = s.cfg.ModuleID
	}
	s.cfg.Report.Add(msg)
}

// SetSavePoint persists the provider's checkpoint for the owning work item.
func (s *TaskSink) SetSavePoint(ctx context.Context, savepoint []byte) error {
	return s.cfg.Store.SetSavePoint(ctx, s.cfg.Task.ID, s.cfg.ModuleID, savepoint)
}

// IncrementFailCount charges a retry attempt against the owning work item's
// fail budget.
func (s *TaskSink) IncrementFailCount(ctx context.Context) (bool, error) {
	return s.cfg.Store.IncrementFailCount(ctx, s.cfg.Task.ID, s.cfg.ModuleID)
}

// Results returns the result segments registered by this invocation, in
// segment order.
func (s *TaskSink) Results() []domain.ResultFile {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.ResultFile, len(s.segments))
	copy(out, s.segments)
	return out
}

// Directories returns the hierarchy markers recorded by this invocation.
func (s *TaskSink) Directories() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, len(s.dirs))
	copy(out, s.dirs)
	return out
}

// ensureSegmentLocked lazily opens the next segment. Storage creation goes
// through the retry policy; transient storage errors must not burn a work
// item.
func (s *TaskSink) ensureSegmentLocked(ctx context.Context) error {
	if s.current != nil {
		return nil
	}

	number := s.cfg.StartNumber + len(s.segments)
	name := fmt.Sprintf("%s-%s-%03d.zip", s.cfg.Task.ID, s.cfg.ModuleID, number)

	var writer SegmentWriter
	err := s.cfg.Retry.Do(ctx, func() error {
		var createErr error
		writer, createErr = s.cfg.Storage.Create(ctx, name)
		return createErr
	})
	if err != nil {
		return fmt.Errorf("failed to open segment %d: %w", number, err)
	}

	s.current = writer
	s.written = 0
	return nil
}

// closeSegmentLocked closes the open segment and registers it as a result
// file.
func (s *TaskSink) closeSegmentLocked() error {
	if err := s.current.Close(); err != nil {
		return fmt.Errorf("failed to close segment: %w", err)
	}

	s.segments = append(s.segments, domain.ResultFile{
		Number:          s.cfg.StartNumber + len(s.segments),
		ContentType:     DefaultContentType,
		Size:            s.written,
		StorageLocation: s.current.Location(),
	})
	s.logger.Debug("registered result segment",
		"number", s.cfg.StartNumber+len(s.segments)-1,
		"size", s.written)

	s.current = nil
	s.written = 0
	return nil
}

// deleteLocked removes one segment through the retry policy.
func (s *TaskSink) deleteLocked(ctx context.Context, location string) error {
	return s.cfg.Retry.Do(ctx, func() error {
		return s.cfg.Storage.Delete(ctx, location)
	})
}

var _ Sink = (*TaskSink)(nil)
