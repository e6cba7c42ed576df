package dispatch

import (
	"context"
	"log/slog"

	"github.com/phrazzld/takeout-api/internal/domain"
)

// Notifier is told when a task reaches a terminal status so the owner can be
// informed out of band. Implementations must be safe for concurrent use.
type Notifier interface {
	// TaskFinished delivers the notification for one terminal task. An error
	// keeps the task's notification pending for a later retry.
	TaskFinished(ctx context.Context, task *domain.Task) error
}

// LogNotifier is the default Notifier: it records the terminal transition in
// the log and nothing else.
type LogNotifier struct {
	Logger *slog.Logger
}

// TaskFinished logs the terminal task.
func (n *LogNotifier) TaskFinished(ctx context.Context, task *domain.Task) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "task finished",
		"task_id", task.ID,
		"user_id", task.UserID,
		"status", task.Status,
		"result_files", len(task.ResultFiles))
	return nil
}
