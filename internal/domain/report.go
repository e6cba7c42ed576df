package domain

import (
	"sync"
	"time"
)

// MessageType classifies a diagnostics message.
type MessageType string

// Possible message types.
const (
	MessageTypeNeutral          MessageType = "neutral"
	MessageTypePermissionDenied MessageType = "permission_denied"
)

// Message is one immutable diagnostics entry produced by a provider while
// exporting. Messages with the same ID describe the same logical event, so
// repeated retries of the same work do not inflate the report.
type Message struct {
	ID        string      `json:"id"`
	Text      string      `json:"text"`
	Timestamp time.Time   `json:"timestamp"`
	ModuleID  string      `json:"module_id"`
	Type      MessageType `json:"type"`
}

// ReportOptions controls what a DiagnosticsReport retains.
type ReportOptions struct {
	// KeepPermissionDenied determines whether permission-denied messages are
	// recorded at all. When false they are silently dropped.
	KeepPermissionDenied bool
}

// DiagnosticsReport is a thread-safe, insertion-ordered, deduplicating set of
// messages. Adding a message whose ID was already recorded is a no-op, which
// keeps the report stable across retries on concurrent writers.
type DiagnosticsReport struct {
	mu       sync.Mutex
	messages []Message
	seen     map[string]struct{}
	options  ReportOptions
}

// NewDiagnosticsReport creates an empty report with the given options.
func NewDiagnosticsReport(options ReportOptions) *DiagnosticsReport {
	return &DiagnosticsReport{
		seen:    make(map[string]struct{}),
		options: options,
	}
}

// Add records the message if its ID has not been seen before. Returns true if
// the message was added, false if it was deduplicated or filtered out.
func (r *DiagnosticsReport) Add(msg Message) bool {
	if msg.Type == MessageTypePermissionDenied && !r.options.KeepPermissionDenied {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.seen[msg.ID]; dup {
		return false
	}

	r.seen[msg.ID] = struct{}{}
	r.messages = append(r.messages, msg)
	return true
}

// Messages returns a copy of the recorded messages in insertion order.
func (r *DiagnosticsReport) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// Len returns the number of recorded messages.
func (r *DiagnosticsReport) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}
