package domain

import "encoding/json"

// Savepoint is an immutable snapshot taken when a provider pauses or returns
// incomplete: an opaque provider checkpoint, an optional reference to the
// intermediate artifact written so far, and any diagnostics accumulated up to
// that point. It is consumed unchanged when the work item resumes.
type Savepoint struct {
	Checkpoint      json.RawMessage `json:"checkpoint,omitempty"`
	StorageLocation string          `json:"storage_location,omitempty"`
	Messages        []Message       `json:"messages,omitempty"`
}

// Empty reports whether the savepoint carries no state at all.
func (s Savepoint) Empty() bool {
	return len(s.Checkpoint) == 0 && s.StorageLocation == "" && len(s.Messages) == 0
}
