// Package export defines the provider contract for pluggable per-module
// exporters and the sink handed to a provider for the duration of one
// work-item invocation.
package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/phrazzld/takeout-api/internal/domain"
)

// ResultKind tags the outcome of a provider's Export call.
type ResultKind int

// Possible export outcomes.
const (
	// ResultCompleted means the module's data was exported in full.
	ResultCompleted ResultKind = iota

	// ResultIncomplete means the provider stopped early and expects to be
	// re-invoked later, optionally from a savepoint.
	ResultIncomplete

	// ResultInterrupted means the provider observed cooperative
	// cancellation and stopped cleanly; the work item should pause.
	ResultInterrupted

	// ResultAborted means the provider observed the task's abort and the
	// task should discard all remaining work.
	ResultAborted
)

// Result is the tagged outcome of one Export invocation. Savepoint and Cause
// are only meaningful for ResultIncomplete.
type Result struct {
	Kind      ResultKind
	Savepoint *domain.Savepoint
	Cause     error
}

// Completed reports a fully exported module.
func Completed() Result {
	return Result{Kind: ResultCompleted}
}

// Incomplete reports a partial export, optionally carrying the savepoint to
// resume from and the error that cut the run short.
func Incomplete(savepoint *domain.Savepoint, cause error) Result {
	return Result{Kind: ResultIncomplete, Savepoint: savepoint, Cause: cause}
}

// Interrupted reports a cooperative stop.
func Interrupted() Result {
	return Result{Kind: ResultInterrupted}
}

// Aborted reports that the provider observed the task's abort.
func Aborted() Result {
	return Result{Kind: ResultAborted}
}

// PauseResult is the outcome of asking a provider to pause mid-item.
type PauseResult struct {
	// Paused is true when the provider stopped and (optionally) produced a
	// savepoint; false when there was nothing to pause.
	Paused    bool
	Savepoint *domain.Savepoint
}

// Item describes one logical unit handed to the sink.
type Item struct {
	// Path is the item's position inside the export hierarchy.
	Path string

	// ContentType of the serialized item, informational.
	ContentType string
}

// Sink is the per-work-item output channel handed to a provider. Providers
// report failures through the Result/error return of Export, never by
// touching task state; the sink is their only side channel.
type Sink interface {
	// Export writes one logical unit. Returns false when the sink has been
	// revoked (the task was canceled concurrently) so the provider can stop
	// promptly.
	Export(data io.Reader, item Item) (bool, error)

	// ExportDirectory records a hierarchy marker. Returns the normalized
	// path, or "" when the sink has been revoked.
	ExportDirectory(dir string) (string, error)

	// Finish flushes and closes the current segment and registers it as a
	// result file. Idempotent: a second call is a no-op returning "".
	Finish(ctx context.Context) (string, error)

	// Revoke deletes all segments written so far and releases resources.
	Revoke(ctx context.Context) error

	// AddToReport appends a diagnostics message to the task's report.
	// Duplicate message IDs are dropped.
	AddToReport(msg domain.Message)

	// SetSavePoint persists the provider's checkpoint. Must be called
	// before returning an incomplete result that relies on it.
	SetSavePoint(ctx context.Context, savepoint []byte) error

	// IncrementFailCount charges a retry attempt against the owning work
	// item's budget. Returns false once the budget is exhausted, signaling
	// the provider to stop retrying and surface the error as fatal.
	IncrementFailCount(ctx context.Context) (bool, error)
}

// Provider is a pluggable exporter for one module. Implementations must stop
// cooperatively when the context is canceled and report the interruption as
// an Interrupted result.
type Provider interface {
	// ModuleID returns the short ASCII token identifying this module.
	ModuleID() string

	// CheckArguments reports whether the submitted per-module properties
	// are acceptable.
	CheckArguments(ctx context.Context, args domain.ModuleArguments) (bool, error)

	// Available reports whether the user has this module at all.
	Available(ctx context.Context, contextID, userID int64) (bool, error)

	// Export streams the module's data into the sink, resuming from the
	// given savepoint when one is present.
	Export(ctx context.Context, processingID uuid.UUID, sink Sink, savepoint []byte, task *domain.Task, locale string) (Result, error)

	// Pause asks a running export to stop and snapshot its position.
	Pause(ctx context.Context, processingID uuid.UUID, sink Sink, task *domain.Task) (PauseResult, error)
}

// ErrUnknownModule is returned when no provider is registered for a module.
var ErrUnknownModule = errors.New("no provider registered for module")

// Registry holds the providers available on this node, keyed by module ID.
// Registration happens during wiring; lookups are concurrent.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider. Registering two providers for one module is a
// wiring bug and returns an error.
func (r *Registry) Register(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.providers[p.ModuleID()]; dup {
		return fmt.Errorf("provider already registered for module %q", p.ModuleID())
	}
	r.providers[p.ModuleID()] = p
	return nil
}

// Get returns the provider for the module.
func (r *Registry) Get(moduleID string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[moduleID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModule, moduleID)
	}
	return p, nil
}

// Modules returns the sorted module IDs with a registered provider.
func (r *Registry) Modules() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.providers))
	for id := range r.providers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
