// Package resultstore defines the adapter boundary over an external
// key-value store with TTL. Any store offering atomic per-key
// read-modify-write with expiration qualifies as a backend.
package resultstore

import (
	"context"
	"errors"
	"time"

	"github.com/taskgrid/taskgrid/internal/task"
)

// ErrNotFound indicates no result exists for the requested task ID
var ErrNotFound = errors.New("result not found")

// Update is a partial mutation of a stored result. Zero fields are left
// unchanged; SetValue distinguishes "set Value to nil" from "leave Value".
type Update struct {
	State    task.State
	Value    any
	SetValue bool
	Err      *task.ErrorInfo
	Progress map[string]any // merged into ProgressMeta, last writer wins per key
}

// Store is the result-store adapter.
//
// Implementations must be atomic per ID: concurrent updates to the same ID
// must not corrupt state. Terminal-state transitions are monotonic — once
// a result is SUCCESS, FAILURE or REVOKED, an Update carrying another state
// is dropped (logged, never surfaced as an error; the caller that set the
// terminal state has already moved on). No cross-ID transactions are
// required.
type Store interface {
	// Put creates the initial PENDING result for a task ID with the given
	// TTL (zero means the implementation default)
	Put(ctx context.Context, id string, ttl time.Duration) error

	// Get returns a snapshot of the result, or ErrNotFound. Repeated calls
	// after a terminal state return identical snapshots.
	Get(ctx context.Context, id string) (*task.Result, error)

	// Update applies a partial mutation under the per-ID atomicity and
	// terminal-monotonicity rules above
	Update(ctx context.Context, id string, u Update) error

	// UpdateProgress merges progress metadata; shorthand for Update with
	// only Progress set and state PROGRESS while non-terminal
	UpdateProgress(ctx context.Context, id string, meta map[string]any) error

	// Await blocks cooperatively until the result reaches a terminal state
	// or ctx is done. It never busy-waits.
	Await(ctx context.Context, id string) (*task.Result, error)
}
