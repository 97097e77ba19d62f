// Package remote reaches the authoritative store. Two implementations
// share one contract: the hosted backend's row API over HTTP, and a
// direct Postgres connection for self-hosted deployments.
package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/covehq/cove/internal/store"
)

// Client is the remote data contract consumed by the sync engine and the
// audit flusher. All calls are bounded by the caller's context.
type Client interface {
	// Ping verifies the remote is reachable. Used by the connectivity probe.
	Ping(ctx context.Context) error

	// PullSince returns the caller's records of one type modified strictly
	// after the given watermark (unix millis), oldest first. Remote deletes
	// may appear as tombstone-flagged rows; backends that drop deleted rows
	// from watermark queries simply never return them.
	PullSince(ctx context.Context, t store.RecordType, since int64) ([]store.Record, error)

	// Push uploads one locally mutated record and returns the
	// server-confirmed updated_at (unix millis).
	Push(ctx context.Context, r *store.Record) (int64, error)

	// PushDelete propagates a local tombstone and returns the
	// server-confirmed delete time (unix millis).
	PushDelete(ctx context.Context, t store.RecordType, id string) (int64, error)

	// AppendConflict writes one audit entry to the remote conflict log.
	// Failures are non-fatal to sync; callers retry opportunistically.
	AppendConflict(ctx context.Context, e *store.ConflictEntry) error

	// Close releases the underlying connection resources.
	Close()
}

// TransientError marks a failure worth retrying on the next trigger:
// timeouts, dropped connections, 5xx responses.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a retryable remote failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
