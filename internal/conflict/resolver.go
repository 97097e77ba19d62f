// Package conflict decides the winning state when a record diverged on
// both sides since the last common sync point.
package conflict

import (
	"errors"
	"time"

	"github.com/covehq/cove/internal/store"
)

var (
	// ErrNilRecord is returned when either side of a divergence is missing.
	ErrNilRecord = errors.New("conflict: both records must be non-nil")
	// ErrIDMismatch is returned when the two records are different entities.
	ErrIDMismatch = errors.New("conflict: record id mismatch")
)

// Result is the outcome of resolving one divergence. Entry is the audit
// record the caller must persist before applying Winner to the store.
type Result struct {
	Winner     *store.Record
	Loser      *store.Record
	Type       store.ConflictType
	Resolution store.Resolution
	Entry      store.ConflictEntry
}

// Resolve decides between a local and a remote version of the same record.
// Pure: no I/O, no store access, deterministic for a given input pair.
//
// Policy: a deletion loses to a strictly newer update on the other side
// (user intent is newer), otherwise whole-record last-writer-wins with
// ties broken toward remote, the server being canonical. No field-level
// merge is attempted for generic records.
func Resolve(local, remote *store.Record) (*Result, error) {
	if local == nil || remote == nil {
		return nil, ErrNilRecord
	}
	if local.ID != remote.ID {
		return nil, ErrIDMismatch
	}

	var (
		conflictType store.ConflictType
		resolution   store.Resolution
	)

	switch {
	case remote.Tombstone() && !local.Tombstone():
		conflictType = store.ConflictDeleteUpdate
		if local.Dirty && local.LocalUpdatedAt > remoteTime(remote) {
			resolution = store.ResolutionLocalWins
		} else {
			resolution = store.ResolutionRemoteWins
		}

	case local.Tombstone() && !remote.Tombstone():
		conflictType = store.ConflictUpdateDelete
		if remoteTime(remote) > local.DeletedAt {
			resolution = store.ResolutionRemoteWins
		} else {
			resolution = store.ResolutionLocalWins
		}

	default:
		conflictType = store.ConflictUpdateUpdate
		if local.LocalUpdatedAt > remoteTime(remote) {
			resolution = store.ResolutionLocalWins
		} else {
			resolution = store.ResolutionRemoteWins
		}
	}

	winner, loser := remote, local
	if resolution == store.ResolutionLocalWins {
		winner, loser = local, remote
	}

	return &Result{
		Winner:     winner,
		Loser:      loser,
		Type:       conflictType,
		Resolution: resolution,
		Entry: store.ConflictEntry{
			UserID:       local.UserID,
			RecordType:   local.Type,
			RecordID:     local.ID,
			ConflictType: conflictType,
			Resolution:   resolution,
			LocalTS:      localTime(local),
			RemoteTS:     remoteTime(remote),
			DetectedAt:   time.Now().UnixMilli(),
		},
	}, nil
}

// localTime is the timestamp of the local side's intent: the delete time
// for a tombstone, the mutation time otherwise.
func localTime(r *store.Record) int64 {
	if r.Tombstone() && r.DeletedAt != 0 {
		return r.DeletedAt
	}
	return r.LocalUpdatedAt
}

// remoteTime is the server-confirmed timestamp, covering both updates and
// tombstones (the backend stamps deletes with updated_at as well).
func remoteTime(r *store.Record) int64 {
	return r.RemoteUpdatedAt
}
