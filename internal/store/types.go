package store

// RecordType enumerates the entity kinds subject to two-way sync.
type RecordType string

const (
	RecordTypeConversation   RecordType = "conversation"
	RecordTypeMessage        RecordType = "message"
	RecordTypeContextProfile RecordType = "context_profile"
)

// RecordTypes lists all syncable types in the order the engine pulls them.
var RecordTypes = []RecordType{
	RecordTypeConversation,
	RecordTypeMessage,
	RecordTypeContextProfile,
}

// ConflictType classifies how a divergence arose.
type ConflictType string

const (
	ConflictUpdateUpdate ConflictType = "update_update"
	ConflictDeleteUpdate ConflictType = "delete_update"
	ConflictUpdateDelete ConflictType = "update_delete"
)

// Resolution records which side of a conflict won.
type Resolution string

const (
	ResolutionLocalWins  Resolution = "local_wins"
	ResolutionRemoteWins Resolution = "remote_wins"
	ResolutionMerged     Resolution = "merged"
)

// Record is a locally persisted syncable entity. Payload holds the
// type-specific fields as JSON; the sync engine treats it opaquely.
//
// Invariant: Dirty implies LocalUpdatedAt > RemoteUpdatedAt, or the record
// has never synced (RemoteUpdatedAt == 0). Timestamps are unix millis;
// a zero RemoteUpdatedAt means "never confirmed by the server".
type Record struct {
	ID              string
	UserID          string
	Type            RecordType
	Payload         []byte
	LocalUpdatedAt  int64
	RemoteUpdatedAt int64
	Dirty           bool
	Version         int64
	Deleted         bool
	DeletedAt       int64
}

// Tombstone reports whether this record represents a deletion.
func (r *Record) Tombstone() bool {
	return r.Deleted
}

// ConflictEntry is an immutable audit record of one resolved divergence.
// Entries are append-only: written once when the conflict is detected,
// flushed opportunistically to the remote audit sink, never mutated.
type ConflictEntry struct {
	ID           int64
	UserID       string
	RecordType   RecordType
	RecordID     string
	ConflictType ConflictType
	Resolution   Resolution
	LocalTS      int64
	RemoteTS     int64
	DetectedAt   int64
	Flushed      bool
}
