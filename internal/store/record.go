package store

import (
	"database/sql"
	"time"
)

// Upsert inserts or updates a locally mutated record. The record becomes
// dirty, its version is bumped, and a cleared tombstone is revived. The
// server-confirmed timestamp is left untouched.
func (db *DB) Upsert(r *Record) error {
	db.locks.Lock(r.ID)
	defer db.locks.Unlock(r.ID)

	now := time.Now().UnixMilli()
	localAt := r.LocalUpdatedAt
	if localAt == 0 {
		localAt = now
	}
	_, err := db.Exec(`
		INSERT INTO records (id, user_id, record_type, payload, local_updated_at, remote_updated_at, dirty, version, deleted, deleted_at, created_at)
		VALUES (?, ?, ?, ?, ?, 0, 1, 1, 0, 0, ?)
		ON CONFLICT(id) DO UPDATE SET
			payload = excluded.payload,
			local_updated_at = excluded.local_updated_at,
			dirty = 1,
			deleted = 0,
			deleted_at = 0,
			version = records.version + 1`,
		r.ID, r.UserID, r.Type, string(r.Payload), localAt, now)
	return err
}

// MarkDirty flags a record as locally mutated without touching its payload.
func (db *DB) MarkDirty(id string) error {
	db.locks.Lock(id)
	defer db.locks.Unlock(id)

	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE records SET dirty = 1, local_updated_at = ?, version = version + 1
		WHERE id = ?`, now, id)
	return err
}

// Get returns a single record by id, or nil if absent.
func (db *DB) Get(id string) (*Record, error) {
	row := db.QueryRow(`
		SELECT id, user_id, record_type, payload, local_updated_at, remote_updated_at, dirty, version, deleted, deleted_at
		FROM records WHERE id = ?`, id)
	return scanRecord(row)
}

// FetchDirty returns all dirty records of the given type, oldest mutation first.
// Tombstones are included so deletions propagate like any other local change.
func (db *DB) FetchDirty(t RecordType) ([]Record, error) {
	rows, err := db.Query(`
		SELECT id, user_id, record_type, payload, local_updated_at, remote_updated_at, dirty, version, deleted, deleted_at
		FROM records
		WHERE record_type = ? AND dirty = 1
		ORDER BY local_updated_at ASC`, t)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var recs []Record
	for rows.Next() {
		r, err := scanRecordRow(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *r)
	}
	return recs, rows.Err()
}

// ApplyRemote applies a server-side record to the local store. Returns
// whether the row changed.
//
// Idempotent: a remote record whose confirmed timestamp already matches a
// clean local row is a no-op. A dirty local row with a newer local
// mutation is left alone; divergences are decided by the conflict
// resolver before this call, so the guard here only protects against
// out-of-band races. A remote tombstone removes the local row outright:
// the server already forgot the record, so there is nothing left to
// reconcile against.
func (db *DB) ApplyRemote(r *Record) (bool, error) {
	db.locks.Lock(r.ID)
	defer db.locks.Unlock(r.ID)

	local, err := db.Get(r.ID)
	if err != nil {
		return false, err
	}

	if local == nil {
		if r.Deleted {
			// Remote tombstone for a record we never had.
			return false, nil
		}
		_, err := db.Exec(`
			INSERT INTO records (id, user_id, record_type, payload, local_updated_at, remote_updated_at, dirty, version, deleted, deleted_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, 1, 0, 0, ?)`,
			r.ID, r.UserID, r.Type, string(r.Payload), r.RemoteUpdatedAt, r.RemoteUpdatedAt, time.Now().UnixMilli())
		if err != nil {
			return false, err
		}
		return true, nil
	}

	if !local.Dirty && local.RemoteUpdatedAt == r.RemoteUpdatedAt {
		return false, nil
	}
	if local.Dirty && local.LocalUpdatedAt > r.RemoteUpdatedAt {
		return false, nil
	}

	if r.Deleted {
		_, err := db.Exec(`DELETE FROM records WHERE id = ?`, r.ID)
		if err != nil {
			return false, err
		}
		return true, nil
	}

	_, err = db.Exec(`
		UPDATE records SET
			payload = ?, local_updated_at = ?, remote_updated_at = ?,
			dirty = 0, deleted = 0, deleted_at = 0, version = version + 1
		WHERE id = ?`,
		string(r.Payload), r.RemoteUpdatedAt, r.RemoteUpdatedAt, r.ID)
	if err != nil {
		return false, err
	}
	return true, nil
}

// Delete tombstones a record. The row survives until the deletion is
// confirmed pushed so concurrent remote updates can still be detected.
func (db *DB) Delete(id string) error {
	db.locks.Lock(id)
	defer db.locks.Unlock(id)

	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE records SET deleted = 1, deleted_at = ?, dirty = 1, local_updated_at = ?, version = version + 1
		WHERE id = ?`, now, now, id)
	return err
}

// ClearDirty marks a record as confirmed pushed, recording the
// server-confirmed timestamp.
func (db *DB) ClearDirty(id string, remoteUpdatedAt int64) error {
	db.locks.Lock(id)
	defer db.locks.Unlock(id)

	_, err := db.Exec(`
		UPDATE records SET dirty = 0, remote_updated_at = ? WHERE id = ?`,
		remoteUpdatedAt, id)
	return err
}

// PurgeTombstone hard-deletes a tombstone whose deletion the server has
// confirmed. No-op for live or still-dirty rows.
func (db *DB) PurgeTombstone(id string) error {
	db.locks.Lock(id)
	defer db.locks.Unlock(id)

	_, err := db.Exec(`DELETE FROM records WHERE id = ? AND deleted = 1 AND dirty = 0`, id)
	return err
}

// ConfirmDelete removes a tombstone the server has acknowledged. A single
// statement: the row disappears or stays a dirty tombstone, so a failure
// here leaves the deletion queued for the next push. No-op for live rows.
func (db *DB) ConfirmDelete(id string) error {
	db.locks.Lock(id)
	defer db.locks.Unlock(id)

	_, err := db.Exec(`DELETE FROM records WHERE id = ? AND deleted = 1`, id)
	return err
}

// CountDirty returns the number of dirty records per type, tombstones
// included. Types with no pending work are omitted.
func (db *DB) CountDirty() (map[RecordType]int, error) {
	rows, err := db.Query(`
		SELECT record_type, COUNT(*) FROM records WHERE dirty = 1 GROUP BY record_type`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[RecordType]int)
	for rows.Next() {
		var t RecordType
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, err
		}
		counts[t] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row *sql.Row) (*Record, error) {
	r, err := scanRecordRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func scanRecordRow(s rowScanner) (*Record, error) {
	var r Record
	var payload string
	if err := s.Scan(&r.ID, &r.UserID, &r.Type, &payload, &r.LocalUpdatedAt, &r.RemoteUpdatedAt, &r.Dirty, &r.Version, &r.Deleted, &r.DeletedAt); err != nil {
		return nil, err
	}
	r.Payload = []byte(payload)
	return &r, nil
}
