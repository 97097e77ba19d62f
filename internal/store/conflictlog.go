package store

import "time"

// AppendConflict writes one audit entry for a resolved divergence. Entries
// are append-only; callers must write the entry before applying the
// winning state so the audit trail never lags the store.
func (db *DB) AppendConflict(e *ConflictEntry) error {
	detected := e.DetectedAt
	if detected == 0 {
		detected = time.Now().UnixMilli()
	}
	res, err := db.Exec(`
		INSERT INTO conflict_log (user_id, record_type, record_id, conflict_type, resolution, local_ts, remote_ts, detected_at, flushed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		e.UserID, e.RecordType, e.RecordID, e.ConflictType, e.Resolution, e.LocalTS, e.RemoteTS, detected)
	if err != nil {
		return err
	}
	e.ID, _ = res.LastInsertId()
	e.DetectedAt = detected
	return nil
}

// UnflushedConflicts returns audit entries not yet delivered to the remote
// sink, oldest first.
func (db *DB) UnflushedConflicts(limit int) ([]ConflictEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT id, user_id, record_type, record_id, conflict_type, resolution, local_ts, remote_ts, detected_at, flushed
		FROM conflict_log WHERE flushed = 0 ORDER BY detected_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []ConflictEntry
	for rows.Next() {
		var e ConflictEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.RecordType, &e.RecordID, &e.ConflictType, &e.Resolution, &e.LocalTS, &e.RemoteTS, &e.DetectedAt, &e.Flushed); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkConflictFlushed records that the remote sink accepted an entry. The
// entry itself is never mutated or deleted.
func (db *DB) MarkConflictFlushed(id int64) error {
	_, err := db.Exec(`UPDATE conflict_log SET flushed = 1 WHERE id = ?`, id)
	return err
}
