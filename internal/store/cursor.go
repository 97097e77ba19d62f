package store

import (
	"database/sql"
	"strconv"
	"time"
)

// Cursor returns the last-sync watermark for a record type (unix millis).
// Zero means the type has never been pulled.
func (db *DB) Cursor(t RecordType) (int64, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, cursorKey(t)).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(value, 10, 64)
}

// SetCursor advances the last-sync watermark for a record type. Called only
// after the full pulled batch has been applied locally.
func (db *DB) SetCursor(t RecordType, watermark int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		cursorKey(t), strconv.FormatInt(watermark, 10), now)
	return err
}

func cursorKey(t RecordType) string {
	return "cursor:" + string(t)
}
