package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/covehq/cove/internal/store"
)

// PGClient talks directly to the backing Postgres for self-hosted
// deployments, skipping the row API entirely.
type PGClient struct {
	pool   *pgxpool.Pool
	userID string
	log    *zap.Logger
}

// NewPG connects a pgx pool against dsn. The schema mirrors the hosted
// backend: one table per record type plus conflict_audit, timestamps as
// unix millis.
func NewPG(ctx context.Context, dsn, userID string, log *zap.Logger) (*PGClient, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 4
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PGClient{pool: pool, userID: userID, log: log.Named("remote")}, nil
}

// table maps a record type to its backing table. Record types are a
// closed set, so this cannot be used for injection.
func table(t store.RecordType) (string, error) {
	switch t {
	case store.RecordTypeConversation:
		return "conversations", nil
	case store.RecordTypeMessage:
		return "messages", nil
	case store.RecordTypeContextProfile:
		return "context_profiles", nil
	}
	return "", fmt.Errorf("unknown record type %q", t)
}

func (c *PGClient) Ping(ctx context.Context) error {
	if err := c.pool.Ping(ctx); err != nil {
		return &TransientError{Op: "ping", Err: err}
	}
	return nil
}

func (c *PGClient) PullSince(ctx context.Context, t store.RecordType, since int64) ([]store.Record, error) {
	tbl, err := table(t)
	if err != nil {
		return nil, err
	}

	q := fmt.Sprintf(`SELECT id, user_id, payload, updated_at, deleted
		FROM %s WHERE user_id = $1 AND updated_at > $2 ORDER BY updated_at ASC`, tbl)
	rows, err := c.pool.Query(ctx, q, c.userID, since)
	if err != nil {
		return nil, &TransientError{Op: "pull " + string(t), Err: err}
	}
	defer rows.Close()

	var records []store.Record
	for rows.Next() {
		var rec store.Record
		rec.Type = t
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Payload, &rec.RemoteUpdatedAt, &rec.Deleted); err != nil {
			return nil, &TransientError{Op: "pull " + string(t), Err: err}
		}
		if rec.Deleted {
			rec.DeletedAt = rec.RemoteUpdatedAt
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &TransientError{Op: "pull " + string(t), Err: err}
	}
	c.log.Debug("pulled rows", zap.String("type", string(t)), zap.Int64("since", since), zap.Int("count", len(records)))
	return records, nil
}

func (c *PGClient) Push(ctx context.Context, rec *store.Record) (int64, error) {
	tbl, err := table(rec.Type)
	if err != nil {
		return 0, err
	}

	q := fmt.Sprintf(`INSERT INTO %s (id, user_id, payload, created_at, updated_at, deleted)
		VALUES ($1, $2, $3, $4, $4, FALSE)
		ON CONFLICT (id) DO UPDATE SET payload = $3, updated_at = $4, deleted = FALSE
		RETURNING updated_at`, tbl)

	now := time.Now().UnixMilli()
	var updatedAt int64
	if err := c.pool.QueryRow(ctx, q, rec.ID, c.userID, rec.Payload, now).Scan(&updatedAt); err != nil {
		return 0, &TransientError{Op: "push " + string(rec.Type), Err: err}
	}
	return updatedAt, nil
}

func (c *PGClient) PushDelete(ctx context.Context, t store.RecordType, id string) (int64, error) {
	tbl, err := table(t)
	if err != nil {
		return 0, err
	}

	q := fmt.Sprintf(`UPDATE %s SET deleted = TRUE, updated_at = $3
		WHERE id = $1 AND user_id = $2 RETURNING updated_at`, tbl)

	now := time.Now().UnixMilli()
	var updatedAt int64
	err = c.pool.QueryRow(ctx, q, id, c.userID, now).Scan(&updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Already gone upstream. The tombstone is confirmed either way.
		return now, nil
	}
	if err != nil {
		return 0, &TransientError{Op: "push delete " + string(t), Err: err}
	}
	return updatedAt, nil
}

func (c *PGClient) AppendConflict(ctx context.Context, e *store.ConflictEntry) error {
	q := `INSERT INTO conflict_audit
		(user_id, record_type, record_id, conflict_type, resolution, local_ts, remote_ts, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := c.pool.Exec(ctx, q,
		e.UserID, string(e.RecordType), e.RecordID,
		string(e.ConflictType), string(e.Resolution),
		e.LocalTS, e.RemoteTS, e.DetectedAt)
	if err != nil {
		return &TransientError{Op: "append conflict", Err: err}
	}
	return nil
}

func (c *PGClient) Close() {
	c.pool.Close()
}
