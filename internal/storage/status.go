package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// System status keys.
const (
	StatusRefreshRun = "last_refresh_run"
	StatusCheckRun   = "last_check_run"
	StatusCleanupRun = "last_cleanup_run"
	StatusStartup    = "startup_time"
)

// SetStatus records a timestamp for key.
func (s *Store) SetStatus(ctx context.Context, key string, at time.Time) error {
	now := s.now().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO system_status(key, value, updated_at) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, at.UTC().Format(time.RFC3339Nano), now)
	return err
}

// Status returns the raw stored value for key. ok is false when absent.
func (s *Store) Status(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM system_status WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}
