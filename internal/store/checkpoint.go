package store

import (
	"context"
	"database/sql"
	"time"
)

// SetCheckpoint stores a sync checkpoint value, such as a feed resume token.
func (db *DB) SetCheckpoint(ctx context.Context, key, value string) error {
	now := time.Now().UnixMilli()
	return db.write(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO sync_state (key, value, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, value, now)
		return err
	})
}

// Checkpoint retrieves a sync checkpoint value. Missing keys return "".
func (db *DB) Checkpoint(ctx context.Context, key string) (string, error) {
	if !db.ready.Load() {
		return "", ErrNotReady
	}
	var value string
	err := db.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}
