package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SettingSchedulerHeartbeat holds an RFC 3339 timestamp written by the
// cleanup driver on every pass. The status command reads it to tell a live
// scheduler from a wedged one.
const SettingSchedulerHeartbeat = "scheduler.heartbeat"

// Setting returns the value stored under key, or ErrNotFound.
func (s *Store) Setting(ctx context.Context, key string) (string, error) {
	var value string

	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("store: setting %q: %w", key, ErrNotFound)
	}

	if err != nil {
		return "", fmt.Errorf("store: reading setting %q: %w", key, err)
	}

	return value, nil
}

// PutSetting stores or replaces a key/value pair.
func (s *Store) PutSetting(ctx context.Context, key, value string) error {
	now := s.now()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				value = excluded.value,
				updated_at = excluded.updated_at`,
		key, value, now.UnixNano())
	if err != nil {
		return fmt.Errorf("store: writing setting %q: %w", key, err)
	}

	return nil
}

// Settings returns all stored key/value pairs.
func (s *Store) Settings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("store: listing settings: %w", err)
	}
	defer rows.Close()

	settings := make(map[string]string)

	for rows.Next() {
		var key, value string

		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("store: scanning setting: %w", err)
		}

		settings[key] = value
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating settings: %w", err)
	}

	return settings, nil
}
