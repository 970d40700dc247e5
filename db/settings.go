package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Well-known settings keys
const (
	SettingUsername  = "username"
	SettingPostTimes = "post_times"
)

// GetSetting returns the value stored under key and whether it was present
func (d *Database) GetSetting(ctx context.Context, key string) (string, bool, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	var value string
	err := d.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return value, true, nil
}

// SetSetting stores value under key, replacing any previous value
func (d *Database) SetSetting(ctx context.Context, key, value string) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	_, err := d.db.ExecContext(ctx, `
	INSERT INTO settings (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}
	return nil
}

// RemoveSetting deletes key; removing a missing key is a no-op
func (d *Database) RemoveSetting(ctx context.Context, key string) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if _, err := d.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to remove setting %s: %w", key, err)
	}
	return nil
}
