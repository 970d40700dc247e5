package db

import (
	"context"
	"fmt"

	"github.com/brettboylen/reddit-scheduler/models"
)

// SaveAlarm persists a binding so it can be re-armed after a restart
func (d *Database) SaveAlarm(ctx context.Context, binding models.AlarmBinding) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	_, err := d.db.ExecContext(ctx, `
	INSERT INTO alarms (name, job_id, fire_at) VALUES (?, ?, ?)
	ON CONFLICT(name) DO UPDATE SET job_id = excluded.job_id, fire_at = excluded.fire_at
	`, binding.Name, binding.JobID, toMillis(binding.FireAt))
	if err != nil {
		return fmt.Errorf("failed to save alarm %s: %w", binding.Name, err)
	}
	return nil
}

// DeleteAlarm removes a binding; removing a missing binding is a no-op
func (d *Database) DeleteAlarm(ctx context.Context, name string) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if _, err := d.db.ExecContext(ctx, `DELETE FROM alarms WHERE name = ?`, name); err != nil {
		return fmt.Errorf("failed to delete alarm %s: %w", name, err)
	}
	return nil
}

// ListAlarms returns every persisted binding, earliest first
func (d *Database) ListAlarms(ctx context.Context) ([]models.AlarmBinding, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	rows, err := d.db.QueryContext(ctx, `SELECT name, job_id, fire_at FROM alarms ORDER BY fire_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query alarms: %w", err)
	}
	defer rows.Close()

	bindings := make([]models.AlarmBinding, 0)
	for rows.Next() {
		var b models.AlarmBinding
		var fireAt int64
		if err := rows.Scan(&b.Name, &b.JobID, &fireAt); err != nil {
			return nil, fmt.Errorf("failed to scan alarm: %w", err)
		}
		b.FireAt = fromMillis(fireAt)
		bindings = append(bindings, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return bindings, nil
}
