package db

import (
	"context"
	"encoding/json"
	"fmt"
)

// LogAction appends an audit-log entry. The log is append-only; nothing
// updates or deletes rows.
func (d *DB) LogAction(ctx context.Context, userID, action string, metadata map[string]any) error {
	if metadata == nil {
		metadata = map[string]any{}
	}

	data, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal audit metadata: %w", err)
	}

	_, err = d.client.ExecContext(ctx, `
		INSERT INTO audit_log (user_id, action, metadata)
		VALUES ($1, $2, $3)
	`, userID, action, data)
	if err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}

	return nil
}
