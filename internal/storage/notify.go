package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/hakobi/internal/model"
)

// ChannelChanges is the Postgres LISTEN/NOTIFY channel carrying lifecycle
// change notifications.
const ChannelChanges = "hakobi_changes"

// maxNotifyPayload is Postgres' hard limit on a NOTIFY payload.
const maxNotifyPayload = 8000

// ListenChanges subscribes the dedicated notify connection to ChannelChanges.
// Returns an error if no notify connection is configured.
func (db *DB) ListenChanges(ctx context.Context) error {
	if db.notifyConn == nil {
		return fmt.Errorf("storage: notify connection not configured")
	}
	_, err := db.notifyConn.Exec(ctx, "LISTEN "+pgx.Identifier{ChannelChanges}.Sanitize())
	if err != nil {
		return fmt.Errorf("storage: listen %s: %w", ChannelChanges, err)
	}
	return nil
}

// NextChange blocks until a change notification arrives and decodes it.
// Notifications on other channels are skipped.
func (db *DB) NextChange(ctx context.Context) (model.Change, error) {
	if db.notifyConn == nil {
		return model.Change{}, fmt.Errorf("storage: notify connection not configured")
	}
	for {
		n, err := db.notifyConn.WaitForNotification(ctx)
		if err != nil {
			return model.Change{}, fmt.Errorf("storage: wait for notification: %w", err)
		}
		if n.Channel != ChannelChanges {
			continue
		}
		var c model.Change
		if err := json.Unmarshal([]byte(n.Payload), &c); err != nil {
			return model.Change{}, fmt.Errorf("storage: decode change: %w", err)
		}
		return c, nil
	}
}

// NotifyChange publishes a change on ChannelChanges.
func (db *DB) NotifyChange(ctx context.Context, c model.Change) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("storage: encode change: %w", err)
	}
	if len(payload) > maxNotifyPayload {
		return fmt.Errorf("storage: change payload of %d bytes exceeds NOTIFY limit", len(payload))
	}
	if _, err := db.pool.Exec(ctx, "SELECT pg_notify($1, $2)", ChannelChanges, string(payload)); err != nil {
		return fmt.Errorf("storage: notify %s: %w", ChannelChanges, err)
	}
	return nil
}
