package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/hakobi/internal/model"
)

const eventColumns = `id, seq, tenant_id, entity_type, entity_id, request_id, action, actor_id, occurred_at, metadata, content_hash`

func appendEvent(ctx context.Context, q querier, e *model.ActivityEvent) error {
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	err := q.QueryRow(ctx,
		`INSERT INTO activity_events (id, tenant_id, entity_type, entity_id, request_id, action, actor_id, occurred_at, metadata, content_hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING seq`,
		e.ID, e.TenantID, string(e.EntityType), e.EntityID, e.RequestID,
		string(e.Action), e.ActorID, e.OccurredAt, e.Metadata, e.ContentHash,
	).Scan(&e.Seq)
	if err != nil {
		return fmt.Errorf("storage: append event: %w", err)
	}
	return nil
}

// requestEvents returns the full history of a request: events on the request
// itself or its processed record, plus events that link to it by the
// request_id column or the request_id metadata key.
func requestEvents(ctx context.Context, q querier, tenantID, requestID uuid.UUID) ([]model.ActivityEvent, error) {
	rows, err := q.Query(ctx,
		`SELECT `+eventColumns+` FROM activity_events
		 WHERE tenant_id = $1 AND (
		   entity_id = $2
		   OR request_id = $2
		   OR metadata->>'request_id' = $2::text
		   OR entity_id IN (SELECT id FROM processed_records WHERE request_id = $2 AND tenant_id = $1)
		 )
		 ORDER BY occurred_at ASC, seq ASC`,
		tenantID, requestID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: query request events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListEvents returns activity events for a tenant ordered by seq.
func (db *DB) ListEvents(ctx context.Context, tenantID uuid.UUID, f model.EventFilter) ([]model.ActivityEvent, int, error) {
	page := f.Page.Clamp()

	conditions := []string{"tenant_id = $1"}
	args := []any{tenantID}
	idx := 2

	if f.RequestID != nil {
		conditions = append(conditions, fmt.Sprintf(
			"(entity_id = $%d OR request_id = $%d OR metadata->>'request_id' = $%d::text)", idx, idx, idx))
		args = append(args, *f.RequestID)
		idx++
	}
	if f.ActorID != "" {
		conditions = append(conditions, fmt.Sprintf("actor_id = $%d", idx))
		args = append(args, f.ActorID)
		idx++
	}
	if f.Action != nil {
		conditions = append(conditions, fmt.Sprintf("action = $%d", idx))
		args = append(args, string(*f.Action))
		idx++
	}
	where := " WHERE " + strings.Join(conditions, " AND ")

	var total int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM activity_events`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count events: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM activity_events%s ORDER BY seq ASC LIMIT $%d OFFSET $%d`,
		eventColumns, where, idx, idx+1)
	rows, err := db.pool.Query(ctx, query, append(args, page.Limit, page.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list events: %w", err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

func (t *pgTx) AppendEvent(ctx context.Context, e *model.ActivityEvent) error {
	return appendEvent(ctx, t.q, e)
}

func (t *pgTx) RequestEvents(ctx context.Context, tenantID, requestID uuid.UUID) ([]model.ActivityEvent, error) {
	return requestEvents(ctx, t.q, tenantID, requestID)
}

func scanEvents(rows pgx.Rows) ([]model.ActivityEvent, error) {
	var events []model.ActivityEvent
	for rows.Next() {
		var e model.ActivityEvent
		if err := rows.Scan(
			&e.ID, &e.Seq, &e.TenantID, &e.EntityType, &e.EntityID, &e.RequestID,
			&e.Action, &e.ActorID, &e.OccurredAt, &e.Metadata, &e.ContentHash,
		); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
