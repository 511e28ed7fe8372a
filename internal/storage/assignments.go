package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/hakobi/internal/model"
)

const assignmentColumns = `id, tenant_id, request_id, courier_id, status, assigned_by, assigned_at,
	started_at, picked_up_at, delivered_at, completed_at,
	pickup_actor_id, pickup_evidence_ref, pickup_qty_value, pickup_qty_unit,
	delivery_actor_id, delivery_evidence_ref, delivery_qty_value, delivery_qty_unit,
	version, updated_at`

// activeAssignmentStatuses mirrors the partial unique index assignments_one_active.
const activeAssignmentStatuses = `('assigned','in_progress','picked_up')`

func scanAssignment(row pgx.Row) (model.Assignment, error) {
	var (
		a                   model.Assignment
		pActor, pRef, pUnit *string
		dActor, dRef, dUnit *string
		pValue, dValue      *float64
	)
	err := row.Scan(
		&a.ID, &a.TenantID, &a.RequestID, &a.CourierID, &a.Status, &a.AssignedBy, &a.AssignedAt,
		&a.StartedAt, &a.PickedUpAt, &a.DeliveredAt, &a.CompletedAt,
		&pActor, &pRef, &pValue, &pUnit,
		&dActor, &dRef, &dValue, &dUnit,
		&a.Version, &a.UpdatedAt,
	)
	if err != nil {
		return model.Assignment{}, err
	}
	a.Pickup = proofFromColumns(model.StagePickup, pActor, a.PickedUpAt, pRef, pValue, pUnit)
	a.Delivery = proofFromColumns(model.StageDelivery, dActor, a.DeliveredAt, dRef, dValue, dUnit)
	return a, nil
}

func insertAssignment(ctx context.Context, q querier, a *model.Assignment) error {
	pActor, pRef, pValue, pUnit := proofColumns(&a.Pickup)
	dActor, dRef, dValue, dUnit := proofColumns(&a.Delivery)
	_, err := q.Exec(ctx,
		`INSERT INTO assignments (id, tenant_id, request_id, courier_id, status, assigned_by, assigned_at,
		 started_at, picked_up_at, delivered_at, completed_at,
		 pickup_actor_id, pickup_evidence_ref, pickup_qty_value, pickup_qty_unit,
		 delivery_actor_id, delivery_evidence_ref, delivery_qty_value, delivery_qty_unit,
		 version, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		a.ID, a.TenantID, a.RequestID, a.CourierID, string(a.Status), a.AssignedBy, a.AssignedAt,
		a.StartedAt, a.PickedUpAt, a.DeliveredAt, a.CompletedAt,
		pActor, pRef, pValue, pUnit,
		dActor, dRef, dValue, dUnit,
		a.Version, a.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: request %s already has an active assignment", ErrConflict, a.RequestID)
		}
		return fmt.Errorf("storage: insert assignment: %w", err)
	}
	return nil
}

func getAssignment(ctx context.Context, q querier, tenantID, id uuid.UUID) (model.Assignment, error) {
	a, err := scanAssignment(q.QueryRow(ctx,
		`SELECT `+assignmentColumns+` FROM assignments WHERE id = $1 AND tenant_id = $2`,
		id, tenantID))
	if err != nil {
		return model.Assignment{}, notFound(err, "assignment", id)
	}
	return a, nil
}

// updateAssignment writes every mutable assignment column under a version
// check. Courier identity changes are gated by the lifecycle engine, not here.
func updateAssignment(ctx context.Context, q querier, a *model.Assignment) error {
	pActor, pRef, pValue, pUnit := proofColumns(&a.Pickup)
	dActor, dRef, dValue, dUnit := proofColumns(&a.Delivery)
	var newVersion int
	err := q.QueryRow(ctx,
		`UPDATE assignments SET courier_id = $3, status = $4,
		 started_at = $5, picked_up_at = $6, delivered_at = $7, completed_at = $8,
		 pickup_actor_id = $9, pickup_evidence_ref = $10, pickup_qty_value = $11, pickup_qty_unit = $12,
		 delivery_actor_id = $13, delivery_evidence_ref = $14, delivery_qty_value = $15, delivery_qty_unit = $16,
		 updated_at = $17, version = version + 1
		 WHERE id = $1 AND tenant_id = $2 AND version = $18
		 RETURNING version`,
		a.ID, a.TenantID, a.CourierID, string(a.Status),
		a.StartedAt, a.PickedUpAt, a.DeliveredAt, a.CompletedAt,
		pActor, pRef, pValue, pUnit,
		dActor, dRef, dValue, dUnit,
		a.UpdatedAt, a.Version,
	).Scan(&newVersion)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: assignment %s changed since version %d", ErrConflict, a.ID, a.Version)
		}
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: request %s already has an active assignment", ErrConflict, a.RequestID)
		}
		return fmt.Errorf("storage: update assignment: %w", err)
	}
	a.Version = newVersion
	return nil
}

// GetAssignment returns an assignment in any status. Assignments are never
// deleted, so every one stays readable for audit.
func (db *DB) GetAssignment(ctx context.Context, tenantID, id uuid.UUID) (model.Assignment, error) {
	return getAssignment(ctx, db.pool, tenantID, id)
}

// ListAssignments returns assignments for a tenant ordered by assigned_at DESC.
// Without a status filter only the active set is returned.
func (db *DB) ListAssignments(ctx context.Context, tenantID uuid.UUID, f model.AssignmentFilter) ([]model.Assignment, int, error) {
	page := f.Page.Clamp()

	conditions := []string{"tenant_id = $1"}
	args := []any{tenantID}
	idx := 2

	if f.Status != nil {
		conditions = append(conditions, fmt.Sprintf("status = $%d", idx))
		args = append(args, string(*f.Status))
		idx++
	} else {
		conditions = append(conditions, "status IN "+activeAssignmentStatuses)
	}
	if f.CourierID != "" {
		conditions = append(conditions, fmt.Sprintf("courier_id = $%d", idx))
		args = append(args, f.CourierID)
		idx++
	}
	if f.RequestID != nil {
		conditions = append(conditions, fmt.Sprintf("request_id = $%d", idx))
		args = append(args, *f.RequestID)
		idx++
	}
	where := " WHERE " + strings.Join(conditions, " AND ")

	var total int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM assignments`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count assignments: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM assignments%s ORDER BY assigned_at DESC, id LIMIT $%d OFFSET $%d`,
		assignmentColumns, where, idx, idx+1)
	rows, err := db.pool.Query(ctx, query, append(args, page.Limit, page.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list assignments: %w", err)
	}
	defer rows.Close()

	var out []model.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan assignment: %w", err)
		}
		out = append(out, a)
	}
	return out, total, rows.Err()
}

func (t *pgTx) InsertAssignment(ctx context.Context, a *model.Assignment) error {
	return insertAssignment(ctx, t.q, a)
}

func (t *pgTx) GetAssignment(ctx context.Context, tenantID, id uuid.UUID) (model.Assignment, error) {
	return getAssignment(ctx, t.q, tenantID, id)
}

func (t *pgTx) ActiveAssignment(ctx context.Context, tenantID, requestID uuid.UUID) (model.Assignment, error) {
	a, err := scanAssignment(t.q.QueryRow(ctx,
		`SELECT `+assignmentColumns+` FROM assignments
		 WHERE request_id = $1 AND tenant_id = $2 AND status IN `+activeAssignmentStatuses,
		requestID, tenantID))
	if err != nil {
		return model.Assignment{}, notFound(err, "active assignment for request", requestID)
	}
	return a, nil
}

func (t *pgTx) LatestAssignment(ctx context.Context, tenantID, requestID uuid.UUID) (model.Assignment, error) {
	a, err := scanAssignment(t.q.QueryRow(ctx,
		`SELECT `+assignmentColumns+` FROM assignments
		 WHERE request_id = $1 AND tenant_id = $2 AND status NOT IN ('replaced','cancelled')
		 ORDER BY assigned_at DESC, id LIMIT 1`,
		requestID, tenantID))
	if err != nil {
		return model.Assignment{}, notFound(err, "assignment for request", requestID)
	}
	return a, nil
}

func (t *pgTx) UpdateAssignment(ctx context.Context, a *model.Assignment) error {
	return updateAssignment(ctx, t.q, a)
}
