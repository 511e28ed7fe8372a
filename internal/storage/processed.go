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

const processedColumns = `id, tenant_id, request_id, assignment_id, snapshot, outcome, finalized_by, finalized_at,
	note, courier_id, final_evidence_ref, final_qty_value, final_qty_unit,
	version, updated_at, deleted_at`

func scanProcessed(row pgx.Row) (model.ProcessedRecord, error) {
	var (
		p     model.ProcessedRecord
		ref   *string
		unit  *string
		value *float64
	)
	err := row.Scan(
		&p.ID, &p.TenantID, &p.RequestID, &p.AssignmentID, &p.Snapshot, &p.Outcome, &p.FinalizedBy, &p.FinalizedAt,
		&p.Note, &p.CourierID, &ref, &value, &unit,
		&p.Version, &p.UpdatedAt, &p.DeletedAt,
	)
	if err != nil {
		return model.ProcessedRecord{}, err
	}
	finalizedBy, finalizedAt := p.FinalizedBy, p.FinalizedAt
	p.Finalization = proofFromColumns(model.StageFinalization, &finalizedBy, &finalizedAt, ref, value, unit)
	return p, nil
}

func insertProcessed(ctx context.Context, q querier, p *model.ProcessedRecord) error {
	_, ref, value, unit := proofColumns(&p.Finalization)
	_, err := q.Exec(ctx,
		`INSERT INTO processed_records (id, tenant_id, request_id, assignment_id, snapshot, outcome,
		 finalized_by, finalized_at, note, courier_id,
		 final_evidence_ref, final_qty_value, final_qty_unit, version, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		p.ID, p.TenantID, p.RequestID, p.AssignmentID, p.Snapshot, string(p.Outcome),
		p.FinalizedBy, p.FinalizedAt, p.Note, p.CourierID,
		ref, value, unit, p.Version, p.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: request %s is already finalized", ErrConflict, p.RequestID)
		}
		return fmt.Errorf("storage: insert processed record: %w", err)
	}
	return nil
}

func getProcessed(ctx context.Context, q querier, tenantID, id uuid.UUID) (model.ProcessedRecord, error) {
	p, err := scanProcessed(q.QueryRow(ctx,
		`SELECT `+processedColumns+` FROM processed_records WHERE id = $1 AND tenant_id = $2`,
		id, tenantID))
	if err != nil {
		return model.ProcessedRecord{}, notFound(err, "processed record", id)
	}
	return p, nil
}

// updateProcessed writes the post-finalization mutable fields: courier
// attribution, finalization proof and soft delete. Outcome and snapshot are
// frozen at finalization.
func updateProcessed(ctx context.Context, q querier, p *model.ProcessedRecord) error {
	_, ref, value, unit := proofColumns(&p.Finalization)
	var newVersion int
	err := q.QueryRow(ctx,
		`UPDATE processed_records SET assignment_id = $3, courier_id = $4,
		 final_evidence_ref = $5, final_qty_value = $6, final_qty_unit = $7,
		 deleted_at = $8, updated_at = $9, version = version + 1
		 WHERE id = $1 AND tenant_id = $2 AND version = $10
		 RETURNING version`,
		p.ID, p.TenantID, p.AssignmentID, p.CourierID,
		ref, value, unit,
		p.DeletedAt, p.UpdatedAt, p.Version,
	).Scan(&newVersion)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: processed record %s changed since version %d", ErrConflict, p.ID, p.Version)
		}
		return fmt.Errorf("storage: update processed record: %w", err)
	}
	p.Version = newVersion
	return nil
}

// GetProcessed returns a processed record that has not been soft-deleted.
func (db *DB) GetProcessed(ctx context.Context, tenantID, id uuid.UUID) (model.ProcessedRecord, error) {
	p, err := getProcessed(ctx, db.pool, tenantID, id)
	if err != nil {
		return model.ProcessedRecord{}, err
	}
	if p.DeletedAt != nil {
		return model.ProcessedRecord{}, fmt.Errorf("%w: processed record %s", ErrNotFound, id)
	}
	return p, nil
}

// ListProcessed returns processed records for a tenant ordered by
// finalized_at DESC.
func (db *DB) ListProcessed(ctx context.Context, tenantID uuid.UUID, f model.ProcessedFilter) ([]model.ProcessedRecord, int, error) {
	page := f.Page.Clamp()

	conditions := []string{"tenant_id = $1", "deleted_at IS NULL"}
	args := []any{tenantID}
	idx := 2

	if f.Outcome != nil {
		conditions = append(conditions, fmt.Sprintf("outcome = $%d", idx))
		args = append(args, string(*f.Outcome))
		idx++
	}
	if f.CourierID != "" {
		conditions = append(conditions, fmt.Sprintf("courier_id = $%d", idx))
		args = append(args, f.CourierID)
		idx++
	}
	if f.FinalizedBy != "" {
		conditions = append(conditions, fmt.Sprintf("finalized_by = $%d", idx))
		args = append(args, f.FinalizedBy)
		idx++
	}
	where := " WHERE " + strings.Join(conditions, " AND ")

	var total int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM processed_records`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count processed records: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM processed_records%s ORDER BY finalized_at DESC, id LIMIT $%d OFFSET $%d`,
		processedColumns, where, idx, idx+1)
	rows, err := db.pool.Query(ctx, query, append(args, page.Limit, page.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list processed records: %w", err)
	}
	defer rows.Close()

	var out []model.ProcessedRecord
	for rows.Next() {
		p, err := scanProcessed(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan processed record: %w", err)
		}
		out = append(out, p)
	}
	return out, total, rows.Err()
}

func (t *pgTx) InsertProcessed(ctx context.Context, p *model.ProcessedRecord) error {
	return insertProcessed(ctx, t.q, p)
}

func (t *pgTx) GetProcessed(ctx context.Context, tenantID, id uuid.UUID) (model.ProcessedRecord, error) {
	return getProcessed(ctx, t.q, tenantID, id)
}

func (t *pgTx) ProcessedByRequest(ctx context.Context, tenantID, requestID uuid.UUID) (model.ProcessedRecord, error) {
	p, err := scanProcessed(t.q.QueryRow(ctx,
		`SELECT `+processedColumns+` FROM processed_records WHERE request_id = $1 AND tenant_id = $2`,
		requestID, tenantID))
	if err != nil {
		return model.ProcessedRecord{}, notFound(err, "processed record for request", requestID)
	}
	return p, nil
}

func (t *pgTx) UpdateProcessed(ctx context.Context, p *model.ProcessedRecord) error {
	return updateProcessed(ctx, t.q, p)
}
