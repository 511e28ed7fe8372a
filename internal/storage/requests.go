package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/hakobi/internal/model"
)

const requestColumns = `id, tenant_id, requester_id, material_type, fill_level, urgency, note, status,
	staged_actor_id, staged_evidence_ref, staged_qty_value, staged_qty_unit,
	version, created_at, updated_at, deleted_at`

func scanRequest(row pgx.Row) (model.Request, error) {
	var (
		r           model.Request
		stagedActor *string
		stagedRef   *string
		stagedValue *float64
		stagedUnit  *string
	)
	err := row.Scan(
		&r.ID, &r.TenantID, &r.RequesterID, &r.MaterialType, &r.FillLevel, &r.Urgency, &r.Note, &r.Status,
		&stagedActor, &stagedRef, &stagedValue, &stagedUnit,
		&r.Version, &r.CreatedAt, &r.UpdatedAt, &r.DeletedAt,
	)
	if err != nil {
		return model.Request{}, err
	}
	if slot := proofFromColumns(model.StageFinalization, stagedActor, nil, stagedRef, stagedValue, stagedUnit); !slot.Empty() {
		r.StagedProof = &slot
	}
	return r, nil
}

func insertRequest(ctx context.Context, q querier, r *model.Request) error {
	actor, ref, value, unit := proofColumns(r.StagedProof)
	_, err := q.Exec(ctx,
		`INSERT INTO requests (id, tenant_id, requester_id, material_type, fill_level, urgency, note, status,
		 staged_actor_id, staged_evidence_ref, staged_qty_value, staged_qty_unit,
		 version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		r.ID, r.TenantID, r.RequesterID, r.MaterialType, r.FillLevel, string(r.Urgency), r.Note, string(r.Status),
		actor, ref, value, unit,
		r.Version, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: request %s already exists", ErrConflict, r.ID)
		}
		return fmt.Errorf("storage: insert request: %w", err)
	}
	return nil
}

func getRequest(ctx context.Context, q querier, tenantID, id uuid.UUID, includeDeleted bool) (model.Request, error) {
	query := `SELECT ` + requestColumns + ` FROM requests WHERE id = $1 AND tenant_id = $2`
	if !includeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	r, err := scanRequest(q.QueryRow(ctx, query, id, tenantID))
	if err != nil {
		return model.Request{}, notFound(err, "request", id)
	}
	return r, nil
}

// updateRequest writes the mutable request columns if the stored version still
// matches r.Version, then advances r.Version.
func updateRequest(ctx context.Context, q querier, r *model.Request) error {
	actor, ref, value, unit := proofColumns(r.StagedProof)
	var newVersion int
	err := q.QueryRow(ctx,
		`UPDATE requests SET status = $3, note = $4,
		 staged_actor_id = $5, staged_evidence_ref = $6, staged_qty_value = $7, staged_qty_unit = $8,
		 deleted_at = $9, updated_at = $10, version = version + 1
		 WHERE id = $1 AND tenant_id = $2 AND version = $11
		 RETURNING version`,
		r.ID, r.TenantID, string(r.Status), r.Note,
		actor, ref, value, unit,
		r.DeletedAt, r.UpdatedAt, r.Version,
	).Scan(&newVersion)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: request %s changed since version %d", ErrConflict, r.ID, r.Version)
		}
		return fmt.Errorf("storage: update request: %w", err)
	}
	r.Version = newVersion
	return nil
}

// GetRequest returns an active (not soft-deleted) request.
func (db *DB) GetRequest(ctx context.Context, tenantID, id uuid.UUID) (model.Request, error) {
	return getRequest(ctx, db.pool, tenantID, id, false)
}

// ListRequests returns requests for a tenant ordered by created_at DESC,
// together with the total number of matches.
func (db *DB) ListRequests(ctx context.Context, tenantID uuid.UUID, f model.RequestFilter) ([]model.Request, int, error) {
	page := f.Page.Clamp()

	conditions := []string{"tenant_id = $1"}
	args := []any{tenantID}
	idx := 2

	if !f.IncludeDeleted {
		conditions = append(conditions, "deleted_at IS NULL")
	}
	if f.Status != nil {
		conditions = append(conditions, fmt.Sprintf("status = $%d", idx))
		args = append(args, string(*f.Status))
		idx++
	}
	if f.RequesterID != "" {
		conditions = append(conditions, fmt.Sprintf("requester_id = $%d", idx))
		args = append(args, f.RequesterID)
		idx++
	}
	where := " WHERE " + strings.Join(conditions, " AND ")

	var total int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM requests`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count requests: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM requests%s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		requestColumns, where, idx, idx+1)
	rows, err := db.pool.Query(ctx, query, append(args, page.Limit, page.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list requests: %w", err)
	}
	defer rows.Close()

	var out []model.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan request: %w", err)
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}

func (t *pgTx) InsertRequest(ctx context.Context, r *model.Request) error {
	return insertRequest(ctx, t.q, r)
}

func (t *pgTx) GetRequest(ctx context.Context, tenantID, id uuid.UUID) (model.Request, error) {
	return getRequest(ctx, t.q, tenantID, id, true)
}

func (t *pgTx) UpdateRequest(ctx context.Context, r *model.Request) error {
	return updateRequest(ctx, t.q, r)
}

// proofColumns flattens an optional proof slot into nullable columns. The
// slot timestamp lives in its own stage column and is not returned here.
func proofColumns(p *model.ProofRecord) (actor, ref *string, value *float64, unit *string) {
	if p == nil {
		return nil, nil, nil, nil
	}
	if p.ActorID != "" {
		a := p.ActorID
		actor = &a
	}
	ref = p.EvidenceRef
	if p.Quantity != nil {
		v, u := p.Quantity.Value, p.Quantity.Unit
		value, unit = &v, &u
	}
	return actor, ref, value, unit
}

func proofFromColumns(stage model.ProofStage, actor *string, at *time.Time, ref *string, value *float64, unit *string) model.ProofRecord {
	p := model.ProofRecord{Stage: stage, RecordedAt: at, EvidenceRef: ref}
	if actor != nil {
		p.ActorID = *actor
	}
	if value != nil && unit != nil {
		p.Quantity = &model.Quantity{Value: *value, Unit: *unit}
	}
	return p
}
