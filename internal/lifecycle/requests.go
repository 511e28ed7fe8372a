package lifecycle

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/hakobi/internal/model"
)

// Create records a new pending request on behalf of the requester.
func (e *Engine) Create(ctx context.Context, actor model.Actor, in model.CreateRequestInput) (model.Request, error) {
	if err := checkActor(actor); err != nil {
		return model.Request{}, err
	}
	if err := model.Validate(in); err != nil {
		return model.Request{}, err
	}
	if in.Urgency == "" {
		in.Urgency = model.UrgencyNormal
	}

	now := e.now()
	r := model.Request{
		ID:           uuid.New(),
		TenantID:     actor.TenantID,
		RequesterID:  actor.ID,
		MaterialType: in.MaterialType,
		FillLevel:    in.FillLevel,
		Urgency:      in.Urgency,
		Note:         in.Note,
		Status:       model.RequestPending,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err := e.transition(ctx, "create", func(tx Tx, fx *effects) error {
		if err := tx.InsertRequest(ctx, &r); err != nil {
			return err
		}
		ev := e.event(actor, model.EntityRequest, r.ID, r.ID, model.ActionCreate, now, map[string]any{
			"material_type": r.MaterialType,
			"fill_level":    r.FillLevel,
			"urgency":       string(r.Urgency),
		})
		if err := tx.AppendEvent(ctx, ev); err != nil {
			return err
		}
		fx.changed(model.EntityRequest, r.ID, r.TenantID, string(r.Status), model.ActionCreate)
		return nil
	})
	if err != nil {
		return model.Request{}, err
	}
	return r, nil
}

// Cancel withdraws a request that no courier has started working. It is valid
// from pending, or from assigned while the assignment has no recorded work.
// The request and any open assignment are kept for audit.
func (e *Engine) Cancel(ctx context.Context, actor model.Actor, requestID uuid.UUID, in model.CancelInput) (model.Request, error) {
	if err := checkActor(actor); err != nil {
		return model.Request{}, err
	}
	if err := model.Validate(in); err != nil {
		return model.Request{}, err
	}

	var out model.Request
	err := e.transition(ctx, "cancel", func(tx Tx, fx *effects) error {
		r, err := tx.GetRequest(ctx, actor.TenantID, requestID)
		if err != nil {
			return err
		}
		if r.Status.Terminal() {
			return fmt.Errorf("%w: request %s is already %s", model.ErrState, r.ID, r.Status)
		}
		if r.DeletedAt != nil {
			return fmt.Errorf("%w: request %s", model.ErrNotFound, r.ID)
		}
		if !r.Status.CanTransition(model.RequestCancelled) {
			return fmt.Errorf("%w: request %s cannot be cancelled from %s", model.ErrState, r.ID, r.Status)
		}

		now := e.now()
		a, err := tx.ActiveAssignment(ctx, actor.TenantID, r.ID)
		switch {
		case err == nil:
			if a.Genuine() || a.Status != model.AssignmentAssigned {
				return fmt.Errorf("%w: courier %s has already started request %s", model.ErrState, a.CourierID, r.ID)
			}
			a.Status = model.AssignmentCancelled
			a.UpdatedAt = now
			if err := tx.UpdateAssignment(ctx, &a); err != nil {
				return err
			}
			fx.changed(model.EntityAssignment, a.ID, a.TenantID, string(a.Status), model.ActionCancel)
		case !isNotFound(err):
			return err
		}

		r.Status = model.RequestCancelled
		r.DeletedAt = &now
		r.UpdatedAt = now
		if err := tx.UpdateRequest(ctx, &r); err != nil {
			return err
		}

		meta := map[string]any{}
		if in.Reason != "" {
			meta["reason"] = in.Reason
		}
		if err := tx.AppendEvent(ctx, e.event(actor, model.EntityRequest, r.ID, r.ID, model.ActionCancel, now, meta)); err != nil {
			return err
		}
		fx.changed(model.EntityRequest, r.ID, r.TenantID, string(r.Status), model.ActionCancel)
		out = r
		return nil
	})
	if err != nil {
		return model.Request{}, err
	}
	return out, nil
}
