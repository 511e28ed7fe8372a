package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/hakobi/internal/ledger"
	"github.com/ashita-ai/hakobi/internal/model"
	"github.com/ashita-ai/hakobi/internal/reconcile"
)

// Assign binds a courier to a live request. It replaces an existing
// assignment only if that courier never recorded pickup or delivery.
// Assignment is a compare-and-swap on the request version: of two racing
// calls, the one that commits second fails with model.ErrConflict.
// Re-assigning the courier that already holds the open assignment is a no-op.
func (e *Engine) Assign(ctx context.Context, actor model.Actor, requestID uuid.UUID, in model.AssignInput) (model.Assignment, error) {
	if err := checkActor(actor); err != nil {
		return model.Assignment{}, err
	}
	if err := model.Validate(in); err != nil {
		return model.Assignment{}, err
	}

	var out model.Assignment
	err := e.transition(ctx, "assign", func(tx Tx, fx *effects) error {
		r, err := tx.GetRequest(ctx, actor.TenantID, requestID)
		if err != nil {
			return err
		}
		if r.DeletedAt != nil {
			return fmt.Errorf("%w: request %s is finalized or deleted", model.ErrNotFound, r.ID)
		}

		now := e.now()
		meta := map[string]any{"courier_id": in.CourierID}

		prev, err := tx.LatestAssignment(ctx, actor.TenantID, r.ID)
		switch {
		case err == nil:
			if err := reconcile.CheckReplace(prev); err != nil {
				return err
			}
			if prev.Status.Active() {
				if prev.CourierID == in.CourierID {
					out = prev
					return nil
				}
				prev.Status = model.AssignmentReplaced
				prev.UpdatedAt = now
				if err := tx.UpdateAssignment(ctx, &prev); err != nil {
					return err
				}
				meta["replaced_assignment_id"] = prev.ID.String()
				meta["replaced_courier_id"] = prev.CourierID
				fx.changed(model.EntityAssignment, prev.ID, prev.TenantID, string(prev.Status), model.ActionAssign)
			}
		case !isNotFound(err):
			return err
		}

		if !r.Status.CanTransition(model.RequestAssigned) {
			return fmt.Errorf("%w: request %s cannot be assigned from %s", model.ErrState, r.ID, r.Status)
		}

		a := model.Assignment{
			ID:         uuid.New(),
			TenantID:   actor.TenantID,
			RequestID:  r.ID,
			CourierID:  in.CourierID,
			Status:     model.AssignmentAssigned,
			AssignedBy: actor.ID,
			AssignedAt: now,
			Pickup:     model.ProofRecord{Stage: model.StagePickup},
			Delivery:   model.ProofRecord{Stage: model.StageDelivery},
			Version:    1,
			UpdatedAt:  now,
		}
		if err := tx.InsertAssignment(ctx, &a); err != nil {
			return err
		}

		// The request version is the lock every competing assign contends on.
		r.Status = model.RequestAssigned
		r.UpdatedAt = now
		if err := tx.UpdateRequest(ctx, &r); err != nil {
			return err
		}

		if err := tx.AppendEvent(ctx, e.event(actor, model.EntityAssignment, a.ID, r.ID, model.ActionAssign, now, meta)); err != nil {
			return err
		}
		fx.changed(model.EntityAssignment, a.ID, a.TenantID, string(a.Status), model.ActionAssign)
		fx.changed(model.EntityRequest, r.ID, r.TenantID, string(r.Status), model.ActionAssign)
		out = a
		return nil
	})
	if err != nil {
		return model.Assignment{}, err
	}
	return out, nil
}

// StartRoute marks that the courier has set out for the pickup. Calling it on
// an assignment that is already under way returns the current state.
func (e *Engine) StartRoute(ctx context.Context, actor model.Actor, assignmentID uuid.UUID) (model.Assignment, error) {
	if err := checkActor(actor); err != nil {
		return model.Assignment{}, err
	}

	var out model.Assignment
	err := e.transition(ctx, "start_route", func(tx Tx, fx *effects) error {
		a, r, err := loadWorkable(ctx, tx, actor, assignmentID)
		if err != nil {
			return err
		}
		if a.Status != model.AssignmentAssigned {
			out = a
			return nil
		}

		now := e.now()
		a.Status = model.AssignmentInProgress
		a.StartedAt = &now
		a.UpdatedAt = now
		if err := tx.UpdateAssignment(ctx, &a); err != nil {
			return err
		}
		if err := advanceRequest(ctx, tx, &r, model.RequestInProgress, now); err != nil {
			return err
		}

		ev := e.event(actor, model.EntityAssignment, a.ID, r.ID, model.ActionStarted, now, map[string]any{"courier_id": a.CourierID})
		if err := tx.AppendEvent(ctx, ev); err != nil {
			return err
		}
		fx.changed(model.EntityAssignment, a.ID, a.TenantID, string(a.Status), model.ActionStarted)
		fx.changed(model.EntityRequest, r.ID, r.TenantID, string(r.Status), model.ActionStarted)
		out = a
		return nil
	})
	if err != nil {
		return model.Assignment{}, err
	}
	return out, nil
}

// RecordPickup stamps the pickup stage. From this point the assignment is
// genuine and its courier can never change. Repeating the call after a
// pickup is recorded returns the existing state and appends nothing.
func (e *Engine) RecordPickup(ctx context.Context, actor model.Actor, assignmentID uuid.UUID, in model.StageInput) (model.Assignment, error) {
	if err := checkActor(actor); err != nil {
		return model.Assignment{}, err
	}
	if err := model.Validate(in); err != nil {
		return model.Assignment{}, err
	}

	var out model.Assignment
	err := e.transition(ctx, "record_pickup", func(tx Tx, fx *effects) error {
		a, r, err := loadWorkable(ctx, tx, actor, assignmentID)
		if err != nil {
			return err
		}
		if a.PickedUpAt != nil {
			out = a
			return nil
		}
		if a.Status != model.AssignmentAssigned && a.Status != model.AssignmentInProgress {
			return fmt.Errorf("%w: assignment %s is %s, pickup needs assigned or in_progress", model.ErrState, a.ID, a.Status)
		}

		now := e.now()
		var replaced *string
		a.Pickup, replaced = ledger.Record(a.Pickup, actor.ID, now, in.EvidenceRef, in.Quantity)
		a.PickedUpAt = &now
		a.Status = model.AssignmentPickedUp
		a.UpdatedAt = now
		if err := tx.UpdateAssignment(ctx, &a); err != nil {
			return err
		}
		if err := advanceRequest(ctx, tx, &r, model.RequestPickedUp, now); err != nil {
			return err
		}

		meta := map[string]any{"courier_id": a.CourierID}
		quantityMeta(meta, in.Quantity)
		if a.Pickup.EvidenceRef != nil {
			meta["evidence_ref"] = *a.Pickup.EvidenceRef
		}
		if err := tx.AppendEvent(ctx, e.event(actor, model.EntityAssignment, a.ID, r.ID, model.ActionPickedUp, now, meta)); err != nil {
			return err
		}
		fx.changed(model.EntityAssignment, a.ID, a.TenantID, string(a.Status), model.ActionPickedUp)
		fx.changed(model.EntityRequest, r.ID, r.TenantID, string(r.Status), model.ActionPickedUp)
		fx.orphaned(replaced)
		out = a
		return nil
	})
	if err != nil {
		return model.Assignment{}, err
	}
	return out, nil
}

// RecordDelivery stamps the delivery stage. It requires a recorded pickup.
// Repeating the call after delivery is recorded returns the existing state.
func (e *Engine) RecordDelivery(ctx context.Context, actor model.Actor, assignmentID uuid.UUID, in model.StageInput) (model.Assignment, error) {
	if err := checkActor(actor); err != nil {
		return model.Assignment{}, err
	}
	if err := model.Validate(in); err != nil {
		return model.Assignment{}, err
	}

	var out model.Assignment
	err := e.transition(ctx, "record_delivery", func(tx Tx, fx *effects) error {
		a, r, err := loadWorkable(ctx, tx, actor, assignmentID)
		if err != nil {
			return err
		}
		if a.DeliveredAt != nil {
			out = a
			return nil
		}
		if a.PickedUpAt == nil {
			return fmt.Errorf("%w: assignment %s has no recorded pickup", model.ErrState, a.ID)
		}

		now := e.now()
		var replaced *string
		a.Delivery, replaced = ledger.Record(a.Delivery, actor.ID, now, in.EvidenceRef, in.Quantity)
		a.DeliveredAt = &now
		a.Status = model.AssignmentDelivered
		a.UpdatedAt = now
		if err := tx.UpdateAssignment(ctx, &a); err != nil {
			return err
		}

		meta := map[string]any{"courier_id": a.CourierID}
		quantityMeta(meta, in.Quantity)
		if a.Delivery.EvidenceRef != nil {
			meta["evidence_ref"] = *a.Delivery.EvidenceRef
		}
		if err := tx.AppendEvent(ctx, e.event(actor, model.EntityAssignment, a.ID, r.ID, model.ActionDelivered, now, meta)); err != nil {
			return err
		}
		fx.changed(model.EntityAssignment, a.ID, a.TenantID, string(a.Status), model.ActionDelivered)
		fx.orphaned(replaced)
		out = a
		return nil
	})
	if err != nil {
		return model.Assignment{}, err
	}
	return out, nil
}

// loadWorkable loads an assignment and its request, refusing assignments that
// can no longer be worked.
func loadWorkable(ctx context.Context, tx Tx, actor model.Actor, id uuid.UUID) (model.Assignment, model.Request, error) {
	a, err := tx.GetAssignment(ctx, actor.TenantID, id)
	if err != nil {
		return model.Assignment{}, model.Request{}, err
	}
	switch a.Status {
	case model.AssignmentReplaced, model.AssignmentCancelled:
		return model.Assignment{}, model.Request{}, fmt.Errorf("%w: assignment %s was %s", model.ErrState, a.ID, a.Status)
	case model.AssignmentCompleted:
		return model.Assignment{}, model.Request{}, fmt.Errorf("%w: request %s is finalized", model.ErrState, a.RequestID)
	}
	r, err := tx.GetRequest(ctx, actor.TenantID, a.RequestID)
	if err != nil {
		return model.Assignment{}, model.Request{}, err
	}
	if r.DeletedAt != nil {
		return model.Assignment{}, model.Request{}, fmt.Errorf("%w: request %s is %s", model.ErrState, r.ID, r.Status)
	}
	return a, r, nil
}

// advanceRequest moves the request forward, writing it under its version check.
func advanceRequest(ctx context.Context, tx Tx, r *model.Request, next model.RequestStatus, now time.Time) error {
	if r.Status == next {
		return nil
	}
	if !r.Status.CanTransition(next) {
		return fmt.Errorf("%w: request %s cannot move from %s to %s", model.ErrState, r.ID, r.Status, next)
	}
	r.Status = next
	r.UpdatedAt = now
	return tx.UpdateRequest(ctx, r)
}
