package lifecycle

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/hakobi/internal/ledger"
	"github.com/ashita-ai/hakobi/internal/model"
	"github.com/ashita-ai/hakobi/internal/reconcile"
)

// Finalize converts a live request into its ProcessedRecord. It does not
// require a courier: finalizing straight from pending is the "no driver" path,
// and any warning about it belongs to the caller. The request, its latest
// assignment and the new record are written in one transaction.
func (e *Engine) Finalize(ctx context.Context, actor model.Actor, requestID uuid.UUID, in model.FinalizeInput) (model.ProcessedRecord, error) {
	if err := checkActor(actor); err != nil {
		return model.ProcessedRecord{}, err
	}
	if err := model.Validate(in); err != nil {
		return model.ProcessedRecord{}, err
	}

	var out model.ProcessedRecord
	err := e.transition(ctx, "finalize", func(tx Tx, fx *effects) error {
		r, err := tx.GetRequest(ctx, actor.TenantID, requestID)
		if err != nil {
			return err
		}
		if r.DeletedAt != nil || r.Status.Terminal() {
			return fmt.Errorf("%w: request %s is already %s", model.ErrState, r.ID, r.Status)
		}
		next := in.Outcome.RequestStatus()
		if !r.Status.CanTransition(next) {
			return fmt.Errorf("%w: request %s cannot move from %s to %s", model.ErrState, r.ID, r.Status, next)
		}

		now := e.now()
		p := model.ProcessedRecord{
			ID:          uuid.New(),
			TenantID:    actor.TenantID,
			RequestID:   r.ID,
			Snapshot:    r.Snapshot(),
			Outcome:     in.Outcome,
			FinalizedBy: actor.ID,
			FinalizedAt: now,
			Note:        in.Note,
			Version:     1,
			UpdatedAt:   now,
		}

		// Proof supplied with the call wins over proof staged on the request.
		slot := model.ProofRecord{Stage: model.StageFinalization}
		if r.StagedProof != nil {
			slot = *r.StagedProof
			slot.Stage = model.StageFinalization
		}
		var replaced *string
		p.Finalization, replaced = ledger.Record(slot, actor.ID, now, in.EvidenceRef, in.Quantity)

		meta := map[string]any{"outcome": string(in.Outcome)}

		a, err := tx.LatestAssignment(ctx, actor.TenantID, r.ID)
		switch {
		case err == nil:
			aid := a.ID
			courier := a.CourierID
			p.AssignmentID = &aid
			p.CourierID = &courier
			meta["courier_id"] = courier
			meta["assignment_id"] = aid.String()

			a.Status = model.AssignmentCompleted
			a.CompletedAt = &now
			a.UpdatedAt = now
			if err := tx.UpdateAssignment(ctx, &a); err != nil {
				return err
			}
			fx.changed(model.EntityAssignment, a.ID, a.TenantID, string(a.Status), actionFor(in.Outcome))
		case !isNotFound(err):
			return err
		}

		if err := tx.InsertProcessed(ctx, &p); err != nil {
			return err
		}

		r.Status = next
		r.StagedProof = nil
		r.DeletedAt = &now
		r.UpdatedAt = now
		if err := tx.UpdateRequest(ctx, &r); err != nil {
			return err
		}

		quantityMeta(meta, p.Finalization.Quantity)
		if p.Finalization.EvidenceRef != nil {
			meta["evidence_ref"] = *p.Finalization.EvidenceRef
		}
		if in.Note != "" {
			meta["note"] = in.Note
		}
		if err := tx.AppendEvent(ctx, e.event(actor, model.EntityProcessed, p.ID, r.ID, actionFor(in.Outcome), now, meta)); err != nil {
			return err
		}
		fx.changed(model.EntityProcessed, p.ID, p.TenantID, string(p.Outcome), actionFor(in.Outcome))
		fx.changed(model.EntityRequest, r.ID, r.TenantID, string(r.Status), actionFor(in.Outcome))
		fx.orphaned(replaced)
		out = p
		return nil
	})
	if err != nil {
		return model.ProcessedRecord{}, err
	}
	return out, nil
}

// ReassignCourier changes the courier attributed to a processed record. It is
// the only way to set a courier after finalization and it is refused outright
// when the linked assignment carries recorded physical work. No pickup or
// delivery timestamps are written.
func (e *Engine) ReassignCourier(ctx context.Context, actor model.Actor, processedID uuid.UUID, in model.ReassignInput) (model.ProcessedRecord, error) {
	if err := checkActor(actor); err != nil {
		return model.ProcessedRecord{}, err
	}
	if err := model.Validate(in); err != nil {
		return model.ProcessedRecord{}, err
	}

	var out model.ProcessedRecord
	err := e.transition(ctx, "reassign_courier", func(tx Tx, fx *effects) error {
		p, err := tx.GetProcessed(ctx, actor.TenantID, processedID)
		if err != nil {
			return err
		}
		if p.DeletedAt != nil {
			return fmt.Errorf("%w: processed record %s", model.ErrNotFound, p.ID)
		}

		var linked *model.Assignment
		if p.AssignmentID != nil {
			a, err := tx.GetAssignment(ctx, actor.TenantID, *p.AssignmentID)
			if err != nil {
				return err
			}
			linked = &a
		}
		if err := reconcile.CheckReassign(p, linked); err != nil {
			return err
		}
		if p.CourierID != nil && *p.CourierID == in.CourierID {
			out = p
			return nil
		}

		now := e.now()
		meta := map[string]any{"to_courier_id": in.CourierID}
		if p.CourierID != nil {
			meta["from_courier_id"] = *p.CourierID
		}

		courier := in.CourierID
		p.CourierID = &courier
		p.UpdatedAt = now
		if err := tx.UpdateProcessed(ctx, &p); err != nil {
			return err
		}
		if linked != nil {
			linked.CourierID = in.CourierID
			linked.UpdatedAt = now
			if err := tx.UpdateAssignment(ctx, linked); err != nil {
				return err
			}
			meta["assignment_id"] = linked.ID.String()
			fx.changed(model.EntityAssignment, linked.ID, linked.TenantID, string(linked.Status), model.ActionReassignCourier)
		}

		if err := tx.AppendEvent(ctx, e.event(actor, model.EntityProcessed, p.ID, p.RequestID, model.ActionReassignCourier, now, meta)); err != nil {
			return err
		}
		fx.changed(model.EntityProcessed, p.ID, p.TenantID, string(p.Outcome), model.ActionReassignCourier)
		out = p
		return nil
	})
	if err != nil {
		return model.ProcessedRecord{}, err
	}
	return out, nil
}

func actionFor(o model.Outcome) model.Action {
	if o == model.OutcomeRejected {
		return model.ActionReject
	}
	return model.ActionProcess
}
