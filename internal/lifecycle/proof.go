package lifecycle

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/hakobi/internal/ledger"
	"github.com/ashita-ai/hakobi/internal/model"
)

// AttachProof writes evidence into one ledger slot. Evidence is metadata, so
// the write is allowed on recorded stages, but replacing proof of physical
// work on a genuine assignment needs in.Confirm. Attaching proof never changes
// who performed a stage or when.
func (e *Engine) AttachProof(ctx context.Context, actor model.Actor, in model.ProofInput) (model.ProofRecord, error) {
	if err := checkActor(actor); err != nil {
		return model.ProofRecord{}, err
	}
	if err := model.Validate(in); err != nil {
		return model.ProofRecord{}, err
	}
	if err := checkProofTarget(in); err != nil {
		return model.ProofRecord{}, err
	}

	var out model.ProofRecord
	err := e.transition(ctx, "attach_proof", func(tx Tx, fx *effects) error {
		var (
			slot     model.ProofRecord
			replaced *string
			et       model.EntityType
			entityID uuid.UUID
			reqID    uuid.UUID
			status   string
			now      = e.now()
		)

		switch t := in.Target; {
		case t.AssignmentID != nil:
			a, err := tx.GetAssignment(ctx, actor.TenantID, *t.AssignmentID)
			if err != nil {
				return err
			}
			if a.Status == model.AssignmentReplaced || a.Status == model.AssignmentCancelled {
				return fmt.Errorf("%w: assignment %s was %s", model.ErrState, a.ID, a.Status)
			}
			cur := a.Pickup
			if in.Stage == model.StageDelivery {
				cur = a.Delivery
			}
			if ledger.NeedsConfirmation(cur, a.Genuine()) && !in.Confirm {
				return fmt.Errorf("%w (assignment %s, stage %s)", model.ErrConfirmationRequired, a.ID, in.Stage)
			}
			slot, replaced = ledger.Attach(cur, actor.ID, in.EvidenceRef, in.Quantity)
			if in.Stage == model.StageDelivery {
				a.Delivery = slot
			} else {
				a.Pickup = slot
			}
			a.UpdatedAt = now
			if err := tx.UpdateAssignment(ctx, &a); err != nil {
				return err
			}
			et, entityID, reqID, status = model.EntityAssignment, a.ID, a.RequestID, string(a.Status)

		case t.ProcessedID != nil:
			p, err := tx.GetProcessed(ctx, actor.TenantID, *t.ProcessedID)
			if err != nil {
				return err
			}
			if p.DeletedAt != nil {
				return fmt.Errorf("%w: processed record %s", model.ErrNotFound, p.ID)
			}
			genuine := false
			if p.AssignmentID != nil {
				a, err := tx.GetAssignment(ctx, actor.TenantID, *p.AssignmentID)
				if err != nil {
					return err
				}
				genuine = a.Genuine()
			}
			if ledger.NeedsConfirmation(p.Finalization, genuine) && !in.Confirm {
				return fmt.Errorf("%w (processed record %s)", model.ErrConfirmationRequired, p.ID)
			}
			slot, replaced = ledger.Attach(p.Finalization, actor.ID, in.EvidenceRef, in.Quantity)
			p.Finalization = slot
			p.UpdatedAt = now
			if err := tx.UpdateProcessed(ctx, &p); err != nil {
				return err
			}
			et, entityID, reqID, status = model.EntityProcessed, p.ID, p.RequestID, string(p.Outcome)

		default:
			r, err := tx.GetRequest(ctx, actor.TenantID, *t.RequestID)
			if err != nil {
				return err
			}
			if r.DeletedAt != nil {
				return fmt.Errorf("%w: request %s is %s; attach finalization proof to its processed record", model.ErrState, r.ID, r.Status)
			}
			cur := model.ProofRecord{Stage: model.StageFinalization}
			if r.StagedProof != nil {
				cur = *r.StagedProof
			}
			slot, replaced = ledger.Attach(cur, actor.ID, in.EvidenceRef, in.Quantity)
			r.StagedProof = &slot
			r.UpdatedAt = now
			if err := tx.UpdateRequest(ctx, &r); err != nil {
				return err
			}
			et, entityID, reqID, status = model.EntityRequest, r.ID, r.ID, string(r.Status)
		}

		meta := map[string]any{
			"stage":        string(in.Stage),
			"evidence_ref": in.EvidenceRef,
		}
		if replaced != nil {
			meta["replaced_ref"] = *replaced
		}
		if in.Confirm {
			meta["confirmed"] = true
		}
		quantityMeta(meta, in.Quantity)
		if err := tx.AppendEvent(ctx, e.event(actor, et, entityID, reqID, model.ActionProofAttached, now, meta)); err != nil {
			return err
		}
		fx.changed(et, entityID, actor.TenantID, status, model.ActionProofAttached)
		fx.orphaned(replaced)
		out = slot
		return nil
	})
	if err != nil {
		return model.ProofRecord{}, err
	}
	return out, nil
}

// checkProofTarget requires exactly one target whose ledger has the stage.
func checkProofTarget(in model.ProofInput) error {
	t := in.Target
	n := 0
	for _, id := range []*uuid.UUID{t.RequestID, t.AssignmentID, t.ProcessedID} {
		if id != nil {
			n++
		}
	}
	if n != 1 {
		return fmt.Errorf("%w: proof needs exactly one of request, assignment or processed record", model.ErrValidation)
	}
	switch {
	case t.AssignmentID != nil:
		if in.Stage != model.StagePickup && in.Stage != model.StageDelivery {
			return fmt.Errorf("%w: assignments hold pickup and delivery proof, not %s", model.ErrValidation, in.Stage)
		}
	default:
		if in.Stage != model.StageFinalization {
			return fmt.Errorf("%w: %s proof belongs on the assignment", model.ErrValidation, in.Stage)
		}
	}
	return nil
}
