// Package ledger is the proof ledger: three independent evidence slots per
// request (pickup, delivery, finalization). Slots are stored inside the
// assignment, the processed record, or (for staged finalization proof) the
// request; this package owns how they are read and written.
package ledger

import (
	"time"

	"github.com/ashita-ai/hakobi/internal/model"
)

// Ledger is the combined view of a request's evidence slots.
type Ledger struct {
	Pickup       model.ProofRecord `json:"pickup"`
	Delivery     model.ProofRecord `json:"delivery"`
	Finalization model.ProofRecord `json:"finalization"`
}

// Slots assembles the ledger from whichever entities exist. Before
// finalization the finalization slot is the staged proof on the request.
func Slots(r *model.Request, a *model.Assignment, p *model.ProcessedRecord) Ledger {
	l := Ledger{
		Pickup:       model.ProofRecord{Stage: model.StagePickup},
		Delivery:     model.ProofRecord{Stage: model.StageDelivery},
		Finalization: model.ProofRecord{Stage: model.StageFinalization},
	}
	if a != nil {
		l.Pickup = a.Pickup
		l.Delivery = a.Delivery
	}
	switch {
	case p != nil:
		l.Finalization = p.Finalization
	case r != nil && r.StagedProof != nil:
		l.Finalization = *r.StagedProof
	}
	return l
}

// NeedsConfirmation reports whether writing to slot touches evidence of
// physical work: the slot belongs to a genuine assignment and its stage has
// already been timestamped.
func NeedsConfirmation(slot model.ProofRecord, genuine bool) bool {
	return genuine && slot.RecordedAt != nil
}

// Attach writes evidence into a slot. The slot's actor and timestamp describe
// the stage's work, so they are only filled in while the stage is still
// unrecorded. It returns the updated slot and the evidence reference that was
// displaced, if any.
func Attach(slot model.ProofRecord, actorID, evidenceRef string, q *model.Quantity) (model.ProofRecord, *string) {
	var replaced *string
	if slot.EvidenceRef != nil && *slot.EvidenceRef != evidenceRef {
		old := *slot.EvidenceRef
		replaced = &old
	}
	ref := evidenceRef
	slot.EvidenceRef = &ref
	if q != nil {
		qq := *q
		slot.Quantity = &qq
	}
	if slot.RecordedAt == nil {
		slot.ActorID = actorID
	}
	return slot, replaced
}

// Record stamps a stage as performed by actorID at the given time. Evidence
// and quantity supplied with the stage take precedence over staged values.
func Record(slot model.ProofRecord, actorID string, at time.Time, evidenceRef *string, q *model.Quantity) (model.ProofRecord, *string) {
	var replaced *string
	if evidenceRef != nil {
		slot, replaced = Attach(slot, actorID, *evidenceRef, q)
	} else if q != nil {
		qq := *q
		slot.Quantity = &qq
	}
	stamp := at
	slot.ActorID = actorID
	slot.RecordedAt = &stamp
	return slot, replaced
}
