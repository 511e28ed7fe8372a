// Package reconcile classifies courier attribution on finalized requests and
// guards courier changes on assignments a courier has physically worked.
package reconcile

import (
	"fmt"

	"github.com/ashita-ai/hakobi/internal/model"
)

// Classify decides whether the courier attribution on a processed record is
// backed by physical work. a may be nil when no assignment was ever made.
//
//   - Genuine: the assignment has a pickup or delivery timestamp.
//   - Retroactive: a courier is named somewhere, but nothing was recorded.
//   - None: no courier anywhere.
func Classify(p model.ProcessedRecord, a *model.Assignment) model.Classification {
	if a != nil && a.Genuine() {
		return model.ClassGenuine
	}
	if p.CourierID != nil && *p.CourierID != "" {
		return model.ClassRetroactive
	}
	if a != nil && a.CourierID != "" {
		return model.ClassRetroactive
	}
	return model.ClassNone
}

// ClassifyActive classifies a request that has not been finalized yet. An
// assignment that has not been worked is simply pending, not retroactive.
func ClassifyActive(a *model.Assignment) model.Classification {
	if a != nil && a.Genuine() {
		return model.ClassGenuine
	}
	return model.ClassNone
}

// CheckReassign is the single gate for changing the courier on a processed
// record. It refuses when the attribution is genuine.
func CheckReassign(p model.ProcessedRecord, a *model.Assignment) error {
	if Classify(p, a) == model.ClassGenuine {
		return fmt.Errorf("%w (assignment %s, courier %s)", model.ErrImmutableAssignment, a.ID, a.CourierID)
	}
	return nil
}

// CheckReplace guards replacing the active assignment on a live request.
func CheckReplace(a model.Assignment) error {
	if a.Genuine() {
		return fmt.Errorf("%w: assignment %s has recorded physical work by courier %s", model.ErrConflict, a.ID, a.CourierID)
	}
	return nil
}
