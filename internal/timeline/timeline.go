// Package timeline reconstructs a request's audit trail from its activity
// events. Reconstruction is pure: the same events and classification always
// yield the same steps, and no step is produced without a backing event
// except the inferred retroactive-courier marker.
package timeline

import (
	"sort"

	"github.com/google/uuid"

	"github.com/ashita-ai/hakobi/internal/model"
)

// stepForAction maps the actions that represent lifecycle steps. Bookkeeping
// actions (proof attachment, courier reassignment) are not steps.
var stepForAction = map[model.Action]model.StepKind{
	model.ActionCreate:    model.StepCreated,
	model.ActionAssign:    model.StepAssigned,
	model.ActionStarted:   model.StepStarted,
	model.ActionPickedUp:  model.StepPickedUp,
	model.ActionDelivered: model.StepDelivered,
	model.ActionProcess:   model.StepProcessed,
	model.ActionReject:    model.StepRejected,
	model.ActionCancel:    model.StepCancelled,
}

// Input is everything Reconstruct needs for one request.
type Input struct {
	RequestID   uuid.UUID
	ProcessedID *uuid.UUID
	Events      []model.ActivityEvent

	// Classification is the reconciler's verdict on courier attribution.
	Classification model.Classification
	// CourierID is the attributed courier, used for the inferred marker.
	CourierID string
}

// Reconstruct folds the events that belong to the request into ordered steps.
// Steps sort by event timestamp, then by append order. When the attribution
// is retroactive a RetroactiveCourier step is appended last with no timestamp.
func Reconstruct(in Input) model.Timeline {
	events := make([]model.ActivityEvent, 0, len(in.Events))
	for _, e := range in.Events {
		if _, ok := stepForAction[e.Action]; !ok {
			continue
		}
		if !e.BelongsTo(in.RequestID, in.ProcessedID) {
			continue
		}
		events = append(events, e)
	}
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].OccurredAt.Equal(events[j].OccurredAt) {
			return events[i].OccurredAt.Before(events[j].OccurredAt)
		}
		return events[i].Seq < events[j].Seq
	})

	steps := make([]model.TimelineStep, 0, len(events)+1)
	for _, e := range events {
		steps = append(steps, observed(e))
	}

	if in.Classification == model.ClassRetroactive {
		steps = append(steps, model.TimelineStep{
			Kind:       model.StepRetroactiveCourier,
			Provenance: model.Inferred,
			CourierID:  in.CourierID,
			Detail:     map[string]any{"note": "courier attributed for bookkeeping; no physical work recorded"},
		})
	}

	return model.Timeline{
		RequestID:      in.RequestID,
		Classification: in.Classification,
		Steps:          steps,
	}
}

func observed(e model.ActivityEvent) model.TimelineStep {
	at := e.OccurredAt
	id := e.ID
	step := model.TimelineStep{
		Kind:       stepForAction[e.Action],
		Provenance: model.Observed,
		At:         &at,
		EventID:    &id,
		ActorID:    e.ActorID,
	}
	if c, ok := e.Metadata["courier_id"].(string); ok {
		step.CourierID = c
	}
	for k, v := range e.Metadata {
		if k == model.MetaRequestID || k == "courier_id" {
			continue
		}
		if step.Detail == nil {
			step.Detail = make(map[string]any)
		}
		step.Detail[k] = v
	}
	return step
}
