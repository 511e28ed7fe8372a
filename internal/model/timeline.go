package model

import (
	"time"

	"github.com/google/uuid"
)

// StepKind is the kind of a reconstructed timeline step.
type StepKind string

const (
	StepCreated            StepKind = "created"
	StepAssigned           StepKind = "assigned"
	StepStarted            StepKind = "started"
	StepPickedUp           StepKind = "picked_up"
	StepDelivered          StepKind = "delivered"
	StepProcessed          StepKind = "processed"
	StepRejected           StepKind = "rejected"
	StepCancelled          StepKind = "cancelled"
	StepRetroactiveCourier StepKind = "retroactive_courier"
)

// Provenance says whether a step was observed as a stored event or inferred
// from the final state.
type Provenance string

const (
	Observed Provenance = "observed"
	Inferred Provenance = "inferred"
)

// Classification is the reconciler's verdict on a courier attribution.
type Classification string

const (
	ClassGenuine     Classification = "genuine"
	ClassRetroactive Classification = "retroactive"
	ClassNone        Classification = "none"
)

// TimelineStep is one entry of a reconstructed request history. Inferred
// steps carry no timestamp and no event id.
type TimelineStep struct {
	Kind       StepKind       `json:"kind"`
	Provenance Provenance     `json:"provenance"`
	At         *time.Time     `json:"at,omitempty"`
	EventID    *uuid.UUID     `json:"event_id,omitempty"`
	ActorID    string         `json:"actor_id,omitempty"`
	ActorName  string         `json:"actor_name,omitempty"`
	CourierID  string         `json:"courier_id,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
}

// Timeline is the reconstructed, ordered history of one request.
type Timeline struct {
	RequestID      uuid.UUID      `json:"request_id"`
	Classification Classification `json:"classification"`
	Steps          []TimelineStep `json:"steps"`
}

// Kinds returns the step kinds in order.
func (t Timeline) Kinds() []StepKind {
	out := make([]StepKind, len(t.Steps))
	for i, s := range t.Steps {
		out[i] = s.Kind
	}
	return out
}
