package model

import (
	"fmt"
	"time"
)

// ProofStage identifies one of the three evidence slots.
type ProofStage string

const (
	StagePickup       ProofStage = "pickup"
	StageDelivery     ProofStage = "delivery"
	StageFinalization ProofStage = "finalization"
)

// Valid reports whether s is a known stage.
func (s ProofStage) Valid() bool {
	return s == StagePickup || s == StageDelivery || s == StageFinalization
}

// Quantity is a measured amount, usually a weight.
type Quantity struct {
	Value float64 `json:"value" validate:"gte=0"`
	Unit  string  `json:"unit" validate:"required,max=16"`
}

func (q Quantity) String() string {
	return fmt.Sprintf("%g %s", q.Value, q.Unit)
}

// ProofRecord is one evidence slot. ActorID and RecordedAt describe who did the
// stage's work and when; they stay empty until the stage actually happens.
// EvidenceRef and Quantity may be attached before that.
type ProofRecord struct {
	Stage       ProofStage `json:"stage"`
	ActorID     string     `json:"actor_id,omitempty"`
	RecordedAt  *time.Time `json:"recorded_at,omitempty"`
	EvidenceRef *string    `json:"evidence_ref,omitempty"`
	Quantity    *Quantity  `json:"quantity,omitempty"`
}

// Empty reports whether nothing has been written to the slot.
func (p ProofRecord) Empty() bool {
	return p.ActorID == "" && p.RecordedAt == nil && p.EvidenceRef == nil && p.Quantity == nil
}
