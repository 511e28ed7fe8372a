package model

import (
	"time"

	"github.com/google/uuid"
)

// Outcome is the result of finalizing a request.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeRejected  Outcome = "rejected"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	return o == OutcomeCompleted || o == OutcomeRejected
}

// RequestStatus maps the outcome to the terminal request status.
func (o Outcome) RequestStatus() RequestStatus {
	if o == OutcomeRejected {
		return RequestRejected
	}
	return RequestCompleted
}

// ProcessedRecord is the terminal, finalized form of a request. There is
// exactly one per request.
type ProcessedRecord struct {
	ID           uuid.UUID       `json:"id"`
	TenantID     uuid.UUID       `json:"tenant_id"`
	RequestID    uuid.UUID       `json:"request_id"`
	AssignmentID *uuid.UUID      `json:"assignment_id,omitempty"`
	Snapshot     RequestSnapshot `json:"snapshot"`
	Outcome      Outcome         `json:"outcome"`
	FinalizedBy  string          `json:"finalized_by"`
	FinalizedAt  time.Time       `json:"finalized_at"`
	Note         string          `json:"note,omitempty"`

	// CourierID may be set without any genuine assignment behind it. That is
	// the retroactive attribution case.
	CourierID *string `json:"courier_id,omitempty"`

	// Finalization is the proof ledger slot for the finalization stage.
	Finalization ProofRecord `json:"finalization"`

	Version   int        `json:"version"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}
