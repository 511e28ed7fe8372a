package model

import (
	"time"

	"github.com/google/uuid"
)

// RequestStatus is the lifecycle status of a pickup request.
type RequestStatus string

const (
	RequestPending    RequestStatus = "pending"
	RequestAssigned   RequestStatus = "assigned"
	RequestInProgress RequestStatus = "in_progress"
	RequestPickedUp   RequestStatus = "picked_up"
	RequestCompleted  RequestStatus = "completed"
	RequestRejected   RequestStatus = "rejected"
	RequestCancelled  RequestStatus = "cancelled"
)

// requestTransitions lists the moves a request may make. Completed and
// rejected are reachable from every non-terminal status because finalization
// does not require a courier to have done any work. The only step back is
// in_progress to assigned, taken when a courier who never picked up is
// replaced.
var requestTransitions = map[RequestStatus][]RequestStatus{
	RequestPending:    {RequestAssigned, RequestCompleted, RequestRejected, RequestCancelled},
	RequestAssigned:   {RequestAssigned, RequestInProgress, RequestPickedUp, RequestCompleted, RequestRejected, RequestCancelled},
	RequestInProgress: {RequestAssigned, RequestPickedUp, RequestCompleted, RequestRejected},
	RequestPickedUp:   {RequestCompleted, RequestRejected},
}

// CanTransition reports whether a request may move from s to next.
func (s RequestStatus) CanTransition(next RequestStatus) bool {
	for _, allowed := range requestTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further lifecycle transition is possible.
func (s RequestStatus) Terminal() bool {
	return s == RequestCompleted || s == RequestRejected || s == RequestCancelled
}

// Valid reports whether s is a known request status.
func (s RequestStatus) Valid() bool {
	switch s {
	case RequestPending, RequestAssigned, RequestInProgress, RequestPickedUp,
		RequestCompleted, RequestRejected, RequestCancelled:
		return true
	}
	return false
}

// Urgency is the urgency class chosen by the requester. The engine stores it
// for downstream scheduling and never enforces deadlines from it.
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyNormal Urgency = "normal"
	UrgencyHigh   Urgency = "high"
)

// Request is a unit of pickup work owned by a tenant.
type Request struct {
	ID           uuid.UUID     `json:"id"`
	TenantID     uuid.UUID     `json:"tenant_id"`
	RequesterID  string        `json:"requester_id"`
	MaterialType string        `json:"material_type"`
	FillLevel    int           `json:"fill_level"`
	Urgency      Urgency       `json:"urgency"`
	Note         string        `json:"note,omitempty"`
	Status       RequestStatus `json:"status"`
	StagedProof  *ProofRecord  `json:"staged_proof,omitempty"`
	Version      int           `json:"version"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	DeletedAt    *time.Time    `json:"deleted_at,omitempty"`
}

// Active reports whether the request still appears in active views.
func (r Request) Active() bool {
	return r.DeletedAt == nil
}

// RequestSnapshot is the copy of request fields frozen into a ProcessedRecord.
type RequestSnapshot struct {
	RequesterID  string        `json:"requester_id"`
	MaterialType string        `json:"material_type"`
	FillLevel    int           `json:"fill_level"`
	Urgency      Urgency       `json:"urgency"`
	Note         string        `json:"note,omitempty"`
	Status       RequestStatus `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Snapshot captures the request fields as they stand right now.
func (r Request) Snapshot() RequestSnapshot {
	return RequestSnapshot{
		RequesterID:  r.RequesterID,
		MaterialType: r.MaterialType,
		FillLevel:    r.FillLevel,
		Urgency:      r.Urgency,
		Note:         r.Note,
		Status:       r.Status,
		CreatedAt:    r.CreatedAt,
	}
}
