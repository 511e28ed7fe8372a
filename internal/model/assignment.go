package model

import (
	"time"

	"github.com/google/uuid"
)

// AssignmentStatus is the status of a courier assignment.
type AssignmentStatus string

const (
	AssignmentAssigned   AssignmentStatus = "assigned"
	AssignmentInProgress AssignmentStatus = "in_progress"
	AssignmentPickedUp   AssignmentStatus = "picked_up"
	AssignmentDelivered  AssignmentStatus = "delivered"
	AssignmentCompleted  AssignmentStatus = "completed"

	// Replaced and cancelled assignments are kept for audit but are never
	// active again.
	AssignmentReplaced  AssignmentStatus = "replaced"
	AssignmentCancelled AssignmentStatus = "cancelled"
)

// ActiveAssignmentStatuses are the statuses that count toward the one-active-
// assignment-per-request rule.
var ActiveAssignmentStatuses = []AssignmentStatus{
	AssignmentAssigned,
	AssignmentInProgress,
	AssignmentPickedUp,
}

// Active reports whether the status is in the active set.
func (s AssignmentStatus) Active() bool {
	for _, a := range ActiveAssignmentStatuses {
		if s == a {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known assignment status.
func (s AssignmentStatus) Valid() bool {
	switch s {
	case AssignmentAssigned, AssignmentInProgress, AssignmentPickedUp, AssignmentDelivered,
		AssignmentCompleted, AssignmentReplaced, AssignmentCancelled:
		return true
	}
	return false
}

// Assignment binds a courier to a request for physical transport.
type Assignment struct {
	ID          uuid.UUID        `json:"id"`
	TenantID    uuid.UUID        `json:"tenant_id"`
	RequestID   uuid.UUID        `json:"request_id"`
	CourierID   string           `json:"courier_id"`
	Status      AssignmentStatus `json:"status"`
	AssignedBy  string           `json:"assigned_by"`
	AssignedAt  time.Time        `json:"assigned_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	PickedUpAt  *time.Time       `json:"picked_up_at,omitempty"`
	DeliveredAt *time.Time       `json:"delivered_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`

	// Pickup and Delivery are the proof ledger slots for the two courier
	// stages. Their timestamps mirror PickedUpAt and DeliveredAt.
	Pickup   ProofRecord `json:"pickup"`
	Delivery ProofRecord `json:"delivery"`

	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Genuine reports whether the courier has recorded physical work. A genuine
// assignment's courier can never change.
func (a Assignment) Genuine() bool {
	return a.PickedUpAt != nil || a.DeliveredAt != nil
}

// Quantity returns the quantity captured by the courier, preferring the
// delivery reading over the pickup reading.
func (a Assignment) Quantity() *Quantity {
	if a.Delivery.Quantity != nil {
		return a.Delivery.Quantity
	}
	return a.Pickup.Quantity
}
