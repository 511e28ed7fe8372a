package model

import (
	"time"

	"github.com/google/uuid"
)

// EntityType names the kind of entity an activity event is about.
type EntityType string

const (
	EntityRequest    EntityType = "request"
	EntityAssignment EntityType = "assignment"
	EntityProcessed  EntityType = "processed_record"
)

// Action is the action tag of an activity event.
type Action string

const (
	ActionCreate          Action = "create"
	ActionAssign          Action = "assign"
	ActionStarted         Action = "started"
	ActionPickedUp        Action = "picked_up"
	ActionDelivered       Action = "delivered"
	ActionProcess         Action = "process"
	ActionReject          Action = "reject"
	ActionCancel          Action = "cancel"
	ActionReassignCourier Action = "reassign_courier"
	ActionProofAttached   Action = "proof_attached"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionAssign, ActionStarted, ActionPickedUp, ActionDelivered,
		ActionProcess, ActionReject, ActionCancel, ActionReassignCourier, ActionProofAttached:
		return true
	}
	return false
}

// MetaRequestID is the metadata key that links assignment-scoped events back
// to their request.
const MetaRequestID = "request_id"

// ActivityEvent is an append-only audit fact. Source of truth for the
// timeline. Never mutated or deleted.
type ActivityEvent struct {
	ID         uuid.UUID      `json:"id"`
	Seq        int64          `json:"seq"`
	TenantID   uuid.UUID      `json:"tenant_id"`
	EntityType EntityType     `json:"entity_type"`
	EntityID   uuid.UUID      `json:"entity_id"`
	RequestID  *uuid.UUID     `json:"request_id,omitempty"`
	Action     Action         `json:"action"`
	ActorID    string         `json:"actor_id"`
	OccurredAt time.Time      `json:"occurred_at"`
	Metadata   map[string]any `json:"metadata"`

	// ContentHash is a tamper-evidence hash set when the event is built.
	// Events written before hashing existed carry none.
	ContentHash string `json:"content_hash,omitempty"`
}

// MetadataRequestID returns the request id carried in the event metadata, if
// present and well-formed.
func (e ActivityEvent) MetadataRequestID() (uuid.UUID, bool) {
	raw, ok := e.Metadata[MetaRequestID]
	if !ok {
		return uuid.Nil, false
	}
	switch v := raw.(type) {
	case string:
		id, err := uuid.Parse(v)
		return id, err == nil
	case uuid.UUID:
		return v, true
	}
	return uuid.Nil, false
}

// BelongsTo reports whether the event is part of the history of the given
// request, either directly by entity id or through the request_id link.
func (e ActivityEvent) BelongsTo(requestID uuid.UUID, processedID *uuid.UUID) bool {
	if e.EntityID == requestID {
		return true
	}
	if processedID != nil && e.EntityID == *processedID {
		return true
	}
	if e.RequestID != nil && *e.RequestID == requestID {
		return true
	}
	id, ok := e.MetadataRequestID()
	return ok && id == requestID
}
