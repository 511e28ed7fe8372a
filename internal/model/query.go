package model

import "github.com/google/uuid"

// Pagination bounds shared by every list operation.
const (
	DefaultPageLimit = 50
	MaxPageLimit     = 1000
	MaxPageOffset    = 100_000
)

// Page is a limit/offset window.
type Page struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// Clamp bounds the page to the allowed window.
func (p Page) Clamp() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	if p.Offset > MaxPageOffset {
		p.Offset = MaxPageOffset
	}
	return p
}

// RequestFilter narrows ListRequests. Soft-deleted requests are excluded
// unless IncludeDeleted is set.
type RequestFilter struct {
	Status         *RequestStatus
	RequesterID    string
	IncludeDeleted bool
	Page
}

// AssignmentFilter narrows ListAssignments.
type AssignmentFilter struct {
	Status    *AssignmentStatus
	CourierID string
	RequestID *uuid.UUID
	Page
}

// ProcessedFilter narrows ListProcessed.
type ProcessedFilter struct {
	Outcome     *Outcome
	CourierID   string
	FinalizedBy string
	Page
}

// EventFilter narrows ListEvents.
type EventFilter struct {
	RequestID *uuid.UUID
	ActorID   string
	Action    *Action
	Page
}

// PagedResult wraps paginated query results.
type PagedResult[T any] struct {
	Items  []T `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}
