package lifecycle

import (
	"context"

	"github.com/google/uuid"

	"github.com/ashita-ai/hakobi/internal/model"
)

// Store is the durable backing for the engine. Every transition runs inside a
// single InTx call so that all of its writes and its activity event commit or
// roll back together.
type Store interface {
	InTx(ctx context.Context, fn func(Tx) error) error
}

// Tx is the set of reads and writes available inside one transaction. All
// lookups are scoped to a tenant. Get methods return entities even when they
// are soft-deleted so the engine can tell "deleted" from "never existed".
//
// Update methods perform a compare-and-swap on the entity version: they fail
// with an error wrapping model.ErrConflict when the stored version differs
// from the one carried by the entity, and bump the version on success.
// Inserts that would violate a uniqueness rule (second active assignment,
// second processed record) also fail with model.ErrConflict.
type Tx interface {
	InsertRequest(ctx context.Context, r *model.Request) error
	GetRequest(ctx context.Context, tenantID, id uuid.UUID) (model.Request, error)
	UpdateRequest(ctx context.Context, r *model.Request) error

	InsertAssignment(ctx context.Context, a *model.Assignment) error
	GetAssignment(ctx context.Context, tenantID, id uuid.UUID) (model.Assignment, error)
	// ActiveAssignment returns the assignment in the active set for the
	// request, or an error wrapping model.ErrNotFound.
	ActiveAssignment(ctx context.Context, tenantID, requestID uuid.UUID) (model.Assignment, error)
	// LatestAssignment returns the most recent assignment that was not
	// replaced or cancelled, in any status.
	LatestAssignment(ctx context.Context, tenantID, requestID uuid.UUID) (model.Assignment, error)
	UpdateAssignment(ctx context.Context, a *model.Assignment) error

	InsertProcessed(ctx context.Context, p *model.ProcessedRecord) error
	GetProcessed(ctx context.Context, tenantID, id uuid.UUID) (model.ProcessedRecord, error)
	ProcessedByRequest(ctx context.Context, tenantID, requestID uuid.UUID) (model.ProcessedRecord, error)
	UpdateProcessed(ctx context.Context, p *model.ProcessedRecord) error

	AppendEvent(ctx context.Context, e *model.ActivityEvent) error
	// RequestEvents returns every event in the request's history: events on
	// the request or its processed record, and events linked by request id.
	RequestEvents(ctx context.Context, tenantID, requestID uuid.UUID) ([]model.ActivityEvent, error)
}

// Reader is the paginated query surface over active entities.
type Reader interface {
	GetRequest(ctx context.Context, tenantID, id uuid.UUID) (model.Request, error)
	GetAssignment(ctx context.Context, tenantID, id uuid.UUID) (model.Assignment, error)
	GetProcessed(ctx context.Context, tenantID, id uuid.UUID) (model.ProcessedRecord, error)
	ListRequests(ctx context.Context, tenantID uuid.UUID, f model.RequestFilter) ([]model.Request, int, error)
	ListAssignments(ctx context.Context, tenantID uuid.UUID, f model.AssignmentFilter) ([]model.Assignment, int, error)
	ListProcessed(ctx context.Context, tenantID uuid.UUID, f model.ProcessedFilter) ([]model.ProcessedRecord, int, error)
	ListEvents(ctx context.Context, tenantID uuid.UUID, f model.EventFilter) ([]model.ActivityEvent, int, error)
}
