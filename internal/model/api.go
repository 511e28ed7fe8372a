package model

import (
	"time"

	"github.com/google/uuid"
)

// Field length limits for free-text and reference fields.
const (
	MaxMaterialTypeLen = 64
	MaxNoteLen         = 4 * 1024
	MaxEvidenceRefLen  = 2048
	MaxActorIDLen      = 255
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   int          `json:"total"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput         = "INVALID_INPUT"
	ErrCodeUnauthorized         = "UNAUTHORIZED"
	ErrCodeForbidden            = "FORBIDDEN"
	ErrCodeNotFound             = "NOT_FOUND"
	ErrCodeConflict             = "CONFLICT"
	ErrCodeInvalidState         = "INVALID_STATE"
	ErrCodeImmutableAssignment  = "IMMUTABLE_ASSIGNMENT"
	ErrCodeConfirmationRequired = "CONFIRMATION_REQUIRED"
	ErrCodeTooLarge             = "PAYLOAD_TOO_LARGE"
	ErrCodeRateLimited          = "RATE_LIMITED"
	ErrCodeInternalError        = "INTERNAL_ERROR"
)

// CreateRequestInput is the body of POST /v1/requests.
type CreateRequestInput struct {
	MaterialType string  `json:"material_type" validate:"required,max=64"`
	FillLevel    int     `json:"fill_level" validate:"gte=0,lte=100"`
	Urgency      Urgency `json:"urgency,omitempty" validate:"omitempty,oneof=low normal high"`
	Note         string  `json:"note,omitempty" validate:"max=4096"`
}

// AssignInput is the body of POST /v1/requests/{request_id}/assign.
type AssignInput struct {
	CourierID string `json:"courier_id" validate:"required,max=255"`
}

// StageInput is the body of the pickup and delivery endpoints.
type StageInput struct {
	Quantity    *Quantity `json:"quantity,omitempty"`
	EvidenceRef *string   `json:"evidence_ref,omitempty" validate:"omitempty,min=1,max=2048"`
}

// FinalizeInput is the body of POST /v1/requests/{request_id}/finalize.
type FinalizeInput struct {
	Outcome     Outcome   `json:"outcome" validate:"required,oneof=completed rejected"`
	EvidenceRef *string   `json:"evidence_ref,omitempty" validate:"omitempty,min=1,max=2048"`
	Quantity    *Quantity `json:"quantity,omitempty"`
	Note        string    `json:"note,omitempty" validate:"max=4096"`
}

// CancelInput is the body of POST /v1/requests/{request_id}/cancel.
type CancelInput struct {
	Reason string `json:"reason,omitempty" validate:"max=4096"`
}

// ReassignInput is the body of POST /v1/processed/{processed_id}/courier.
type ReassignInput struct {
	CourierID string `json:"courier_id" validate:"required,max=255"`
}

// ProofTarget says which entity's ledger slot a proof write lands on.
type ProofTarget struct {
	RequestID    *uuid.UUID
	AssignmentID *uuid.UUID
	ProcessedID  *uuid.UUID
}

// ProofInput is the body of the proof endpoints. Confirm must be set to
// replace evidence on a stage a courier has physically performed.
type ProofInput struct {
	Target      ProofTarget `json:"-"`
	Stage       ProofStage  `json:"stage" validate:"required,oneof=pickup delivery finalization"`
	EvidenceRef string      `json:"evidence_ref" validate:"required,max=2048"`
	Quantity    *Quantity   `json:"quantity,omitempty"`
	Confirm     bool        `json:"confirm,omitempty"`
}

// BlobResponse is returned by POST /v1/blobs.
type BlobResponse struct {
	Ref  string `json:"ref"`
	Size int    `json:"size"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Postgres  string `json:"postgres"`
	SSEBroker string `json:"sse_broker,omitempty"`
	Uptime    int64  `json:"uptime_seconds"`
}
