// Package ctxutil provides shared context key accessors.
//
// It exists so server and mcp can both read the claims the auth middleware
// stores without importing each other.
package ctxutil

import (
	"context"

	"github.com/google/uuid"

	"github.com/ashita-ai/hakobi/internal/auth"
	"github.com/ashita-ai/hakobi/internal/model"
)

type contextKey string

const (
	keyClaims    contextKey = "claims"
	keyTenantID  contextKey = "tenant_id"
	keyRequestID contextKey = "request_id"
	keyOp        contextKey = "op"
)

// WithClaims returns a new context carrying the given claims.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	ctx = context.WithValue(ctx, keyClaims, claims)
	ctx = context.WithValue(ctx, keyTenantID, claims.TenantID)
	return ctx
}

// ClaimsFromContext extracts the JWT claims from the context.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	if v, ok := ctx.Value(keyClaims).(*auth.Claims); ok {
		return v
	}
	return nil
}

// TenantIDFromContext extracts the tenant id from the context.
func TenantIDFromContext(ctx context.Context) uuid.UUID {
	if v, ok := ctx.Value(keyTenantID).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}

// ActorFromContext returns the authenticated actor, if any.
func ActorFromContext(ctx context.Context) (model.Actor, bool) {
	c := ClaimsFromContext(ctx)
	if c == nil {
		return model.Actor{}, false
	}
	return c.Actor(), true
}

// WithRequestID returns a context carrying the HTTP request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestIDFromContext extracts the HTTP request id.
func RequestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(keyRequestID).(string)
	return v
}

// WithOperation names the lifecycle operation running under ctx, so storage
// can attribute retries and failures to it.
func WithOperation(ctx context.Context, op string) context.Context {
	return context.WithValue(ctx, keyOp, op)
}

// OperationFromContext returns the lifecycle operation name, or "" outside one.
func OperationFromContext(ctx context.Context) string {
	v, _ := ctx.Value(keyOp).(string)
	return v
}
