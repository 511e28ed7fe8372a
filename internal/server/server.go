package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/hakobi/internal/auth"
	"github.com/ashita-ai/hakobi/internal/blob"
	"github.com/ashita-ai/hakobi/internal/ctxutil"
	"github.com/ashita-ai/hakobi/internal/lifecycle"
	"github.com/ashita-ai/hakobi/internal/model"
	"github.com/ashita-ai/hakobi/internal/ratelimit"
)

// Server is the Hakobi HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): DB, Blobs, Broker, Limiter, MCPServer.
type ServerConfig struct {
	// Required dependencies.
	Engine *lifecycle.Engine
	Reader lifecycle.Reader
	JWTMgr *auth.JWTManager
	Logger *slog.Logger

	// Optional dependencies (nil = disabled).
	DB        Pinger
	Blobs     blob.Store
	Broker    *Broker
	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	MaxBlobBytes        int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Engine:              cfg.Engine,
		Reader:              cfg.Reader,
		Blobs:               cfg.Blobs,
		Broker:              cfg.Broker,
		DB:                  cfg.DB,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		MaxBlobBytes:        cfg.MaxBlobBytes,
	})

	rl := ratelimit.Middleware(cfg.Limiter, actorKeyFunc, func(r *http.Request) string {
		return ctxutil.RequestIDFromContext(r.Context())
	}, cfg.Logger)

	// requireRole always admits admin.
	anyRole := requireRole(model.RoleReader, model.RoleRequester, model.RoleCourier, model.RoleFinalizer)
	requester := requireRole(model.RoleRequester)
	courier := requireRole(model.RoleCourier)
	finalizer := requireRole(model.RoleFinalizer)
	fieldWork := requireRole(model.RoleCourier, model.RoleFinalizer)

	route := func(gate func(http.Handler) http.Handler, fn http.HandlerFunc) http.Handler {
		return rl(gate(fn))
	}

	mux := http.NewServeMux()

	// Requests.
	mux.Handle("POST /v1/requests", route(requester, h.HandleCreateRequest))
	mux.Handle("GET /v1/requests", route(anyRole, h.HandleListRequests))
	mux.Handle("GET /v1/requests/{request_id}", route(anyRole, h.HandleGetRequest))
	mux.Handle("POST /v1/requests/{request_id}/assign", route(finalizer, h.HandleAssign))
	mux.Handle("POST /v1/requests/{request_id}/cancel", route(requester, h.HandleCancel))
	mux.Handle("POST /v1/requests/{request_id}/finalize", route(finalizer, h.HandleFinalize))
	mux.Handle("POST /v1/requests/{request_id}/proof", route(finalizer, h.HandleRequestProof))
	mux.Handle("GET /v1/requests/{request_id}/timeline", route(anyRole, h.HandleTimeline))
	mux.Handle("GET /v1/requests/{request_id}/ledger", route(anyRole, h.HandleLedger))
	mux.Handle("GET /v1/requests/{request_id}/integrity", route(anyRole, h.HandleVerify))
	mux.Handle("GET /v1/requests/{request_id}/events", route(anyRole, h.HandleRequestEvents))

	// Assignments.
	mux.Handle("GET /v1/assignments", route(anyRole, h.HandleListAssignments))
	mux.Handle("GET /v1/assignments/{assignment_id}", route(anyRole, h.HandleGetAssignment))
	mux.Handle("POST /v1/assignments/{assignment_id}/start", route(courier, h.HandleStartRoute))
	mux.Handle("POST /v1/assignments/{assignment_id}/pickup", route(courier, h.HandlePickup))
	mux.Handle("POST /v1/assignments/{assignment_id}/delivery", route(courier, h.HandleDelivery))
	mux.Handle("POST /v1/assignments/{assignment_id}/proof", route(fieldWork, h.HandleAssignmentProof))

	// Processed records.
	mux.Handle("GET /v1/processed", route(anyRole, h.HandleListProcessed))
	mux.Handle("GET /v1/processed/{processed_id}", route(anyRole, h.HandleGetProcessed))
	mux.Handle("POST /v1/processed/{processed_id}/courier", route(finalizer, h.HandleReassignCourier))
	mux.Handle("POST /v1/processed/{processed_id}/proof", route(finalizer, h.HandleProcessedProof))

	// Activity and evidence.
	mux.Handle("GET /v1/events", route(anyRole, h.HandleListEvents))
	mux.Handle("POST /v1/blobs", route(fieldWork, h.HandlePutBlob))
	mux.Handle("GET /v1/blobs/{digest}", route(anyRole, h.HandleGetBlob))

	// Change stream (no rate limit, long-lived connection).
	mux.Handle("GET /v1/subscribe", anyRole(http.HandlerFunc(h.HandleSubscribe)))

	// MCP StreamableHTTP transport (read-only tools).
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", anyRole(mcpserver.NewStreamableHTTPServer(cfg.MCPServer)))
	}

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// actorKeyFunc keys rate limits by tenant and actor. Admins are exempt.
func actorKeyFunc(r *http.Request) string {
	claims := ctxutil.ClaimsFromContext(r.Context())
	if claims == nil || claims.Role == model.RoleAdmin {
		return ""
	}
	return claims.TenantID.String() + ":" + claims.Subject
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
