package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/hakobi/internal/blob"
	"github.com/ashita-ai/hakobi/internal/ctxutil"
	"github.com/ashita-ai/hakobi/internal/lifecycle"
	"github.com/ashita-ai/hakobi/internal/model"
)

// Pinger reports database liveness for /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	engine              *lifecycle.Engine
	reader              lifecycle.Reader
	blobs               blob.Store
	broker              *Broker
	db                  Pinger
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	maxBlobBytes        int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Blobs, Broker, DB.
type HandlersDeps struct {
	Engine              *lifecycle.Engine
	Reader              lifecycle.Reader
	Blobs               blob.Store
	Broker              *Broker
	DB                  Pinger
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	MaxBlobBytes        int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	maxBody := d.MaxRequestBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	maxBlob := d.MaxBlobBytes
	if maxBlob <= 0 {
		maxBlob = 10 << 20
	}
	return &Handlers{
		engine:              d.Engine,
		reader:              d.Reader,
		blobs:               d.Blobs,
		broker:              d.Broker,
		db:                  d.DB,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: maxBody,
		maxBlobBytes:        maxBlob,
	}
}

// HandleSubscribe handles GET /v1/subscribe (SSE).
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "change stream not configured")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Idle SSE connections must outlive the server's WriteTimeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe(ctxutil.TenantIDFromContext(r.Context()))
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{
		Status:   "healthy",
		Version:  h.version,
		Postgres: "connected",
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	}
	status := http.StatusOK

	if h.db != nil {
		if err := h.db.Ping(r.Context()); err != nil {
			resp.Postgres = "disconnected"
			resp.Status = "unhealthy"
			status = http.StatusServiceUnavailable
		}
	} else {
		resp.Postgres = "not configured"
	}

	if h.broker != nil {
		resp.SSEBroker = "stopped"
		if h.broker.Running() {
			resp.SSEBroker = "running"
		}
	}

	writeJSON(w, r, status, resp)
}

// --- Shared helpers ---

// actor returns the authenticated caller. authMiddleware guarantees one on
// every route that reaches a handler.
func actor(r *http.Request) model.Actor {
	a, _ := ctxutil.ActorFromContext(r.Context())
	return a
}

func pathID(r *http.Request, key string) (uuid.UUID, error) {
	raw := r.PathValue(key)
	if raw == "" {
		return uuid.Nil, fmt.Errorf("%w: %s is required", model.ErrValidation, key)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid %s: %s", model.ErrValidation, key, raw)
	}
	return id, nil
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// queryPage reads limit and offset and clamps them to the list bounds.
func queryPage(r *http.Request) model.Page {
	p := model.Page{
		Limit:  queryInt(r, "limit", model.DefaultPageLimit),
		Offset: queryInt(r, "offset", 0),
	}
	if p.Limit < 1 {
		p.Limit = 1
	}
	return p.Clamp()
}

// queryEnum parses an optional enum query parameter.
func queryEnum[T ~string](r *http.Request, key string, valid func(T) bool) (*T, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	t := T(v)
	if !valid(t) {
		return nil, fmt.Errorf("%w: unknown %s %q", model.ErrValidation, key, v)
	}
	return &t, nil
}

func queryUUID(r *http.Request, key string) (*uuid.UUID, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid %s: %s", model.ErrValidation, key, v)
	}
	return &id, nil
}
