// Package lifecycle is the request lifecycle engine.
//
// Every operation is a single atomic read-modify-write against the Store: it
// reads the entities it needs, applies guard conditions, writes the new state
// and appends exactly one activity event, all inside one transaction. Change
// notifications and blob cleanup happen after commit and are best-effort.
// The engine never retries; lost races surface as model.ErrConflict.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/hakobi/internal/ctxutil"
	"github.com/ashita-ai/hakobi/internal/integrity"
	"github.com/ashita-ai/hakobi/internal/model"
	"github.com/ashita-ai/hakobi/internal/telemetry"
)

// Publisher receives a change after the transition that caused it commits.
type Publisher interface {
	Publish(ctx context.Context, c model.Change)
}

// BlobRemover deletes evidence blobs displaced by a proof replacement.
type BlobRemover interface {
	Owns(ref string) bool
	Delete(ctx context.Context, ref string) error
}

// NameResolver turns actor ids into display names for timelines.
type NameResolver interface {
	DisplayName(ctx context.Context, tenantID uuid.UUID, actorID string) (string, error)
}

// Config holds the engine's collaborators. Store is required; the rest are
// optional and disabled when nil.
type Config struct {
	Store     Store
	Publisher Publisher
	Blobs     BlobRemover
	Names     NameResolver
	Logger    *slog.Logger
	Now       func() time.Time
}

// Engine runs lifecycle transitions.
type Engine struct {
	store     Store
	publisher Publisher
	blobs     BlobRemover
	names     NameResolver
	logger    *slog.Logger
	now       func() time.Time

	transitionDuration metric.Float64Histogram
	transitionErrors   metric.Int64Counter
}

var tracer = otel.Tracer("hakobi/lifecycle")

// New creates an Engine.
func New(cfg Config) *Engine {
	meter := telemetry.Meter("hakobi/lifecycle")
	dur, _ := meter.Float64Histogram("hakobi.lifecycle.transition.duration",
		metric.WithDescription("Time to run a lifecycle transition, including commit (ms)"),
		metric.WithUnit("ms"),
	)
	errs, _ := meter.Int64Counter("hakobi.lifecycle.transition.errors",
		metric.WithDescription("Lifecycle transitions that returned an error"),
	)
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		store:              cfg.Store,
		publisher:          cfg.Publisher,
		blobs:              cfg.Blobs,
		names:              cfg.Names,
		logger:             logger,
		now:                func() time.Time { return now().UTC() },
		transitionDuration: dur,
		transitionErrors:   errs,
	}
}

// effects collects what a transition must do once its transaction commits.
type effects struct {
	changes []model.Change
	orphans []string
}

func (f *effects) changed(et model.EntityType, id, tenantID uuid.UUID, status string, action model.Action) {
	f.changes = append(f.changes, model.Change{
		EntityType: et,
		EntityID:   id,
		TenantID:   tenantID,
		Status:     status,
		Action:     action,
	})
}

func (f *effects) orphaned(ref *string) {
	if ref != nil {
		f.orphans = append(f.orphans, *ref)
	}
}

// transition runs fn in one transaction and applies its effects after commit.
func (e *Engine) transition(ctx context.Context, op string, fn func(tx Tx, fx *effects) error) error {
	ctx, span := tracer.Start(ctx, "lifecycle."+op)
	defer span.End()
	ctx = ctxutil.WithOperation(ctx, op)

	start := time.Now()
	var fx effects
	err := e.store.InTx(ctx, func(tx Tx) error {
		fx = effects{}
		return fn(tx, &fx)
	})
	attrs := metric.WithAttributes(attribute.String("op", op))
	e.transitionDuration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
	if err != nil {
		e.transitionErrors.Add(ctx, 1, attrs)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%s: %w", op, err)
	}

	for _, c := range fx.changes {
		if e.publisher != nil {
			e.publisher.Publish(ctx, c)
		}
	}
	for _, ref := range fx.orphans {
		e.removeBlob(ctx, ref)
	}
	return nil
}

// removeBlob deletes a displaced evidence blob. A failure leaves an orphaned
// blob behind, which is recoverable; the proof reference itself is already
// committed.
func (e *Engine) removeBlob(ctx context.Context, ref string) {
	if e.blobs == nil || !e.blobs.Owns(ref) {
		return
	}
	if err := e.blobs.Delete(ctx, ref); err != nil {
		e.logger.Warn("lifecycle: delete replaced evidence blob", "ref", ref, "error", err)
	}
}

func (e *Engine) event(actor model.Actor, et model.EntityType, entityID, requestID uuid.UUID, action model.Action, at time.Time, meta map[string]any) *model.ActivityEvent {
	if meta == nil {
		meta = make(map[string]any)
	}
	meta[model.MetaRequestID] = requestID.String()
	rid := requestID
	ev := &model.ActivityEvent{
		ID:         uuid.New(),
		TenantID:   actor.TenantID,
		EntityType: et,
		EntityID:   entityID,
		RequestID:  &rid,
		Action:     action,
		ActorID:    actor.ID,
		OccurredAt: at,
		Metadata:   meta,
	}
	ev.ContentHash = integrity.EventHash(*ev)
	return ev
}

func checkActor(actor model.Actor) error {
	if actor.ID == "" {
		return fmt.Errorf("%w: actor id is required", model.ErrValidation)
	}
	if len(actor.ID) > model.MaxActorIDLen {
		return fmt.Errorf("%w: actor id exceeds %d characters", model.ErrValidation, model.MaxActorIDLen)
	}
	if actor.TenantID == uuid.Nil {
		return fmt.Errorf("%w: tenant id is required", model.ErrValidation)
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, model.ErrNotFound)
}

func quantityMeta(meta map[string]any, q *model.Quantity) {
	if q != nil {
		meta["quantity"] = q.Value
		meta["unit"] = q.Unit
	}
}
