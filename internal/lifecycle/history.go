package lifecycle

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/hakobi/internal/integrity"
	"github.com/ashita-ai/hakobi/internal/ledger"
	"github.com/ashita-ai/hakobi/internal/model"
	"github.com/ashita-ai/hakobi/internal/reconcile"
	"github.com/ashita-ai/hakobi/internal/timeline"
)

// requestState is everything known about one request, finalized or not.
type requestState struct {
	request    model.Request
	assignment *model.Assignment
	processed  *model.ProcessedRecord
}

func loadState(ctx context.Context, tx Tx, tenantID, requestID uuid.UUID) (requestState, error) {
	var st requestState
	r, err := tx.GetRequest(ctx, tenantID, requestID)
	if err != nil {
		return st, err
	}
	st.request = r

	p, err := tx.ProcessedByRequest(ctx, tenantID, requestID)
	switch {
	case err == nil:
		st.processed = &p
	case !isNotFound(err):
		return st, err
	}

	if st.processed != nil {
		if st.processed.AssignmentID != nil {
			a, err := tx.GetAssignment(ctx, tenantID, *st.processed.AssignmentID)
			if err != nil {
				return st, err
			}
			st.assignment = &a
		}
		return st, nil
	}

	a, err := tx.LatestAssignment(ctx, tenantID, requestID)
	switch {
	case err == nil:
		st.assignment = &a
	case !isNotFound(err):
		return st, err
	}
	return st, nil
}

func (st requestState) classification() model.Classification {
	if st.processed != nil {
		return reconcile.Classify(*st.processed, st.assignment)
	}
	return reconcile.ClassifyActive(st.assignment)
}

// Timeline reconstructs the audit trail of a request, including requests that
// were finalized or cancelled. Actor names are resolved best-effort.
func (e *Engine) Timeline(ctx context.Context, tenantID, requestID uuid.UUID) (model.Timeline, error) {
	ctx, span := tracer.Start(ctx, "lifecycle.timeline", trace.WithAttributes(
		attribute.String("request_id", requestID.String()),
	))
	defer span.End()

	var (
		st     requestState
		events []model.ActivityEvent
	)
	err := e.store.InTx(ctx, func(tx Tx) error {
		var err error
		if st, err = loadState(ctx, tx, tenantID, requestID); err != nil {
			return err
		}
		events, err = tx.RequestEvents(ctx, tenantID, requestID)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return model.Timeline{}, err
	}

	in := timeline.Input{
		RequestID:      requestID,
		Events:         events,
		Classification: st.classification(),
	}
	if st.processed != nil {
		pid := st.processed.ID
		in.ProcessedID = &pid
		if st.processed.CourierID != nil {
			in.CourierID = *st.processed.CourierID
		}
	}
	tl := timeline.Reconstruct(in)
	e.resolveNames(ctx, tenantID, tl.Steps)
	return tl, nil
}

// Ledger returns the three proof slots of a request.
func (e *Engine) Ledger(ctx context.Context, tenantID, requestID uuid.UUID) (ledger.Ledger, error) {
	var st requestState
	err := e.store.InTx(ctx, func(tx Tx) error {
		var err error
		st, err = loadState(ctx, tx, tenantID, requestID)
		return err
	})
	if err != nil {
		return ledger.Ledger{}, err
	}
	return ledger.Slots(&st.request, st.assignment, st.processed), nil
}

// VerifyHistory recomputes the content hash of every event of a request and
// returns the Merkle root over the stored hashes.
func (e *Engine) VerifyHistory(ctx context.Context, tenantID, requestID uuid.UUID) (integrity.Report, error) {
	var events []model.ActivityEvent
	err := e.store.InTx(ctx, func(tx Tx) error {
		if _, err := loadState(ctx, tx, tenantID, requestID); err != nil {
			return err
		}
		var err error
		events, err = tx.RequestEvents(ctx, tenantID, requestID)
		return err
	})
	if err != nil {
		return integrity.Report{}, err
	}
	rep := integrity.Verify(requestID, events)
	if !rep.Intact() {
		e.logger.Warn("lifecycle: activity events failed verification",
			"tenant_id", tenantID,
			"request_id", requestID,
			"tampered", len(rep.Tampered),
		)
	}
	return rep, nil
}

func (e *Engine) resolveNames(ctx context.Context, tenantID uuid.UUID, steps []model.TimelineStep) {
	if e.names == nil {
		return
	}
	seen := make(map[string]string)
	for i := range steps {
		id := steps[i].ActorID
		if id == "" {
			continue
		}
		name, ok := seen[id]
		if !ok {
			n, err := e.names.DisplayName(ctx, tenantID, id)
			if err != nil || n == "" {
				if err != nil {
					e.logger.Debug("lifecycle: resolve actor name", "actor_id", id, "error", err)
				}
				n = id
			}
			seen[id] = n
			name = n
		}
		steps[i].ActorName = name
	}
}
