package lifecycle_test

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hakobi/internal/model"
)

func TestAssignedRequestTimeline(t *testing.T) {
	h := newHarness(t)
	r := h.create(t, "glass", 80)
	assert.Equal(t, model.RequestPending, r.Status)
	assert.Equal(t, model.UrgencyNormal, r.Urgency)

	a := h.assign(t, r.ID, h.c1)
	assert.Equal(t, model.AssignmentAssigned, a.Status)
	assert.Equal(t, "mgr-1", a.AssignedBy)

	tl := h.timeline(t, r.ID)
	assert.Equal(t, []model.StepKind{model.StepCreated, model.StepAssigned}, tl.Kinds())
	assert.Equal(t, model.ClassNone, tl.Classification)
	assert.Equal(t, "courier-1", tl.Steps[1].CourierID)
	assert.Equal(t, "Mina (dispatch)", tl.Steps[1].ActorName)
	assert.Equal(t, "req-1", tl.Steps[0].ActorName, "unresolved names fall back to the id")
}

func TestAssignEventCarriesRequestID(t *testing.T) {
	h := newHarness(t)
	r := h.create(t, "paper", 40)
	a := h.assign(t, r.ID, h.c1)

	var found bool
	for _, e := range h.store.Events() {
		if e.Action != model.ActionAssign {
			continue
		}
		found = true
		assert.Equal(t, a.ID, e.EntityID)
		assert.Equal(t, model.EntityAssignment, e.EntityType)
		assert.Equal(t, r.ID.String(), e.Metadata[model.MetaRequestID])
		require.NotNil(t, e.RequestID)
		assert.Equal(t, r.ID, *e.RequestID)
	}
	assert.True(t, found)
}

func TestGenuineDeliveryTimeline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.create(t, "glass", 80)
	a := h.assign(t, r.ID, h.c1)

	a, err := h.engine.RecordPickup(ctx, h.c1, a.ID, model.StageInput{})
	require.NoError(t, err)
	assert.Equal(t, model.AssignmentPickedUp, a.Status)
	assert.True(t, a.Genuine())

	a, err = h.engine.RecordDelivery(ctx, h.c1, a.ID, model.StageInput{})
	require.NoError(t, err)
	assert.Equal(t, model.AssignmentDelivered, a.Status)
	require.NotNil(t, a.DeliveredAt)

	tl := h.timeline(t, r.ID)
	assert.Equal(t, []model.StepKind{
		model.StepCreated, model.StepAssigned, model.StepPickedUp, model.StepDelivered,
	}, tl.Kinds())
	assert.Equal(t, model.ClassGenuine, tl.Classification)
}

func TestReassignRefusedOnGenuineWork(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.create(t, "glass", 80)
	a := h.assign(t, r.ID, h.c1)
	_, err := h.engine.RecordPickup(ctx, h.c1, a.ID, model.StageInput{})
	require.NoError(t, err)
	_, err = h.engine.RecordDelivery(ctx, h.c1, a.ID, model.StageInput{})
	require.NoError(t, err)

	p, err := h.engine.Finalize(ctx, h.manager, r.ID, model.FinalizeInput{
		Outcome:  model.OutcomeCompleted,
		Quantity: &model.Quantity{Value: 12, Unit: "kg"},
	})
	require.NoError(t, err)
	require.NotNil(t, p.CourierID)
	assert.Equal(t, "courier-1", *p.CourierID)
	assert.Equal(t, "glass", p.Snapshot.MaterialType)
	require.NotNil(t, p.Finalization.Quantity)
	assert.Equal(t, 12.0, p.Finalization.Quantity.Value)
	assert.Equal(t, "mgr-1", p.Finalization.ActorID)

	_, err = h.engine.ReassignCourier(ctx, h.manager, p.ID, model.ReassignInput{CourierID: "courier-2"})
	require.ErrorIs(t, err, model.ErrImmutableAssignment)
	assert.NotErrorIs(t, err, model.ErrConflict, "immutability is a business rule, not a race")

	asg, err := h.store.GetAssignment(ctx, h.tenant, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "courier-1", asg.CourierID)
	assert.Equal(t, model.AssignmentCompleted, asg.Status)

	tl := h.timeline(t, r.ID)
	assert.Equal(t, []model.StepKind{
		model.StepCreated, model.StepAssigned, model.StepPickedUp, model.StepDelivered, model.StepProcessed,
	}, tl.Kinds())
}

func TestNoDriverFinalizeThenRetroactiveCourier(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.create(t, "metal", 30)

	p, err := h.engine.Finalize(ctx, h.manager, r.ID, model.FinalizeInput{Outcome: model.OutcomeCompleted})
	require.NoError(t, err)
	assert.Nil(t, p.CourierID)
	assert.Nil(t, p.AssignmentID)

	tl := h.timeline(t, r.ID)
	assert.Equal(t, model.ClassNone, tl.Classification)

	p, err = h.engine.ReassignCourier(ctx, h.manager, p.ID, model.ReassignInput{CourierID: "courier-3"})
	require.NoError(t, err)
	require.NotNil(t, p.CourierID)
	assert.Equal(t, "courier-3", *p.CourierID)

	tl = h.timeline(t, r.ID)
	assert.Equal(t, model.ClassRetroactive, tl.Classification)
	assert.Equal(t, []model.StepKind{
		model.StepCreated, model.StepProcessed, model.StepRetroactiveCourier,
	}, tl.Kinds())
	last := tl.Steps[len(tl.Steps)-1]
	assert.Nil(t, last.At, "inferred step must carry no timestamp")
	assert.Nil(t, last.EventID)
	assert.Equal(t, model.Inferred, last.Provenance)
	assert.Equal(t, "courier-3", last.CourierID)

	// No fictitious physical events were written.
	assert.Zero(t, h.store.CountEvents(model.ActionPickedUp))
	assert.Zero(t, h.store.CountEvents(model.ActionDelivered))
	assert.Equal(t, 1, h.store.CountEvents(model.ActionReassignCourier))
}

func TestRetroactiveOnUnworkedAssignment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.create(t, "glass", 50)
	a := h.assign(t, r.ID, h.c1)

	p, err := h.engine.Finalize(ctx, h.manager, r.ID, model.FinalizeInput{Outcome: model.OutcomeCompleted})
	require.NoError(t, err)
	require.NotNil(t, p.AssignmentID)
	assert.Equal(t, a.ID, *p.AssignmentID)

	tl := h.timeline(t, r.ID)
	assert.Equal(t, model.ClassRetroactive, tl.Classification)

	p, err = h.engine.ReassignCourier(ctx, h.manager, p.ID, model.ReassignInput{CourierID: "courier-2"})
	require.NoError(t, err)
	assert.Equal(t, "courier-2", *p.CourierID)

	asg, err := h.store.GetAssignment(ctx, h.tenant, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "courier-2", asg.CourierID)
	assert.Nil(t, asg.PickedUpAt)
	assert.Nil(t, asg.DeliveredAt)
}

func TestConcurrentAssignOneWins(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.create(t, "glass", 80)

	// Hold both transactions open until each has done its reads and writes.
	var barrier sync.WaitGroup
	barrier.Add(2)
	h.store.BeforeCommit = func() {
		barrier.Done()
		barrier.Wait()
	}

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, courier := range []model.Actor{h.c1, h.c2} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.engine.Assign(ctx, h.manager, r.ID, model.AssignInput{CourierID: courier.ID})
		}()
	}
	wg.Wait()
	h.store.BeforeCommit = nil

	var won, lost int
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		default:
			assert.ErrorIs(t, err, model.ErrConflict)
			lost++
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, 1, lost)

	var active int
	for _, a := range h.store.Assignments(r.ID) {
		if a.Status.Active() {
			active++
		}
	}
	assert.Equal(t, 1, active)
	assert.Equal(t, 1, h.store.CountEvents(model.ActionAssign))
}

func TestRecordPickupIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.create(t, "glass", 80)
	a := h.assign(t, r.ID, h.c1)

	in := model.StageInput{Quantity: &model.Quantity{Value: 4, Unit: "kg"}}
	first, err := h.engine.RecordPickup(ctx, h.c1, a.ID, in)
	require.NoError(t, err)
	second, err := h.engine.RecordPickup(ctx, h.c1, a.ID, in)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, h.store.CountEvents(model.ActionPickedUp))

	_, err = h.engine.RecordDelivery(ctx, h.c1, a.ID, model.StageInput{})
	require.NoError(t, err)
	_, err = h.engine.RecordDelivery(ctx, h.c1, a.ID, model.StageInput{})
	require.NoError(t, err)
	assert.Equal(t, 1, h.store.CountEvents(model.ActionDelivered))
}

func TestRecordDeliveryRequiresPickup(t *testing.T) {
	h := newHarness(t)
	r := h.create(t, "glass", 80)
	a := h.assign(t, r.ID, h.c1)

	_, err := h.engine.RecordDelivery(context.Background(), h.c1, a.ID, model.StageInput{})
	require.ErrorIs(t, err, model.ErrState)
}

func TestFinalizeIsTerminal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.create(t, "glass", 80)
	a := h.assign(t, r.ID, h.c1)

	_, err := h.engine.Finalize(ctx, h.manager, r.ID, model.FinalizeInput{Outcome: model.OutcomeRejected})
	require.NoError(t, err)

	got, total, err := h.store.ListRequests(ctx, h.tenant, model.RequestFilter{})
	require.NoError(t, err)
	assert.Empty(t, got, "finalized request is soft-deleted from the active view")
	assert.Zero(t, total)

	_, err = h.engine.Assign(ctx, h.manager, r.ID, model.AssignInput{CourierID: "courier-2"})
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = h.engine.RecordPickup(ctx, h.c1, a.ID, model.StageInput{})
	assert.ErrorIs(t, err, model.ErrState)
	_, err = h.engine.RecordDelivery(ctx, h.c1, a.ID, model.StageInput{})
	assert.ErrorIs(t, err, model.ErrState)
	_, err = h.engine.Finalize(ctx, h.manager, r.ID, model.FinalizeInput{Outcome: model.OutcomeCompleted})
	assert.ErrorIs(t, err, model.ErrState)

	// The unworked courier is carried onto the record, so it reads as retroactive.
	tl := h.timeline(t, r.ID)
	assert.Equal(t, []model.StepKind{model.StepCreated, model.StepAssigned, model.StepRejected, model.StepRetroactiveCourier}, tl.Kinds())
	assert.Equal(t, model.ClassRetroactive, tl.Classification)
}

func TestAssignReplacesUnworkedCourier(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.create(t, "glass", 80)
	first := h.assign(t, r.ID, h.c1)

	_, err := h.engine.StartRoute(ctx, h.c1, first.ID)
	require.NoError(t, err)

	second := h.assign(t, r.ID, h.c2)
	assert.NotEqual(t, first.ID, second.ID)

	old, err := h.store.GetAssignment(ctx, h.tenant, first.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AssignmentReplaced, old.Status)

	req, err := h.store.GetRequest(ctx, h.tenant, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestAssigned, req.Status, "replacing an in-progress courier steps the request back")

	// Same courier again is a no-op.
	again := h.assign(t, r.ID, h.c2)
	assert.Equal(t, second.ID, again.ID)
	assert.Equal(t, 2, h.store.CountEvents(model.ActionAssign))

	// The replaced assignment can no longer be worked.
	_, err = h.engine.RecordPickup(ctx, h.c1, first.ID, model.StageInput{})
	assert.ErrorIs(t, err, model.ErrState)
}

func TestAssignRefusedAfterPickup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.create(t, "glass", 80)
	a := h.assign(t, r.ID, h.c1)
	_, err := h.engine.RecordPickup(ctx, h.c1, a.ID, model.StageInput{})
	require.NoError(t, err)

	_, err = h.engine.Assign(ctx, h.manager, r.ID, model.AssignInput{CourierID: "courier-2"})
	require.ErrorIs(t, err, model.ErrConflict)

	// Still refused once delivered, when the assignment has left the active set.
	_, err = h.engine.RecordDelivery(ctx, h.c1, a.ID, model.StageInput{})
	require.NoError(t, err)
	_, err = h.engine.Assign(ctx, h.manager, r.ID, model.AssignInput{CourierID: "courier-2"})
	require.ErrorIs(t, err, model.ErrConflict)
}

func TestStartRoute(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.create(t, "glass", 80)
	a := h.assign(t, r.ID, h.c1)

	a, err := h.engine.StartRoute(ctx, h.c1, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AssignmentInProgress, a.Status)
	require.NotNil(t, a.StartedAt)
	assert.False(t, a.Genuine(), "starting a route is not physical work")

	_, err = h.engine.StartRoute(ctx, h.c1, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, h.store.CountEvents(model.ActionStarted))

	req, err := h.store.GetRequest(ctx, h.tenant, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestInProgress, req.Status)

	a, err = h.engine.RecordPickup(ctx, h.c1, a.ID, model.StageInput{})
	require.NoError(t, err)
	req, err = h.store.GetRequest(ctx, h.tenant, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RequestPickedUp, req.Status)
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	t.Run("pending", func(t *testing.T) {
		r := h.create(t, "glass", 10)
		got, err := h.engine.Cancel(ctx, h.requester, r.ID, model.CancelInput{Reason: "bin emptied"})
		require.NoError(t, err)
		assert.Equal(t, model.RequestCancelled, got.Status)
		assert.NotNil(t, got.DeletedAt)

		tl := h.timeline(t, r.ID)
		assert.Equal(t, []model.StepKind{model.StepCreated, model.StepCancelled}, tl.Kinds())

		_, err = h.engine.Cancel(ctx, h.requester, r.ID, model.CancelInput{})
		assert.ErrorIs(t, err, model.ErrState)
	})

	t.Run("assigned", func(t *testing.T) {
		r := h.create(t, "glass", 10)
		a := h.assign(t, r.ID, h.c1)
		_, err := h.engine.Cancel(ctx, h.requester, r.ID, model.CancelInput{})
		require.NoError(t, err)

		got, err := h.store.GetAssignment(ctx, h.tenant, a.ID)
		require.NoError(t, err)
		assert.Equal(t, model.AssignmentCancelled, got.Status)
	})

	t.Run("after pickup", func(t *testing.T) {
		r := h.create(t, "glass", 10)
		a := h.assign(t, r.ID, h.c1)
		_, err := h.engine.RecordPickup(ctx, h.c1, a.ID, model.StageInput{})
		require.NoError(t, err)
		_, err = h.engine.Cancel(ctx, h.requester, r.ID, model.CancelInput{})
		assert.ErrorIs(t, err, model.ErrState)
	})
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.Create(ctx, h.requester, model.CreateRequestInput{FillLevel: 10})
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = h.engine.Create(ctx, h.requester, model.CreateRequestInput{MaterialType: "glass", FillLevel: 101})
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = h.engine.Create(ctx, model.Actor{TenantID: h.tenant}, model.CreateRequestInput{MaterialType: "glass"})
	assert.ErrorIs(t, err, model.ErrValidation)

	assert.Empty(t, h.store.Events())
}

func TestChangesPublishedAfterCommit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.create(t, "glass", 80)
	h.assign(t, r.ID, h.c1)

	changes := h.pub.all()
	require.Len(t, changes, 3)
	for _, c := range changes {
		assert.Equal(t, h.tenant, c.TenantID)
	}
	assert.Equal(t, model.EntityRequest, changes[0].EntityType)
	assert.Equal(t, string(model.RequestPending), changes[0].Status)
	assert.Equal(t, string(model.RequestAssigned), changes[2].Status)

	// A failed transition publishes nothing.
	_, err := h.engine.RecordDelivery(ctx, h.c1, h.store.Assignments(r.ID)[0].ID, model.StageInput{})
	require.Error(t, err)
	assert.Len(t, h.pub.all(), 3)
}

func TestOtherTenantCannotSeeRequest(t *testing.T) {
	h := newHarness(t)
	r := h.create(t, "glass", 80)

	other := h.manager
	other.TenantID[0] ^= 0xff
	_, err := h.engine.Assign(context.Background(), other, r.ID, model.AssignInput{CourierID: "courier-1"})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestVerifyHistory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	r := h.create(t, "glass", 80)
	a := h.assign(t, r.ID, h.c1)
	_, err := h.engine.RecordPickup(ctx, h.c1, a.ID, model.StageInput{Quantity: &model.Quantity{Value: 4, Unit: "kg"}})
	require.NoError(t, err)

	for _, e := range h.store.Events() {
		assert.NotEmpty(t, e.ContentHash, "event %s", e.Action)
	}

	rep, err := h.engine.VerifyHistory(ctx, h.tenant, r.ID)
	require.NoError(t, err)
	assert.True(t, rep.Intact())
	assert.Equal(t, 3, rep.Checked)
	assert.NotEmpty(t, rep.Root)

	_, err = h.engine.VerifyHistory(ctx, h.tenant, uuid.New())
	assert.ErrorIs(t, err, model.ErrNotFound)
}
