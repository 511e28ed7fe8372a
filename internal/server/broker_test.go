package server

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hakobi/internal/model"
	"github.com/ashita-ai/hakobi/internal/notify"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func receive(t *testing.T, ch <-chan []byte) string {
	t.Helper()
	select {
	case got := <-ch:
		return string(got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return ""
	}
}

func assertQuiet(t *testing.T, ch <-chan []byte) {
	t.Helper()
	select {
	case got := <-ch:
		t.Fatalf("unexpected event %q", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBrokerTenantIsolation(t *testing.T) {
	b := NewBroker(notify.NewLocal(8), testLogger())
	tenantA, tenantB := uuid.New(), uuid.New()

	a1 := b.Subscribe(tenantA)
	a2 := b.Subscribe(tenantA)
	other := b.Subscribe(tenantB)
	defer b.Unsubscribe(a1)
	defer b.Unsubscribe(a2)
	defer b.Unsubscribe(other)

	c := model.Change{
		EntityType: model.EntityRequest,
		EntityID:   uuid.New(),
		TenantID:   tenantA,
		Status:     string(model.RequestAssigned),
		Action:     model.ActionAssign,
	}
	b.broadcast(c)

	got := receive(t, a1)
	assert.True(t, strings.HasPrefix(got, "event: request.assign\ndata: {"), got)
	assert.Contains(t, got, c.EntityID.String())
	assert.Equal(t, got, receive(t, a2))
	assertQuiet(t, other)
}

func TestBrokerSlowSubscriber(t *testing.T) {
	b := NewBroker(notify.NewLocal(8), testLogger())
	tenant := uuid.New()

	slow := b.Subscribe(tenant)
	for range subscriberBuffer + 1 {
		b.broadcast(model.Change{TenantID: tenant, EntityType: model.EntityRequest, Action: model.ActionCreate})
	}
	fast := b.Subscribe(tenant)
	b.broadcast(model.Change{TenantID: tenant, EntityType: model.EntityRequest, Action: model.ActionCancel})

	assert.Contains(t, receive(t, fast), "request.cancel")
	assert.Len(t, slow, subscriberBuffer)

	b.Unsubscribe(slow)
	b.Unsubscribe(fast)
}

func TestBrokerStartPumpsSource(t *testing.T) {
	local := notify.NewLocal(8)
	b := NewBroker(local, testLogger())
	tenant := uuid.New()
	ch := b.Subscribe(tenant)
	defer b.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Start(ctx)
		close(done)
	}()

	require.NoError(t, local.Publish(ctx, model.Change{TenantID: tenant, EntityType: model.EntityAssignment, Action: model.ActionPickedUp}))
	assert.Contains(t, receive(t, ch), "assignment.picked_up")
	assert.Eventually(t, b.Running, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broker did not stop")
	}
	assert.False(t, b.Running())
}

func TestFormatSSE(t *testing.T) {
	assert.Equal(t, "event: request.create\ndata: {\"id\":\"1\"}\n\n", string(formatSSE("request.create", `{"id":"1"}`)))
}
