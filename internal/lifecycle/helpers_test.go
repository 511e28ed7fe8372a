package lifecycle_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/hakobi/internal/lifecycle"
	"github.com/ashita-ai/hakobi/internal/model"
	"github.com/ashita-ai/hakobi/internal/testutil"
)

// recorder collects published changes.
type recorder struct {
	mu      sync.Mutex
	changes []model.Change
}

func (r *recorder) Publish(_ context.Context, c model.Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recorder) all() []model.Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Change(nil), r.changes...)
}

// fakeBlobs owns refs with the blob: prefix and records deletions.
type fakeBlobs struct {
	mu      sync.Mutex
	deleted []string
	fail    bool
}

func (b *fakeBlobs) Owns(ref string) bool { return strings.HasPrefix(ref, "blob:") }

func (b *fakeBlobs) Delete(_ context.Context, ref string) error {
	if b.fail {
		return errors.New("blob store offline")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleted = append(b.deleted, ref)
	return nil
}

type names map[string]string

func (n names) DisplayName(_ context.Context, _ uuid.UUID, actorID string) (string, error) {
	if name, ok := n[actorID]; ok {
		return name, nil
	}
	return "", errors.New("unknown actor")
}

type harness struct {
	engine *lifecycle.Engine
	store  *testutil.MemStore
	pub    *recorder
	blobs  *fakeBlobs

	tenant    uuid.UUID
	requester model.Actor
	manager   model.Actor
	c1        model.Actor
	c2        model.Actor
}

// newHarness wires an engine to a MemStore with a clock that advances one
// second per reading, so event order is unambiguous.
func newHarness(t *testing.T) *harness {
	t.Helper()
	tenant := uuid.New()
	store := testutil.NewMemStore()
	pub := &recorder{}
	blobs := &fakeBlobs{}

	var mu sync.Mutex
	clock := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}

	eng := lifecycle.New(lifecycle.Config{
		Store:     store,
		Publisher: pub,
		Blobs:     blobs,
		Names:     names{"mgr-1": "Mina (dispatch)", "courier-1": "Kenji"},
		Logger:    testutil.TestLogger(),
		Now:       now,
	})
	return &harness{
		engine:    eng,
		store:     store,
		pub:       pub,
		blobs:     blobs,
		tenant:    tenant,
		requester: model.Actor{ID: "req-1", TenantID: tenant},
		manager:   model.Actor{ID: "mgr-1", TenantID: tenant},
		c1:        model.Actor{ID: "courier-1", TenantID: tenant},
		c2:        model.Actor{ID: "courier-2", TenantID: tenant},
	}
}

func (h *harness) create(t *testing.T, material string, fill int) model.Request {
	t.Helper()
	r, err := h.engine.Create(context.Background(), h.requester, model.CreateRequestInput{
		MaterialType: material,
		FillLevel:    fill,
	})
	require.NoError(t, err)
	return r
}

func (h *harness) assign(t *testing.T, requestID uuid.UUID, courier model.Actor) model.Assignment {
	t.Helper()
	a, err := h.engine.Assign(context.Background(), h.manager, requestID, model.AssignInput{CourierID: courier.ID})
	require.NoError(t, err)
	return a
}

func (h *harness) timeline(t *testing.T, requestID uuid.UUID) model.Timeline {
	t.Helper()
	tl, err := h.engine.Timeline(context.Background(), h.tenant, requestID)
	require.NoError(t, err)
	return tl
}

func strPtr(s string) *string { return &s }
