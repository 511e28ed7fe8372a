package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/ashita-ai/hakobi/internal/lifecycle"
	"github.com/ashita-ai/hakobi/internal/model"
)

var (
	_ lifecycle.Store  = (*MemStore)(nil)
	_ lifecycle.Reader = (*MemStore)(nil)
)

// MemStore is an in-memory lifecycle.Store with optimistic commit semantics.
// A transaction works on a private copy of the data. At commit every updated
// entity must still carry the version the transaction read, and the
// uniqueness rules of the Postgres schema must hold, or the whole
// transaction fails with model.ErrConflict and nothing is applied.
type MemStore struct {
	// BeforeCommit, if set, runs after a transaction's body succeeds and
	// before its writes are validated. Tests use it to hold transactions
	// open so that races happen deterministically.
	BeforeCommit func()

	mu          sync.Mutex
	requests    map[uuid.UUID]model.Request
	assignments map[uuid.UUID]model.Assignment
	processed   map[uuid.UUID]model.ProcessedRecord
	events      []model.ActivityEvent
	seq         int64
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		requests:    make(map[uuid.UUID]model.Request),
		assignments: make(map[uuid.UUID]model.Assignment),
		processed:   make(map[uuid.UUID]model.ProcessedRecord),
	}
}

// InTx implements lifecycle.Store.
func (s *MemStore) InTx(ctx context.Context, fn func(lifecycle.Tx) error) error {
	s.mu.Lock()
	tx := &memTx{
		requests:    cloneMap(s.requests),
		assignments: cloneMap(s.assignments),
		processed:   cloneMap(s.processed),
		events:      append([]model.ActivityEvent(nil), s.events...),
		reqBase:     make(map[uuid.UUID]int),
		asgBase:     make(map[uuid.UUID]int),
		procBase:    make(map[uuid.UUID]int),
	}
	s.mu.Unlock()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if hook := s.BeforeCommit; hook != nil {
		hook()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.validate(tx); err != nil {
		return err
	}
	for id := range tx.reqBase {
		s.requests[id] = tx.requests[id]
	}
	for id := range tx.asgBase {
		s.assignments[id] = tx.assignments[id]
	}
	for id := range tx.procBase {
		s.processed[id] = tx.processed[id]
	}
	for _, e := range tx.pending {
		s.seq++
		e.Seq = s.seq
		s.events = append(s.events, e)
	}
	return nil
}

// validate checks a transaction's writes against the committed state.
// Base version 0 marks an insert.
func (s *MemStore) validate(tx *memTx) error {
	for id, base := range tx.reqBase {
		if err := checkBase("request", id, base, s.requests[id].Version, hasKey(s.requests, id)); err != nil {
			return err
		}
	}
	for id, base := range tx.asgBase {
		if err := checkBase("assignment", id, base, s.assignments[id].Version, hasKey(s.assignments, id)); err != nil {
			return err
		}
	}
	for id, base := range tx.procBase {
		if err := checkBase("processed record", id, base, s.processed[id].Version, hasKey(s.processed, id)); err != nil {
			return err
		}
	}

	// One active assignment per request, across committed and new rows.
	active := make(map[uuid.UUID]uuid.UUID)
	for id, a := range s.assignments {
		if _, overwritten := tx.asgBase[id]; overwritten {
			a = tx.assignments[id]
		}
		if a.Status.Active() {
			active[a.RequestID] = id
		}
	}
	for id := range tx.asgBase {
		a := tx.assignments[id]
		if !a.Status.Active() {
			continue
		}
		if other, ok := active[a.RequestID]; ok && other != id {
			return fmt.Errorf("%w: request %s already has an active assignment", model.ErrConflict, a.RequestID)
		}
	}

	for id := range tx.procBase {
		p := tx.processed[id]
		for oid, o := range s.processed {
			if oid != id && o.RequestID == p.RequestID {
				return fmt.Errorf("%w: request %s is already processed", model.ErrConflict, p.RequestID)
			}
		}
	}
	return nil
}

func checkBase(kind string, id uuid.UUID, base, committed int, exists bool) error {
	switch {
	case base == 0 && exists:
		return fmt.Errorf("%w: %s %s already exists", model.ErrConflict, kind, id)
	case base != 0 && committed != base:
		return fmt.Errorf("%w: %s %s was modified concurrently", model.ErrConflict, kind, id)
	}
	return nil
}

// Events returns every committed event in append order.
func (s *MemStore) Events() []model.ActivityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.ActivityEvent(nil), s.events...)
}

// CountEvents returns how many committed events carry the given action.
func (s *MemStore) CountEvents(action model.Action) int {
	n := 0
	for _, e := range s.Events() {
		if e.Action == action {
			n++
		}
	}
	return n
}

// Assignments returns every committed assignment for a request.
func (s *MemStore) Assignments(requestID uuid.UUID) []model.Assignment {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Assignment
	for _, a := range s.assignments {
		if a.RequestID == requestID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssignedAt.Before(out[j].AssignedAt) })
	return out
}

// GetRequest implements lifecycle.Reader. Soft-deleted requests are not found.
func (s *MemStore) GetRequest(_ context.Context, tenantID, id uuid.UUID) (model.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok || r.TenantID != tenantID || r.DeletedAt != nil {
		return model.Request{}, fmt.Errorf("%w: request %s", model.ErrNotFound, id)
	}
	return r, nil
}

// GetAssignment implements lifecycle.Reader.
func (s *MemStore) GetAssignment(_ context.Context, tenantID, id uuid.UUID) (model.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assignments[id]
	if !ok || a.TenantID != tenantID {
		return model.Assignment{}, fmt.Errorf("%w: assignment %s", model.ErrNotFound, id)
	}
	return a, nil
}

// GetProcessed implements lifecycle.Reader.
func (s *MemStore) GetProcessed(_ context.Context, tenantID, id uuid.UUID) (model.ProcessedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.processed[id]
	if !ok || p.TenantID != tenantID || p.DeletedAt != nil {
		return model.ProcessedRecord{}, fmt.Errorf("%w: processed record %s", model.ErrNotFound, id)
	}
	return p, nil
}

// ListRequests implements lifecycle.Reader, newest first.
func (s *MemStore) ListRequests(_ context.Context, tenantID uuid.UUID, f model.RequestFilter) ([]model.Request, int, error) {
	s.mu.Lock()
	var out []model.Request
	for _, r := range s.requests {
		if r.TenantID != tenantID || (r.DeletedAt != nil && !f.IncludeDeleted) {
			continue
		}
		if f.Status != nil && r.Status != *f.Status {
			continue
		}
		if f.RequesterID != "" && r.RequesterID != f.RequesterID {
			continue
		}
		out = append(out, r)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	items, total := paginate(out, f.Page)
	return items, total, nil
}

// ListAssignments implements lifecycle.Reader. Without a status filter only
// active assignments are listed.
func (s *MemStore) ListAssignments(_ context.Context, tenantID uuid.UUID, f model.AssignmentFilter) ([]model.Assignment, int, error) {
	s.mu.Lock()
	var out []model.Assignment
	for _, a := range s.assignments {
		if a.TenantID != tenantID {
			continue
		}
		if f.Status != nil && a.Status != *f.Status {
			continue
		}
		if f.Status == nil && !a.Status.Active() {
			continue
		}
		if f.CourierID != "" && a.CourierID != f.CourierID {
			continue
		}
		if f.RequestID != nil && a.RequestID != *f.RequestID {
			continue
		}
		out = append(out, a)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AssignedAt.After(out[j].AssignedAt) })
	items, total := paginate(out, f.Page)
	return items, total, nil
}

// ListProcessed implements lifecycle.Reader.
func (s *MemStore) ListProcessed(_ context.Context, tenantID uuid.UUID, f model.ProcessedFilter) ([]model.ProcessedRecord, int, error) {
	s.mu.Lock()
	var out []model.ProcessedRecord
	for _, p := range s.processed {
		if p.TenantID != tenantID || p.DeletedAt != nil {
			continue
		}
		if f.Outcome != nil && p.Outcome != *f.Outcome {
			continue
		}
		if f.CourierID != "" && (p.CourierID == nil || *p.CourierID != f.CourierID) {
			continue
		}
		if f.FinalizedBy != "" && p.FinalizedBy != f.FinalizedBy {
			continue
		}
		out = append(out, p)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].FinalizedAt.After(out[j].FinalizedAt) })
	items, total := paginate(out, f.Page)
	return items, total, nil
}

// ListEvents implements lifecycle.Reader, in append order.
func (s *MemStore) ListEvents(_ context.Context, tenantID uuid.UUID, f model.EventFilter) ([]model.ActivityEvent, int, error) {
	s.mu.Lock()
	var processedID *uuid.UUID
	if f.RequestID != nil {
		for id, p := range s.processed {
			if p.RequestID == *f.RequestID {
				pid := id
				processedID = &pid
			}
		}
	}
	var out []model.ActivityEvent
	for _, e := range s.events {
		if e.TenantID != tenantID {
			continue
		}
		if f.RequestID != nil && !e.BelongsTo(*f.RequestID, processedID) {
			continue
		}
		if f.ActorID != "" && e.ActorID != f.ActorID {
			continue
		}
		if f.Action != nil && e.Action != *f.Action {
			continue
		}
		out = append(out, e)
	}
	s.mu.Unlock()
	items, total := paginate(out, f.Page)
	return items, total, nil
}

func paginate[T any](items []T, p model.Page) ([]T, int) {
	p = p.Clamp()
	total := len(items)
	if p.Offset >= total {
		return nil, total
	}
	end := p.Offset + p.Limit
	if end > total {
		end = total
	}
	return items[p.Offset:end], total
}

// memTx is one transaction's private view. The *Base maps record the
// version each written entity had when the transaction first wrote it.
type memTx struct {
	requests    map[uuid.UUID]model.Request
	assignments map[uuid.UUID]model.Assignment
	processed   map[uuid.UUID]model.ProcessedRecord
	events      []model.ActivityEvent
	pending     []model.ActivityEvent

	reqBase  map[uuid.UUID]int
	asgBase  map[uuid.UUID]int
	procBase map[uuid.UUID]int
}

func (t *memTx) InsertRequest(_ context.Context, r *model.Request) error {
	if _, ok := t.requests[r.ID]; ok {
		return fmt.Errorf("%w: request %s already exists", model.ErrConflict, r.ID)
	}
	if r.Version == 0 {
		r.Version = 1
	}
	t.requests[r.ID] = *r
	t.reqBase[r.ID] = 0
	return nil
}

func (t *memTx) GetRequest(_ context.Context, tenantID, id uuid.UUID) (model.Request, error) {
	r, ok := t.requests[id]
	if !ok || r.TenantID != tenantID {
		return model.Request{}, fmt.Errorf("%w: request %s", model.ErrNotFound, id)
	}
	return r, nil
}

func (t *memTx) UpdateRequest(_ context.Context, r *model.Request) error {
	cur, ok := t.requests[r.ID]
	if !ok || cur.TenantID != r.TenantID {
		return fmt.Errorf("%w: request %s", model.ErrNotFound, r.ID)
	}
	if cur.Version != r.Version {
		return fmt.Errorf("%w: request %s version %d", model.ErrConflict, r.ID, r.Version)
	}
	if _, seen := t.reqBase[r.ID]; !seen {
		t.reqBase[r.ID] = cur.Version
	}
	r.Version++
	t.requests[r.ID] = *r
	return nil
}

func (t *memTx) InsertAssignment(_ context.Context, a *model.Assignment) error {
	if _, ok := t.assignments[a.ID]; ok {
		return fmt.Errorf("%w: assignment %s already exists", model.ErrConflict, a.ID)
	}
	if a.Status.Active() {
		if _, err := t.ActiveAssignment(context.Background(), a.TenantID, a.RequestID); err == nil {
			return fmt.Errorf("%w: request %s already has an active assignment", model.ErrConflict, a.RequestID)
		}
	}
	if a.Version == 0 {
		a.Version = 1
	}
	t.assignments[a.ID] = *a
	t.asgBase[a.ID] = 0
	return nil
}

func (t *memTx) GetAssignment(_ context.Context, tenantID, id uuid.UUID) (model.Assignment, error) {
	a, ok := t.assignments[id]
	if !ok || a.TenantID != tenantID {
		return model.Assignment{}, fmt.Errorf("%w: assignment %s", model.ErrNotFound, id)
	}
	return a, nil
}

func (t *memTx) ActiveAssignment(_ context.Context, tenantID, requestID uuid.UUID) (model.Assignment, error) {
	for _, a := range t.assignments {
		if a.TenantID == tenantID && a.RequestID == requestID && a.Status.Active() {
			return a, nil
		}
	}
	return model.Assignment{}, fmt.Errorf("%w: no active assignment for request %s", model.ErrNotFound, requestID)
}

func (t *memTx) LatestAssignment(_ context.Context, tenantID, requestID uuid.UUID) (model.Assignment, error) {
	var (
		latest model.Assignment
		found  bool
	)
	for _, a := range t.assignments {
		if a.TenantID != tenantID || a.RequestID != requestID {
			continue
		}
		if a.Status == model.AssignmentReplaced || a.Status == model.AssignmentCancelled {
			continue
		}
		if !found || a.AssignedAt.After(latest.AssignedAt) {
			latest, found = a, true
		}
	}
	if !found {
		return model.Assignment{}, fmt.Errorf("%w: no assignment for request %s", model.ErrNotFound, requestID)
	}
	return latest, nil
}

func (t *memTx) UpdateAssignment(_ context.Context, a *model.Assignment) error {
	cur, ok := t.assignments[a.ID]
	if !ok || cur.TenantID != a.TenantID {
		return fmt.Errorf("%w: assignment %s", model.ErrNotFound, a.ID)
	}
	if cur.Version != a.Version {
		return fmt.Errorf("%w: assignment %s version %d", model.ErrConflict, a.ID, a.Version)
	}
	if _, seen := t.asgBase[a.ID]; !seen {
		t.asgBase[a.ID] = cur.Version
	}
	a.Version++
	t.assignments[a.ID] = *a
	return nil
}

func (t *memTx) InsertProcessed(_ context.Context, p *model.ProcessedRecord) error {
	if _, ok := t.processed[p.ID]; ok {
		return fmt.Errorf("%w: processed record %s already exists", model.ErrConflict, p.ID)
	}
	if _, err := t.ProcessedByRequest(context.Background(), p.TenantID, p.RequestID); err == nil {
		return fmt.Errorf("%w: request %s is already processed", model.ErrConflict, p.RequestID)
	}
	if p.Version == 0 {
		p.Version = 1
	}
	t.processed[p.ID] = *p
	t.procBase[p.ID] = 0
	return nil
}

func (t *memTx) GetProcessed(_ context.Context, tenantID, id uuid.UUID) (model.ProcessedRecord, error) {
	p, ok := t.processed[id]
	if !ok || p.TenantID != tenantID {
		return model.ProcessedRecord{}, fmt.Errorf("%w: processed record %s", model.ErrNotFound, id)
	}
	return p, nil
}

func (t *memTx) ProcessedByRequest(_ context.Context, tenantID, requestID uuid.UUID) (model.ProcessedRecord, error) {
	for _, p := range t.processed {
		if p.TenantID == tenantID && p.RequestID == requestID {
			return p, nil
		}
	}
	return model.ProcessedRecord{}, fmt.Errorf("%w: no processed record for request %s", model.ErrNotFound, requestID)
}

func (t *memTx) UpdateProcessed(_ context.Context, p *model.ProcessedRecord) error {
	cur, ok := t.processed[p.ID]
	if !ok || cur.TenantID != p.TenantID {
		return fmt.Errorf("%w: processed record %s", model.ErrNotFound, p.ID)
	}
	if cur.Version != p.Version {
		return fmt.Errorf("%w: processed record %s version %d", model.ErrConflict, p.ID, p.Version)
	}
	if _, seen := t.procBase[p.ID]; !seen {
		t.procBase[p.ID] = cur.Version
	}
	p.Version++
	t.processed[p.ID] = *p
	return nil
}

func (t *memTx) AppendEvent(_ context.Context, e *model.ActivityEvent) error {
	t.pending = append(t.pending, *e)
	return nil
}

func (t *memTx) RequestEvents(_ context.Context, tenantID, requestID uuid.UUID) ([]model.ActivityEvent, error) {
	var processedID *uuid.UUID
	if p, err := t.ProcessedByRequest(context.Background(), tenantID, requestID); err == nil {
		processedID = &p.ID
	}
	var out []model.ActivityEvent
	for _, e := range append(append([]model.ActivityEvent(nil), t.events...), t.pending...) {
		if e.TenantID == tenantID && e.BelongsTo(requestID, processedID) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out, nil
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func hasKey[K comparable, V any](m map[K]V, k K) bool {
	_, ok := m[k]
	return ok
}
