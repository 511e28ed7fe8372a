package notify

import (
	"context"
	"sync/atomic"

	"github.com/ashita-ai/hakobi/internal/model"
)

// Local is an in-process feed and source. It serves single-replica
// deployments with no LISTEN/NOTIFY connection, and tests.
type Local struct {
	ch      chan model.Change
	dropped atomic.Int64
}

// NewLocal creates a Local with the given buffer size.
func NewLocal(buffer int) *Local {
	if buffer <= 0 {
		buffer = 256
	}
	return &Local{ch: make(chan model.Change, buffer)}
}

func (l *Local) Name() string { return "local" }

// Publish enqueues c. When the buffer is full the change is dropped.
func (l *Local) Publish(_ context.Context, c model.Change) error {
	select {
	case l.ch <- c:
	default:
		l.dropped.Add(1)
	}
	return nil
}

// Next returns the next queued change.
func (l *Local) Next(ctx context.Context) (model.Change, error) {
	select {
	case c := <-l.ch:
		return c, nil
	case <-ctx.Done():
		return model.Change{}, ctx.Err()
	}
}

// Dropped returns how many changes were discarded on a full buffer.
func (l *Local) Dropped() int64 {
	return l.dropped.Load()
}
