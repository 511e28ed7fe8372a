package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/hakobi/internal/model"
	"github.com/ashita-ai/hakobi/internal/notify"
)

const (
	subscriberBuffer = 64
	sourceRetryDelay = time.Second
)

// Broker fans changes from a notify.Source out to SSE subscribers. A
// subscriber only ever receives changes for its own tenant.
type Broker struct {
	source notify.Source
	logger *slog.Logger

	running atomic.Bool

	mu          sync.RWMutex
	subscribers map[chan []byte]uuid.UUID
}

// NewBroker creates a Broker reading from source. Call Start to begin.
func NewBroker(source notify.Source, logger *slog.Logger) *Broker {
	return &Broker{
		source:      source,
		logger:      logger,
		subscribers: make(map[chan []byte]uuid.UUID),
	}
}

// Start pumps changes until ctx is cancelled. It blocks, so run it in a
// goroutine.
func (b *Broker) Start(ctx context.Context) {
	b.running.Store(true)
	defer b.running.Store(false)
	b.logger.Info("broker: streaming changes")

	for {
		c, err := b.source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("broker: change source error, retrying", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(sourceRetryDelay):
			}
			continue
		}
		b.broadcast(c)
	}
}

// Running reports whether Start is pumping.
func (b *Broker) Running() bool {
	return b.running.Load()
}

// Subscribe returns a channel of SSE-formatted events for tenantID. The
// caller must call Unsubscribe when done.
func (b *Broker) Subscribe(tenantID uuid.UUID) chan []byte {
	ch := make(chan []byte, subscriberBuffer)
	b.mu.Lock()
	b.subscribers[ch] = tenantID
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// broadcast delivers c to the subscribers of its tenant. A subscriber with
// a full buffer misses the event rather than stalling the others.
func (b *Broker) broadcast(c model.Change) {
	data, err := json.Marshal(c)
	if err != nil {
		b.logger.Warn("broker: encode change", "error", err)
		return
	}
	event := formatSSE(string(c.EntityType)+"."+string(c.Action), string(data))

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, tenant := range b.subscribers {
		if tenant != c.TenantID {
			continue
		}
		select {
		case ch <- event:
		default:
		}
	}
}

// formatSSE formats one Server-Sent Events message.
func formatSSE(eventType, data string) []byte {
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}
