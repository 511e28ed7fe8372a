// Package notify is the change notifier. After a lifecycle transition commits,
// the engine hands each Change to a Notifier, which fans it out to every
// configured Feed. Delivery is best-effort and at-most-once: a feed failure is
// logged and counted, never returned, because the store is authoritative.
//
// Feeds publish. Sources consume: the SSE broker reads from a Source and
// forwards each change only to subscribers of the change's tenant.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/hakobi/internal/model"
	"github.com/ashita-ai/hakobi/internal/telemetry"
)

// Feed is one broadcast transport for changes.
type Feed interface {
	Name() string
	Publish(ctx context.Context, c model.Change) error
}

// Source yields changes published by some Feed, possibly from another process.
type Source interface {
	// Next blocks until a change arrives or ctx is done.
	Next(ctx context.Context) (model.Change, error)
}

// DefaultPublishTimeout bounds each feed publish.
const DefaultPublishTimeout = 2 * time.Second

// Notifier fans changes out to feeds. It implements lifecycle.Publisher.
type Notifier struct {
	feeds   []Feed
	timeout time.Duration
	logger  *slog.Logger

	published metric.Int64Counter
	failed    metric.Int64Counter
}

// New creates a Notifier. A zero timeout uses DefaultPublishTimeout.
func New(logger *slog.Logger, timeout time.Duration, feeds ...Feed) *Notifier {
	if timeout <= 0 {
		timeout = DefaultPublishTimeout
	}
	meter := telemetry.Meter("hakobi/notify")
	published, _ := meter.Int64Counter("hakobi.notify.published",
		metric.WithDescription("Changes delivered to a feed"),
	)
	failed, _ := meter.Int64Counter("hakobi.notify.failed",
		metric.WithDescription("Changes a feed failed to deliver"),
	)
	return &Notifier{
		feeds:     feeds,
		timeout:   timeout,
		logger:    logger,
		published: published,
		failed:    failed,
	}
}

// Feeds returns the names of the configured feeds.
func (n *Notifier) Feeds() []string {
	names := make([]string, len(n.feeds))
	for i, f := range n.feeds {
		names[i] = f.Name()
	}
	return names
}

// Publish delivers c to every feed. The caller's cancellation does not abort
// delivery of a change that has already committed.
func (n *Notifier) Publish(ctx context.Context, c model.Change) {
	base := context.WithoutCancel(ctx)
	for _, f := range n.feeds {
		fctx, cancel := context.WithTimeout(base, n.timeout)
		err := f.Publish(fctx, c)
		cancel()

		attrs := metric.WithAttributes(attribute.String("feed", f.Name()))
		if err != nil {
			n.failed.Add(base, 1, attrs)
			n.logger.Warn("notify: publish failed",
				"feed", f.Name(),
				"tenant_id", c.TenantID,
				"entity_type", c.EntityType,
				"entity_id", c.EntityID,
				"error", err,
			)
			continue
		}
		n.published.Add(base, 1, attrs)
	}
}

func encode(c model.Change) ([]byte, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("notify: encode change: %w", err)
	}
	return b, nil
}

func decode(b []byte) (model.Change, error) {
	var c model.Change
	if err := json.Unmarshal(b, &c); err != nil {
		return model.Change{}, fmt.Errorf("notify: decode change: %w", err)
	}
	return c, nil
}
