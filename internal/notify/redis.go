package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/ashita-ai/hakobi/internal/model"
)

// DefaultRedisPrefix is the channel prefix for Redis pub/sub changes.
const DefaultRedisPrefix = "hakobi:changes"

// RedisFeed publishes each change on a per-tenant Redis channel,
// <prefix>:<tenant_id>, so external observers can subscribe to one tenant.
type RedisFeed struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisFeed creates a RedisFeed. An empty prefix uses DefaultRedisPrefix.
func NewRedisFeed(client redis.UniversalClient, prefix string) *RedisFeed {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisFeed{client: client, prefix: prefix}
}

func (f *RedisFeed) Name() string { return "redis" }

func (f *RedisFeed) Publish(ctx context.Context, c model.Change) error {
	payload, err := encode(c)
	if err != nil {
		return err
	}
	if err := f.client.Publish(ctx, TenantChannel(f.prefix, c.TenantID.String()), payload).Err(); err != nil {
		return fmt.Errorf("notify: redis publish: %w", err)
	}
	return nil
}

// TenantChannel returns the Redis channel carrying one tenant's changes.
func TenantChannel(prefix, tenantID string) string {
	return strings.TrimSuffix(prefix, ":") + ":" + tenantID
}

// RedisSource pattern-subscribes to every tenant channel under a prefix.
type RedisSource struct {
	ps *redis.PubSub
}

// NewRedisSource subscribes to <prefix>:*. Close releases the subscription.
func NewRedisSource(ctx context.Context, client redis.UniversalClient, prefix string) (*RedisSource, error) {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	ps := client.PSubscribe(ctx, TenantChannel(prefix, "*"))
	// Receive the subscription confirmation so failures surface here.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("notify: redis subscribe: %w", err)
	}
	return &RedisSource{ps: ps}, nil
}

func (s *RedisSource) Next(ctx context.Context) (model.Change, error) {
	msg, err := s.ps.ReceiveMessage(ctx)
	if err != nil {
		return model.Change{}, fmt.Errorf("notify: redis receive: %w", err)
	}
	return decode([]byte(msg.Payload))
}

func (s *RedisSource) Close() error {
	return s.ps.Close()
}
