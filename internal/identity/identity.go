// Package identity resolves opaque actor ids to display names. The lifecycle
// engine never authenticates anyone; it records ids and asks a Resolver for
// names only when rendering timelines.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// ErrUnknown is returned when an actor has no known display name.
var ErrUnknown = errors.New("identity: unknown actor")

// Resolver turns an actor id into a display name.
type Resolver interface {
	DisplayName(ctx context.Context, tenantID uuid.UUID, actorID string) (string, error)
}

// Directory is a static, tenant-agnostic name table.
type Directory struct {
	names map[string]string
}

// ParseDirectory reads "actor=Display Name;actor2=Other" pairs. Blank
// entries are skipped.
func ParseDirectory(raw string) (*Directory, error) {
	d := &Directory{names: make(map[string]string)}
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, name, ok := strings.Cut(entry, "=")
		id, name = strings.TrimSpace(id), strings.TrimSpace(name)
		if !ok || id == "" || name == "" {
			return nil, fmt.Errorf("identity: malformed directory entry %q", entry)
		}
		d.names[id] = name
	}
	return d, nil
}

// Len returns the number of known actors.
func (d *Directory) Len() int { return len(d.names) }

func (d *Directory) DisplayName(_ context.Context, _ uuid.UUID, actorID string) (string, error) {
	if name, ok := d.names[actorID]; ok {
		return name, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknown, actorID)
}

type cacheEntry struct {
	name    string
	err     error
	expires time.Time
}

// Cache memoizes a Resolver for ttl, including negative results. Concurrent
// lookups for the same actor share one upstream call.
type Cache struct {
	next Resolver
	ttl  time.Duration
	now  func() time.Time

	group singleflight.Group

	mu      sync.Mutex
	entries map[string]cacheEntry
}

// NewCache wraps next with a TTL cache.
func NewCache(next Resolver, ttl time.Duration) *Cache {
	return &Cache{
		next:    next,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

func (c *Cache) DisplayName(ctx context.Context, tenantID uuid.UUID, actorID string) (string, error) {
	key := tenantID.String() + "/" + actorID

	c.mu.Lock()
	e, ok := c.entries[key]
	c.mu.Unlock()
	if ok && c.now().Before(e.expires) {
		return e.name, e.err
	}

	// The lookup is shared with other waiters, so one caller's cancellation
	// must not fail it for the rest.
	shared := context.WithoutCancel(ctx)
	v, err, _ := c.group.Do(key, func() (any, error) {
		name, err := c.next.DisplayName(shared, tenantID, actorID)
		// Only a definitive answer is cached; transport failures are retried.
		if err == nil || errors.Is(err, ErrUnknown) {
			c.mu.Lock()
			c.entries[key] = cacheEntry{name: name, err: err, expires: c.now().Add(c.ttl)}
			c.mu.Unlock()
		}
		return name, err
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Purge drops expired entries.
func (c *Cache) Purge() {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
		}
	}
}
