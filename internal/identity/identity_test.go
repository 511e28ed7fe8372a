package identity

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDirectory(t *testing.T) {
	d, err := ParseDirectory(" mgr-1 = Mina ; courier-1=Kenji;; ")
	require.NoError(t, err)
	assert.Equal(t, 2, d.Len())

	name, err := d.DisplayName(context.Background(), uuid.New(), "mgr-1")
	require.NoError(t, err)
	assert.Equal(t, "Mina", name)

	_, err = d.DisplayName(context.Background(), uuid.New(), "nobody")
	assert.ErrorIs(t, err, ErrUnknown)

	_, err = ParseDirectory("mgr-1")
	assert.Error(t, err)
	_, err = ParseDirectory("=Nameless")
	assert.Error(t, err)
}

type countingResolver struct {
	calls atomic.Int32
	gate  chan struct{}
	err   error
}

func (r *countingResolver) DisplayName(context.Context, uuid.UUID, string) (string, error) {
	r.calls.Add(1)
	if r.gate != nil {
		<-r.gate
	}
	if r.err != nil {
		return "", r.err
	}
	return "Kenji", nil
}

func TestCacheHitsWithinTTL(t *testing.T) {
	up := &countingResolver{}
	c := NewCache(up, time.Minute)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	tenant := uuid.New()

	for i := 0; i < 3; i++ {
		name, err := c.DisplayName(context.Background(), tenant, "courier-1")
		require.NoError(t, err)
		assert.Equal(t, "Kenji", name)
	}
	assert.Equal(t, int32(1), up.calls.Load())

	now = now.Add(2 * time.Minute)
	_, err := c.DisplayName(context.Background(), tenant, "courier-1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), up.calls.Load())

	// Different tenant, different entry.
	_, err = c.DisplayName(context.Background(), uuid.New(), "courier-1")
	require.NoError(t, err)
	assert.Equal(t, int32(3), up.calls.Load())
}

func TestCacheCollapsesConcurrentLookups(t *testing.T) {
	up := &countingResolver{gate: make(chan struct{})}
	c := NewCache(up, time.Minute)
	tenant := uuid.New()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.DisplayName(context.Background(), tenant, "courier-1")
		}()
	}
	// Let the goroutines pile up on the in-flight call.
	time.Sleep(50 * time.Millisecond)
	close(up.gate)
	wg.Wait()

	assert.Equal(t, int32(1), up.calls.Load())
}

// ctxResolver fails the way a network lookup does when its context ends.
type ctxResolver struct {
	once    sync.Once
	entered chan struct{}
	gate    chan struct{}
}

func (r *ctxResolver) DisplayName(ctx context.Context, _ uuid.UUID, _ string) (string, error) {
	r.once.Do(func() { close(r.entered) })
	<-r.gate
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "Kenji", nil
}

func TestCacheSharedLookupSurvivesCallerCancel(t *testing.T) {
	up := &ctxResolver{entered: make(chan struct{}), gate: make(chan struct{})}
	c := NewCache(up, time.Minute)
	tenant := uuid.New()

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.DisplayName(first, tenant, "courier-1")
		firstErr <- err
	}()
	<-up.entered

	type result struct {
		name string
		err  error
	}
	waiter := make(chan result, 1)
	go func() {
		name, err := c.DisplayName(context.Background(), tenant, "courier-1")
		waiter <- result{name, err}
	}()
	// Let the waiter join the in-flight call.
	time.Sleep(50 * time.Millisecond)
	cancel()
	close(up.gate)

	got := <-waiter
	require.NoError(t, got.err)
	assert.Equal(t, "Kenji", got.name)
	assert.NoError(t, <-firstErr)

	// The answer was cached for later callers too.
	name, err := c.DisplayName(context.Background(), tenant, "courier-1")
	require.NoError(t, err)
	assert.Equal(t, "Kenji", name)
}

func TestCacheDoesNotKeepTransientErrors(t *testing.T) {
	up := &countingResolver{err: errors.New("directory timeout")}
	c := NewCache(up, time.Minute)
	tenant := uuid.New()

	_, err := c.DisplayName(context.Background(), tenant, "courier-1")
	require.Error(t, err)
	_, err = c.DisplayName(context.Background(), tenant, "courier-1")
	require.Error(t, err)
	assert.Equal(t, int32(2), up.calls.Load())

	up.err = ErrUnknown
	_, _ = c.DisplayName(context.Background(), tenant, "courier-1")
	_, err = c.DisplayName(context.Background(), tenant, "courier-1")
	assert.ErrorIs(t, err, ErrUnknown)
	assert.Equal(t, int32(3), up.calls.Load())
}

func TestCachePurge(t *testing.T) {
	c := NewCache(&countingResolver{}, time.Second)
	now := time.Now()
	c.now = func() time.Time { return now }
	_, _ = c.DisplayName(context.Background(), uuid.New(), "a")
	now = now.Add(time.Hour)
	c.Purge()
	assert.Empty(t, c.entries)
}
