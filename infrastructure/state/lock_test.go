package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLock_AcquireReleaseRoundTrip(t *testing.T) {
	ctx := context.Background()
	l := NewLock(NewMemoryStore(0))

	g, err := l.Acquire(ctx, "dispatch:ns:t1:act-1", 30*time.Second, time.Second)
	require.NoError(t, err)

	g2, err := l.Acquire(ctx, "dispatch:ns:t1:act-2", 30*time.Second, time.Second)
	require.NoError(t, err)

	require.NoError(t, g.Release(ctx))
	require.NoError(t, g2.Release(ctx))
}

func TestLock_MutualExclusion(t *testing.T) {
	ctx := context.Background()
	l := NewLock(NewMemoryStore(0))
	l.sleep = func(time.Duration) {} // don't actually sleep in tests

	g, err := l.Acquire(ctx, "same-name", 30*time.Second, 10*time.Millisecond)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "same-name", 30*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrLockFailed)

	require.NoError(t, g.Release(ctx))

	g2, err := l.Acquire(ctx, "same-name", 30*time.Second, 10*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, g2.Release(ctx))
}

func TestLock_ReleaseDoesNotStealReacquiredLock(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(0)
	l := NewLock(store)
	base := time.Now()
	store.now = func() time.Time { return base }
	l.now = func() time.Time { return base }

	g, err := l.Acquire(ctx, "ttl-lock", 5*time.Millisecond, time.Second)
	require.NoError(t, err)

	// Simulate TTL expiry and another holder taking over.
	store.now = func() time.Time { return base.Add(10 * time.Millisecond) }
	g2, err := l.Acquire(ctx, "ttl-lock", 30*time.Second, time.Second)
	require.NoError(t, err)

	// The original guard's release must not remove g2's lock.
	require.NoError(t, g.Release(ctx))

	v, ok, err := store.Get(ctx, g2.key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, g2.token, string(v))
}
