package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_CheckAndSet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)

	created, err := s.CheckAndSet(ctx, "k1", []byte("v1"), 0)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.CheckAndSet(ctx, "k1", []byte("v2"), 0)
	require.NoError(t, err)
	assert.False(t, created)

	v, ok, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v1", string(v))
}

func TestMemoryStore_CheckAndSetAfterExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)
	base := time.Now()
	s.now = func() time.Time { return base }

	created, err := s.CheckAndSet(ctx, "k1", []byte("v1"), 10*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, created)

	s.now = func() time.Time { return base.Add(20 * time.Millisecond) }
	created, err = s.CheckAndSet(ctx, "k1", []byte("v2"), 0)
	require.NoError(t, err)
	assert.True(t, created, "expired entry must be evicted and retried")
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)
	base := time.Now()
	s.now = func() time.Time { return base }

	require.NoError(t, s.Set(ctx, "k1", []byte("v1"), 10*time.Millisecond))

	s.now = func() time.Time { return base.Add(5 * time.Millisecond) }
	_, ok, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)

	s.now = func() time.Time { return base.Add(20 * time.Millisecond) }
	_, ok, err = s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_Increment(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)

	v, err := s.Increment(ctx, "c1", 3, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	v, err = s.Increment(ctx, "c1", -1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
}

func TestMemoryStore_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)

	ok, conflict, err := s.CompareAndSwap(ctx, "k1", 0, []byte("v1"), 0)
	require.NoError(t, err)
	require.Nil(t, conflict)
	assert.True(t, ok)

	ok, conflict, err = s.CompareAndSwap(ctx, "k1", 1, []byte("v2"), 0)
	require.NoError(t, err)
	require.Nil(t, conflict)
	assert.True(t, ok)

	ok, conflict, err = s.CompareAndSwap(ctx, "k1", 1, []byte("v3"), 0)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NotNil(t, conflict)
	assert.Equal(t, uint64(2), conflict.CurrentVersion)
	assert.Equal(t, "v2", string(conflict.CurrentValue))
}

func TestMemoryStore_ScanKeys(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)

	require.NoError(t, s.Set(ctx, CanonicalKey("ns", "t1", KindDedup, "a"), []byte("1"), 0))
	require.NoError(t, s.Set(ctx, CanonicalKey("ns", "t1", KindDedup, "b"), []byte("1"), 0))
	require.NoError(t, s.Set(ctx, CanonicalKey("ns", "t2", KindDedup, "c"), []byte("1"), 0))

	kvs, err := s.ScanKeys(ctx, "ns", "t1", KindDedup, "")
	require.NoError(t, err)
	assert.Len(t, kvs, 2)
}

func TestMemoryStore_ExpiredInvisibleToScanAndDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)
	base := time.Now()
	s.now = func() time.Time { return base }

	key := CanonicalKey("ns", "t1", KindDedup, "a")
	require.NoError(t, s.Set(ctx, key, []byte("1"), 5*time.Millisecond))

	s.now = func() time.Time { return base.Add(20 * time.Millisecond) }

	_, ok, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	kvs, err := s.ScanKeys(ctx, "ns", "t1", KindDedup, "")
	require.NoError(t, err)
	assert.Len(t, kvs, 0)

	existed, err := s.Delete(ctx, key)
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestMemoryStore_TimeoutIndex(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0)

	require.NoError(t, s.IndexTimeout(ctx, "evt:1", 1000))
	require.NoError(t, s.IndexTimeout(ctx, "evt:2", 2000))
	require.NoError(t, s.IndexTimeout(ctx, "evt:3", 3000))

	expired, err := s.GetExpiredTimeouts(ctx, 2000)
	require.NoError(t, err)
	assert.Equal(t, []string{"evt:1", "evt:2"}, expired)

	require.NoError(t, s.RemoveTimeoutIndex(ctx, "evt:1"))
	expired, err = s.GetExpiredTimeouts(ctx, 2000)
	require.NoError(t, err)
	assert.Equal(t, []string{"evt:2"}, expired)
}

func TestCanonicalKeyRoundTrip(t *testing.T) {
	key := CanonicalKey("acme", "tenant-1", KindChainState, "chain-abc:def")
	ns, tenant, kind, id, ok := SplitCanonicalKey(key)
	require.True(t, ok)
	assert.Equal(t, "acme", ns)
	assert.Equal(t, "tenant-1", tenant)
	assert.Equal(t, KindChainState, kind)
	assert.Equal(t, "chain-abc:def", id)
}
