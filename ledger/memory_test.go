package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreHashOps(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.HSet(ctx, "k1", "f1", "v1"))
	require.NoError(t, store.HSet(ctx, "k1", "f2", "v2"))

	val, ok, err := store.HGet(ctx, "k1", "f1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v1", val)

	_, ok, err = store.HGet(ctx, "k1", "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	all, err := store.HGetAll(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"f1": "v1", "f2": "v2"}, all)

	require.NoError(t, store.Del(ctx, "k1"))
	_, ok, err = store.HGet(ctx, "k1", "f1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStoreKeysPattern(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.HSet(ctx, "txn:log:a", "entry", "{}"))
	require.NoError(t, store.HSet(ctx, "txn:log:b", "entry", "{}"))
	require.NoError(t, store.HSet(ctx, "txn:recovery:c", "action", "{}"))

	keys, err := store.Keys(ctx, "txn:log:*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"txn:log:a", "txn:log:b"}, keys)

	keys, err = store.Keys(ctx, "txn:*")
	require.NoError(t, err)
	assert.Len(t, keys, 3)

	keys, err = store.Keys(ctx, "nothing:*")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.HSet(ctx, "ephemeral", "f", "v"))
	require.NoError(t, store.Expire(ctx, "ephemeral", 10*time.Millisecond))

	_, ok, err := store.HGet(ctx, "ephemeral", "f")
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)

	_, ok, err = store.HGet(ctx, "ephemeral", "f")
	require.NoError(t, err)
	assert.False(t, ok)

	keys, err := store.Keys(ctx, "*")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestMemoryStoreWriteResetsNothing(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	// Expiring a missing key is a no-op, not an error.
	require.NoError(t, store.Expire(ctx, "ghost", time.Minute))
	_, ok, err := store.HGet(ctx, "ghost", "f")
	require.NoError(t, err)
	assert.False(t, ok)
}
