package livestore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *RedisStore {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	store, err := NewRedisStore(RedisConfig{URL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNewRedisStore_FailsOnUnparseableURL(t *testing.T) {
	_, err := NewRedisStore(RedisConfig{URL: "://not-a-url"})
	assert.Error(t, err)
}

func TestNewRedisStore_FailsWhenUnreachable(t *testing.T) {
	_, err := NewRedisStore(RedisConfig{URL: "redis://127.0.0.1:1"})
	assert.Error(t, err)
}

func TestGetSetDelete_StringValues(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, ok, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Set(ctx, "k1", "v1"))
	val, ok, err := store.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v1", val)

	require.NoError(t, store.Delete(ctx, "k1"))
	_, ok, err = store.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExpire_SetsTTL(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "k1", "v1"))
	require.NoError(t, store.Expire(ctx, "k1", 50*time.Millisecond))

	assert.Eventually(t, func() bool {
		_, ok, err := store.Get(ctx, "k1")
		return err == nil && !ok
	}, time.Second, 10*time.Millisecond)
}

func TestHashFieldOperations(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.HSet(ctx, "h1", map[string]string{"a": "1", "b": "2"}))

	val, ok, err := store.HGet(ctx, "h1", "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1", val)

	all, err := store.HGetAll(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, all)

	require.NoError(t, store.HDel(ctx, "h1", "a"))
	_, ok, err = store.HGet(ctx, "h1", "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHIncrBy_IncrementsAtomicallyFromMissingField(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	val, err := store.HIncrBy(ctx, "h2", "error_count", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), val)

	val, err = store.HIncrBy(ctx, "h2", "error_count", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), val)

	field, ok, err := store.HGet(ctx, "h2", "error_count")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2", field)
}

func TestSortedSetOperations(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.ZAdd(ctx, "z1", "member-a", 1))
	require.NoError(t, store.ZAdd(ctx, "z1", "member-b", 2))

	score, ok, err := store.ZScore(ctx, "z1", "member-a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, float64(1), score)

	members, err := store.ZRangeByScore(ctx, "z1", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"member-a", "member-b"}, members)

	require.NoError(t, store.ZRem(ctx, "z1", "member-a"))
	members, err = store.ZRangeByScore(ctx, "z1", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"member-b"}, members)
}

func TestSetOperations(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SAdd(ctx, "s1", "a", "b"))
	members, err := store.SMembers(ctx, "s1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, members)

	require.NoError(t, store.SRem(ctx, "s1", "a"))
	members, err = store.SMembers(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, members)
}

func TestPublishSubscribe_DeliversPayload(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	msgs, unsubscribe, err := store.Subscribe(ctx, "chan-1")
	require.NoError(t, err)
	defer unsubscribe()

	assert.Eventually(t, func() bool {
		return store.Publish(ctx, "chan-1", []byte("hello")) == nil
	}, time.Second, 10*time.Millisecond)

	select {
	case msg := <-msgs:
		assert.Equal(t, "hello", string(msg))
	case <-time.After(time.Second):
		t.Fatal("expected published message")
	}
}

func TestPipeline_CommitsBatchedOperationsAtomically(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	pipe := store.Pipeline()
	pipe.Set("pk1", "v1")
	pipe.HSet("ph1", map[string]string{"a": "1"})
	pipe.ZAdd("pz1", "m1", 1)
	pipe.SAdd("ps1", "x")
	require.NoError(t, pipe.Exec(ctx))

	val, ok, err := store.Get(ctx, "pk1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v1", val)

	hval, ok, err := store.HGet(ctx, "ph1", "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1", hval)

	members, err := store.ZRangeByScore(ctx, "pz1", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, members)

	smembers, err := store.SMembers(ctx, "ps1")
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, smembers)
}
