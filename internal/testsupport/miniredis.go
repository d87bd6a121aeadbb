package testsupport

import (
	"testing"

	"github.com/alicebob/miniredis/v2"

	"devicefleet/internal/livestore"
)

// NewMiniredisLiveStore starts an in-process miniredis server and wraps
// it in livestore.NewRedisStore, giving package tests a real LiveStore
// without a reachable external Redis. The server and its connection
// pool are closed automatically at test cleanup.
func NewMiniredisLiveStore(t *testing.T) livestore.LiveStore {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	store, err := livestore.NewRedisStore(livestore.RedisConfig{URL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatalf("connect live store to miniredis: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}
