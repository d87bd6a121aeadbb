// Package livestore implements the LiveStore adapter: key/value, hash,
// sorted-set, set, and pub/sub primitives over Redis-like semantics
// (SPEC_FULL.md §4.1). Write methods other than HIncrBy are idempotent
// given identical arguments; HIncrBy adds its delta on every call.
// Subscribe is best-effort: the Redis implementation buffers up to 64
// messages per subscription, drops a message that arrives while that
// buffer is full, and does not redeliver.
package livestore

import (
	"context"
	"time"
)

// Namespaced key helpers, matching SPEC_FULL.md §6's live-store key
// layout exactly.
const (
	HeartbeatKey     = "live:heartbeat"
	ChannelState     = "channel:state"
	ChannelMetrics   = "channel:metrics"
	ChannelAlerts    = "channel:alerts"
	ExecutionTTL     = 30 * time.Minute
)

// NodeKey returns the hash key for a node's live state.
func NodeKey(id string) string { return "live:node:" + id }

// NodeDevicesKey returns the set key for a node's connected devices.
func NodeDevicesKey(id string) string { return "live:node:" + id + ":devices" }

// DeviceKey returns the hash key for a device's live state.
func DeviceKey(id string) string { return "live:device:" + id }

// ExecutionKey returns the hash key for an execution's live state.
func ExecutionKey(id string) string { return "live:execution:" + id }

// PipelineOp is one operation queued into a Pipeline.
type PipelineOp struct {
	Kind   string // "set", "hset", "zadd", "sadd", "expire", "publish"
	Key    string
	Fields map[string]string
	Member string
	Score  float64
	Value  string
	TTL    time.Duration
}

// Pipeline batches operations for a single atomic commit.
type Pipeline interface {
	Set(key, value string)
	HSet(key string, fields map[string]string)
	ZAdd(key, member string, score float64)
	SAdd(key string, members ...string)
	Expire(key string, ttl time.Duration)
	Publish(channel string, payload []byte)
	Exec(ctx context.Context) error
}

// LiveStore is the capability set spec.md §4.1 requires: get/set/delete
// string values; hash field get/set/getAll; sorted-set add/range/
// remove; set add/members/remove; publish/subscribe; pipelined commit.
type LiveStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error

	HGet(ctx context.Context, key, field string) (string, bool, error)
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)

	ZAdd(ctx context.Context, key, member string, score float64) error
	ZScore(ctx context.Context, key, member string) (float64, bool, error)
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)
	ZRem(ctx context.Context, key string, members ...string) error

	SAdd(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SRem(ctx context.Context, key string, members ...string) error

	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (msgs <-chan []byte, unsubscribe func(), err error)

	Pipeline() Pipeline

	Close() error
}
