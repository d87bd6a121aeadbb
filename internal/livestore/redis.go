package livestore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"devicefleet/internal/log"
)

// RedisStore is a LiveStore backed by Redis via go-redis/v9. Transient
// network errors are retried with a bounded backoff; go-redis's own
// connection pool handles reconnection underneath.
type RedisStore struct {
	client *redis.Client
}

// RedisConfig configures the Redis-backed LiveStore. Only URL is read;
// MaxRetries and RetryDelay are not applied, and every retried
// operation makes up to 3 attempts with a 20ms-per-attempt backoff.
type RedisConfig struct {
	URL         string
	MaxRetries  int
	RetryDelay  time.Duration
}

// NewRedisStore parses a Redis URL and opens a connection pool,
// following the ParseURL/NewClient idiom used throughout the corpus'
// Redis-backed services.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 50 * time.Millisecond
	}

	return &RedisStore{client: client}, nil
}

func (s *RedisStore) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		select {
		case <-time.After(time.Duration(attempt+1) * 20 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	log.Errorf("livestore: operation failed after retries", err)
	return err
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	return err != redis.Nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	var val string
	err := s.withRetry(ctx, func() error {
		var e error
		val, e = s.client.Get(ctx, key).Result()
		return e
	})
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	return s.withRetry(ctx, func() error {
		return s.client.Set(ctx, key, value, 0).Err()
	})
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.withRetry(ctx, func() error {
		return s.client.Del(ctx, key).Err()
	})
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.withRetry(ctx, func() error {
		return s.client.Expire(ctx, key, ttl).Err()
	})
}

func (s *RedisStore) HGet(ctx context.Context, key, field string) (string, bool, error) {
	var val string
	err := s.withRetry(ctx, func() error {
		var e error
		val, e = s.client.HGet(ctx, key, field).Result()
		return e
	})
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *RedisStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return s.withRetry(ctx, func() error {
		return s.client.HSet(ctx, key, args...).Err()
	})
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	var val map[string]string
	err := s.withRetry(ctx, func() error {
		var e error
		val, e = s.client.HGetAll(ctx, key).Result()
		return e
	})
	if err != nil {
		return nil, err
	}
	return val, nil
}

func (s *RedisStore) HDel(ctx context.Context, key string, fields ...string) error {
	return s.withRetry(ctx, func() error {
		return s.client.HDel(ctx, key, fields...).Err()
	})
}

// HIncrBy atomically adds delta to a hash field and returns its new
// value, via Redis's own server-side HINCRBY rather than a
// read-modify-write round trip, so concurrent callers never lose an
// increment.
func (s *RedisStore) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	var val int64
	err := s.withRetry(ctx, func() error {
		var e error
		val, e = s.client.HIncrBy(ctx, key, field, delta).Result()
		return e
	})
	return val, err
}

func (s *RedisStore) ZAdd(ctx context.Context, key, member string, score float64) error {
	return s.withRetry(ctx, func() error {
		return s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
	})
}

func (s *RedisStore) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	var score float64
	err := s.withRetry(ctx, func() error {
		var e error
		score, e = s.client.ZScore(ctx, key, member).Result()
		return e
	})
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return score, true, nil
}

func (s *RedisStore) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	var members []string
	err := s.withRetry(ctx, func() error {
		var e error
		members, e = s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
			Min: fmt.Sprintf("%f", min),
			Max: fmt.Sprintf("%f", max),
		}).Result()
		return e
	})
	return members, err
}

func (s *RedisStore) ZRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.withRetry(ctx, func() error {
		return s.client.ZRem(ctx, key, args...).Err()
	})
}

func (s *RedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.withRetry(ctx, func() error {
		return s.client.SAdd(ctx, key, args...).Err()
	})
}

func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	var members []string
	err := s.withRetry(ctx, func() error {
		var e error
		members, e = s.client.SMembers(ctx, key).Result()
		return e
	})
	return members, err
}

func (s *RedisStore) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.withRetry(ctx, func() error {
		return s.client.SRem(ctx, key, args...).Err()
	})
}

func (s *RedisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	return s.withRetry(ctx, func() error {
		return s.client.Publish(ctx, channel, payload).Err()
	})
}

func (s *RedisStore) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	pubsub := s.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, 64)
	redisCh := pubsub.Channel()
	go func() {
		defer close(out)
		for msg := range redisCh {
			select {
			case out <- []byte(msg.Payload):
			default:
			}
		}
	}()

	unsubscribe := func() {
		_ = pubsub.Close()
	}
	return out, unsubscribe, nil
}

func (s *RedisStore) Pipeline() Pipeline {
	return &redisPipeline{client: s.client, pipe: s.client.TxPipeline()}
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

type redisPipeline struct {
	client *redis.Client
	pipe   redis.Pipeliner
}

func (p *redisPipeline) Set(key, value string) {
	p.pipe.Set(context.Background(), key, value, 0)
}

func (p *redisPipeline) HSet(key string, fields map[string]string) {
	if len(fields) == 0 {
		return
	}
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	p.pipe.HSet(context.Background(), key, args...)
}

func (p *redisPipeline) ZAdd(key, member string, score float64) {
	p.pipe.ZAdd(context.Background(), key, redis.Z{Score: score, Member: member})
}

func (p *redisPipeline) SAdd(key string, members ...string) {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	p.pipe.SAdd(context.Background(), key, args...)
}

func (p *redisPipeline) Expire(key string, ttl time.Duration) {
	p.pipe.Expire(context.Background(), key, ttl)
}

func (p *redisPipeline) Publish(channel string, payload []byte) {
	p.pipe.Publish(context.Background(), channel, payload)
}

func (p *redisPipeline) Exec(ctx context.Context) error {
	_, err := p.pipe.Exec(ctx)
	return err
}
