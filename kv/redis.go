package kv

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis adapts a go-redis client to the Store interface. Every call is
// bounded by OpTimeout so a wedged store cannot stall an admission path.
type Redis struct {
	client    redis.UniversalClient
	opTimeout time.Duration
}

// RedisConfig configures the Redis store adapter.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// OpTimeout bounds each store round trip.
	OpTimeout time.Duration
}

// DefaultRedisConfig returns the standard adapter configuration.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:      "127.0.0.1:6379",
		OpTimeout: 5 * time.Second,
	}
}

// NewRedis builds a Store backed by a go-redis client.
func NewRedis(cfg *RedisConfig) *Redis {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return WrapRedis(client, cfg.OpTimeout)
}

// WrapRedis builds a Store around an existing client, for callers that
// manage connection lifecycle themselves.
func WrapRedis(client redis.UniversalClient, opTimeout time.Duration) *Redis {
	if opTimeout <= 0 {
		opTimeout = 5 * time.Second
	}
	return &Redis{client: client, opTimeout: opTimeout}
}

// Close releases the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.opTimeout)
}

func translate(err error) error {
	if errors.Is(err, redis.Nil) {
		return ErrNil
	}
	return err
}

func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	v, err := r.client.Get(ctx, key).Result()
	return v, translate(err)
}

func (r *Redis) Set(ctx context.Context, key, value string) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	return r.client.Set(ctx, key, value, 0).Err()
}

func (r *Redis) SetEx(ctx context.Context, key string, ttl time.Duration, value string) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *Redis) Del(ctx context.Context, keys ...string) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	return r.client.Del(ctx, keys...).Err()
}

func (r *Redis) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	return r.client.IncrBy(ctx, key, n).Result()
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	return r.client.Expire(ctx, key, ttl).Err()
}

func (r *Redis) TTL(ctx context.Context, key string) (time.Duration, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	return r.client.TTL(ctx, key).Result()
}

func (r *Redis) ZAdd(ctx context.Context, key string, members ...Z) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	zs := make([]redis.Z, len(members))
	for i, m := range members {
		zs[i] = redis.Z{Score: m.Score, Member: m.Member}
	}
	return r.client.ZAdd(ctx, key, zs...).Err()
}

func (r *Redis) ZRem(ctx context.Context, key string, members ...string) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return r.client.ZRem(ctx, key, args...).Err()
}

func (r *Redis) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	return r.client.ZRemRangeByScore(ctx, key, formatScore(min), formatScore(max)).Err()
}

func (r *Redis) ZCard(ctx context.Context, key string) (int64, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	return r.client.ZCard(ctx, key).Result()
}

func (r *Redis) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	return r.client.ZRange(ctx, key, start, stop).Result()
}

func (r *Redis) SAdd(ctx context.Context, key string, members ...string) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return r.client.SAdd(ctx, key, args...).Err()
}

func (r *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	return r.client.SMembers(ctx, key).Result()
}

func (r *Redis) SRem(ctx context.Context, key string, members ...string) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return r.client.SRem(ctx, key, args...).Err()
}

func (r *Redis) HSet(ctx context.Context, key string, fields map[string]string) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return r.client.HSet(ctx, key, args...).Err()
}

func (r *Redis) HGet(ctx context.Context, key, field string) (string, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	v, err := r.client.HGet(ctx, key, field).Result()
	return v, translate(err)
}

func (r *Redis) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	return r.client.HGetAll(ctx, key).Result()
}

func (r *Redis) Eval(ctx context.Context, script string, keys []string, args ...any) (any, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	v, err := r.client.Eval(ctx, script, keys, args...).Result()
	return v, translate(err)
}

func (r *Redis) Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	return r.client.Scan(ctx, cursor, match, count).Result()
}

func formatScore(f float64) string {
	// Redis range commands accept plain float strings; -inf/+inf are passed
	// through by the callers that need them.
	return formatFloat(f)
}
