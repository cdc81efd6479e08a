// Package kv abstracts the shared key-value store the control-plane
// components coordinate through: rate-limit buckets and windows, throttle
// counters, solver checkpoints, permission cache entries and the service
// registry mirror. The command surface intentionally mirrors the subset of
// Redis the components use; multi-step updates go through Eval so atomicity
// lives in the store, not in client-side locking.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNil is returned by read operations when the key or field is absent.
var ErrNil = errors.New("kv: nil")

// Z is one scored member of a sorted set.
type Z struct {
	Score  float64
	Member string
}

// Store is the key-value surface consumed by the operational components.
// Implementations must make every multi-key Eval atomic.
type Store interface {
	Ping(ctx context.Context) error

	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	SetEx(ctx context.Context, key string, ttl time.Duration, value string) error
	Del(ctx context.Context, keys ...string) error
	IncrBy(ctx context.Context, key string, n int64) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)

	ZAdd(ctx context.Context, key string, members ...Z) error
	ZRem(ctx context.Context, key string, members ...string) error
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) error
	ZCard(ctx context.Context, key string) (int64, error)
	ZRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SRem(ctx context.Context, key string, members ...string) error

	HSet(ctx context.Context, key string, fields map[string]string) error
	HGet(ctx context.Context, key, field string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	Eval(ctx context.Context, script string, keys []string, args ...any) (any, error)
	Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error)
}
