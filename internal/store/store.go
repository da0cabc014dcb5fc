// Package store is the shared rate/dedup/queue store. Every counter, dedup
// flag, queue and batch buffer of the pipeline lives here so several
// process instances can cooperate; the store's atomic primitives are the
// only synchronization between them.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable wraps transport failures so callers can choose a permissive default.
var ErrUnavailable = errors.New("store unavailable")

// Member is one sorted-set entry.
type Member struct {
	Value string
	Score float64
}

type Store interface {
	// Incr increments key and sets ttl when the key is created by this call.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// SetNX writes key only if absent and reports whether it wrote.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error

	ZAdd(ctx context.Context, key string, members ...Member) error
	// ZRangeByScore returns members with min <= score <= max in ascending order.
	// limit <= 0 means no limit.
	ZRangeByScore(ctx context.Context, key string, min, max float64, limit int) ([]Member, error)
	// ZRem reports whether this call removed value; concurrent callers race
	// and exactly one wins.
	ZRem(ctx context.Context, key, value string) (bool, error)
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error)
	ZCard(ctx context.Context, key string) (int64, error)

	// RPush appends and returns the new length.
	RPush(ctx context.Context, key string, values ...string) (int64, error)
	LPop(ctx context.Context, key string) (string, bool, error)
	LLen(ctx context.Context, key string) (int64, error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}
