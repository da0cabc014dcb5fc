package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is the multi-instance store driver.
type Redis struct {
	rdb       *redis.Client
	prefix    string
	opTimeout time.Duration
}

func NewRedis(cfg Config) *Redis {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	return NewRedisClient(redis.NewClient(opts), cfg.KeyPrefix, cfg.OpTimeout)
}

// NewRedisClient wraps an existing client (tests use miniredis).
func NewRedisClient(rdb *redis.Client, prefix string, opTimeout time.Duration) *Redis {
	if opTimeout <= 0 {
		opTimeout = 2 * time.Second
	}
	return &Redis{rdb: rdb, prefix: prefix, opTimeout: opTimeout}
}

// Client exposes the underlying client for pub/sub.
func (s *Redis) Client() *redis.Client { return s.rdb }

// Prefix returns the key prefix applied to every key.
func (s *Redis) Prefix() string { return s.prefix }

func (s *Redis) k(key string) string { return s.prefix + key }

func (s *Redis) op(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

func (s *Redis) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	k := s.k(key)
	var incr *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, k)
		if ttl > 0 {
			// NX keeps the first window; later increments must not extend it
			p.ExpireNX(ctx, k, ttl)
		}
		return nil
	})
	if err != nil {
		return 0, wrap("incr", err)
	}
	return incr.Val(), nil
}

func (s *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	ok, err := s.rdb.SetNX(ctx, s.k(key), value, ttl).Result()
	return ok, wrap("setnx", err)
}

func (s *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	v, err := s.rdb.Get(ctx, s.k(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap("get", err)
	}
	return v, true, nil
}

func (s *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := s.op(ctx)
	defer cancel()
	return wrap("set", s.rdb.Set(ctx, s.k(key), value, ttl).Err())
}

func (s *Redis) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := s.op(ctx)
	defer cancel()
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.k(k)
	}
	return wrap("del", s.rdb.Del(ctx, full...).Err())
}

func (s *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := s.op(ctx)
	defer cancel()
	return wrap("expire", s.rdb.Expire(ctx, s.k(key), ttl).Err())
}

func (s *Redis) ZAdd(ctx context.Context, key string, members ...Member) error {
	if len(members) == 0 {
		return nil
	}
	ctx, cancel := s.op(ctx)
	defer cancel()
	zs := make([]redis.Z, len(members))
	for i, m := range members {
		zs[i] = redis.Z{Score: m.Score, Member: m.Value}
	}
	return wrap("zadd", s.rdb.ZAdd(ctx, s.k(key), zs...).Err())
}

func (s *Redis) ZRangeByScore(ctx context.Context, key string, min, max float64, limit int) ([]Member, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	by := &redis.ZRangeBy{Min: scoreArg(min), Max: scoreArg(max)}
	if limit > 0 {
		by.Count = int64(limit)
	}
	zs, err := s.rdb.ZRangeByScoreWithScores(ctx, s.k(key), by).Result()
	if err != nil {
		return nil, wrap("zrangebyscore", err)
	}
	out := make([]Member, 0, len(zs))
	for _, z := range zs {
		out = append(out, Member{Value: fmt.Sprint(z.Member), Score: z.Score})
	}
	return out, nil
}

func (s *Redis) ZRem(ctx context.Context, key, value string) (bool, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	n, err := s.rdb.ZRem(ctx, s.k(key), value).Result()
	return n > 0, wrap("zrem", err)
}

func (s *Redis) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	n, err := s.rdb.ZRemRangeByScore(ctx, s.k(key), scoreArg(min), scoreArg(max)).Result()
	return n, wrap("zremrangebyscore", err)
}

func (s *Redis) ZCard(ctx context.Context, key string) (int64, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	n, err := s.rdb.ZCard(ctx, s.k(key)).Result()
	return n, wrap("zcard", err)
}

func (s *Redis) RPush(ctx context.Context, key string, values ...string) (int64, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	n, err := s.rdb.RPush(ctx, s.k(key), args...).Result()
	return n, wrap("rpush", err)
}

func (s *Redis) LPop(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	v, err := s.rdb.LPop(ctx, s.k(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap("lpop", err)
	}
	return v, true, nil
}

func (s *Redis) LLen(ctx context.Context, key string) (int64, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	n, err := s.rdb.LLen(ctx, s.k(key)).Result()
	return n, wrap("llen", err)
}

func (s *Redis) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()
	v, err := s.rdb.LRange(ctx, s.k(key), start, stop).Result()
	return v, wrap("lrange", err)
}

func (s *Redis) Ping(ctx context.Context) error {
	ctx, cancel := s.op(ctx)
	defer cancel()
	return wrap("ping", s.rdb.Ping(ctx).Err())
}

func (s *Redis) Close() error { return s.rdb.Close() }

func scoreArg(v float64) string {
	switch {
	case math.IsInf(v, 1):
		return "+inf"
	case math.IsInf(v, -1):
		return "-inf"
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
