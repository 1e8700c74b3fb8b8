package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"
)

// PoolOptions configures the Redis connection pool.
type PoolOptions struct {
	Addr        string
	Password    string
	DB          int
	MaxIdle     int
	MaxActive   int
	IdleTimeout time.Duration
}

// NewPool builds a redigo pool. No connection is made until first use.
func NewPool(opts PoolOptions) *redis.Pool {
	if opts.MaxIdle <= 0 {
		opts.MaxIdle = 8
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 5 * time.Minute
	}
	dialOpts := []redis.DialOption{
		redis.DialDatabase(opts.DB),
		redis.DialConnectTimeout(5 * time.Second),
		redis.DialReadTimeout(3 * time.Second),
		redis.DialWriteTimeout(3 * time.Second),
	}
	if opts.Password != "" {
		dialOpts = append(dialOpts, redis.DialPassword(opts.Password))
	}
	return &redis.Pool{
		MaxIdle:     opts.MaxIdle,
		MaxActive:   opts.MaxActive,
		IdleTimeout: opts.IdleTimeout,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			return redis.DialContext(ctx, "tcp", opts.Addr, dialOpts...)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}

// Redis is a Cache backed by a redigo pool.
type Redis struct {
	pool *redis.Pool
	ns   string
}

// NewRedis returns a Cache over pool writing under namespace ns.
func NewRedis(pool *redis.Pool, ns string) *Redis {
	return &Redis{pool: pool, ns: ns}
}

func (r *Redis) key(k string) string {
	return r.ns + ":" + k
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

func (r *Redis) do(ctx context.Context, cmd string, args ...any) (any, error) {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return redis.DoContext(conn, ctx, cmd, args...)
}

func (r *Redis) Get(ctx context.Context, key string, dst any) (bool, error) {
	data, err := redis.Bytes(r.do(ctx, "GET", r.key(key)))
	switch {
	case err == redis.ErrNil:
		return false, nil
	case err != nil:
		return false, unavailable("GET "+key, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("decoding cached %s: %w", key, err)
	}
	return true, nil
}

// Set stores value for ttl, rounded down to whole seconds (minimum one).
func (r *Redis) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	secs := int(ttl / time.Second)
	if secs < 1 {
		secs = 1
	}
	if _, err := r.do(ctx, "SET", r.key(key), data, "EX", secs); err != nil {
		return unavailable("SET "+key, err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = r.key(k)
	}
	if _, err := r.do(ctx, "DEL", args...); err != nil {
		return unavailable("DEL", err)
	}
	return nil
}

func (r *Redis) ScanAndDelete(ctx context.Context, pattern string) (int, error) {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return 0, unavailable("SCAN "+pattern, err)
	}
	defer conn.Close()

	match := r.key(pattern)
	deleted := 0
	cursor := 0
	for {
		values, err := redis.Values(redis.DoContext(conn, ctx, "SCAN", cursor, "MATCH", match, "COUNT", 100))
		if err != nil {
			return deleted, unavailable("SCAN "+pattern, err)
		}
		var keys []string
		if _, err := redis.Scan(values, &cursor, &keys); err != nil {
			return deleted, unavailable("SCAN "+pattern, err)
		}
		if len(keys) > 0 {
			args := make([]any, len(keys))
			for i, k := range keys {
				args[i] = k
			}
			n, err := redis.Int(redis.DoContext(conn, ctx, "DEL", args...))
			if err != nil {
				return deleted, unavailable("DEL "+pattern, err)
			}
			deleted += n
		}
		if cursor == 0 {
			return deleted, nil
		}
	}
}

func (r *Redis) Namespace() string { return r.ns }

func (r *Redis) WithNamespace(ns string) Cache {
	return &Redis{pool: r.pool, ns: ns}
}

// Ping checks the server is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	if _, err := r.do(ctx, "PING"); err != nil {
		return unavailable("PING", err)
	}
	return nil
}
