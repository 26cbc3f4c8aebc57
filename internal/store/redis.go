package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nidhogg/msgproviders/internal/envelope"
)

const (
	OptURL       = "url"
	OptKeyPrefix = "key_prefix"
	OptTTL       = "ttl"
	redisBackend = "redis"
)

func init() {
	Register(redisBackend, func(ctx context.Context, opts map[string]string, logger *zap.Logger) (Backend, error) {
		url := optString(opts, OptURL, "")
		if url == "" {
			return nil, &ConfigError{Backend: redisBackend, Option: OptURL, Message: "cannot be empty"}
		}
		ttl, err := optDuration(redisBackend, opts, OptTTL, 0)
		if err != nil {
			return nil, err
		}
		r, err := NewRedis(ctx, url, optString(opts, OptKeyPrefix, ""), logger)
		if err != nil {
			return nil, err
		}
		r.ttl = ttl
		return r, nil
	}, func() map[string]string {
		return map[string]string{OptKeyPrefix: "msg:state:"}
	})
}

// Redis stores state values as plain string keys. A non-zero ttl expires
// idle entries.
type Redis struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedis connects to url and pings it.
func NewRedis(ctx context.Context, url, prefix string, logger *zap.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	logger.Info("Redis state store connected", zap.String("prefix", prefix))
	return &Redis{rdb: rdb, prefix: prefix, logger: logger}, nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(rdb *redis.Client, prefix string, logger *zap.Logger) *Redis {
	return &Redis{rdb: rdb, prefix: prefix, logger: logger}
}

func (r *Redis) key(key string, tenant *envelope.TenantCtx) string {
	return r.prefix + scopedKey(key, tenant)
}

func (r *Redis) Read(ctx context.Context, key string, tenant *envelope.TenantCtx) ([]byte, bool, error) {
	v, err := r.rdb.Get(ctx, r.key(key, tenant)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read state: %w", err)
	}
	return v, true, nil
}

func (r *Redis) Write(ctx context.Context, key string, value []byte, tenant *envelope.TenantCtx) error {
	if err := r.rdb.Set(ctx, r.key(key, tenant), value, r.ttl).Err(); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string, tenant *envelope.TenantCtx) error {
	if err := r.rdb.Del(ctx, r.key(key, tenant)).Err(); err != nil {
		return fmt.Errorf("delete state: %w", err)
	}
	return nil
}

func (r *Redis) DeletePrefix(ctx context.Context, prefix string, tenant *envelope.TenantCtx) (int, error) {
	pattern := globEscape(r.key(prefix, tenant)) + "*"
	n := 0
	iter := r.rdb.Scan(ctx, 0, pattern, 200).Iterator()
	var batch []string
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		deleted, err := r.rdb.Del(ctx, batch...).Result()
		n += int(deleted)
		batch = batch[:0]
		return err
	}
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= 200 {
			if err := flush(); err != nil {
				return n, fmt.Errorf("delete state prefix: %w", err)
			}
		}
	}
	if err := iter.Err(); err != nil {
		return n, fmt.Errorf("scan state prefix: %w", err)
	}
	if err := flush(); err != nil {
		return n, fmt.Errorf("delete state prefix: %w", err)
	}
	return n, nil
}

// Close shuts down the Redis connection.
func (r *Redis) Close() error {
	return r.rdb.Close()
}

func globEscape(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch c {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}
