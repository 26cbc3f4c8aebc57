package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const streamPrefix = "msg:ingress:"

// StreamKey is the stream a provider's events are appended to.
func StreamKey(provider string) string { return streamPrefix + provider }

// RedisStream appends events to one Redis stream per provider.
type RedisStream struct {
	rdb    *redis.Client
	maxLen int64
	logger *zap.Logger
}

// NewRedisStream connects to url and pings it. A positive maxLen trims
// streams approximately to that length.
func NewRedisStream(ctx context.Context, url string, maxLen int64, logger *zap.Logger) (*RedisStream, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStream{rdb: rdb, maxLen: maxLen, logger: logger}, nil
}

// Publish appends ev to its provider stream.
func (s *RedisStream) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	stream := StreamKey(ev.Provider)
	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"tenant": ev.Tenant.String(),
			"data":   string(data),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if _, err := s.rdb.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("publish to %s: %w", stream, err)
	}
	s.logger.Debug("published event",
		zap.String("stream", stream),
		zap.String("id", ev.ID))
	return nil
}

// Subscribe reads events appended to provider's stream after the call.
// The channel closes when ctx is done.
func (s *RedisStream) Subscribe(ctx context.Context, provider string) <-chan Event {
	ch := make(chan Event, 16)
	stream := StreamKey(provider)

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			if ctx.Err() != nil {
				return
			}
			results, err := s.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   10,
				Block:   2 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				if !errors.Is(err, redis.Nil) {
					s.logger.Warn("stream read failed", zap.String("stream", stream), zap.Error(err))
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var ev Event
					if json.Unmarshal([]byte(data), &ev) != nil {
						continue
					}
					select {
					case ch <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch
}

func (s *RedisStream) Close() error { return s.rdb.Close() }
