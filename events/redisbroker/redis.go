// Package redisbroker implements events.Broker on Redis Streams so every
// gateway replica pointed at the same Redis observes the same lifecycle log.
// Streams are capped with approximate MAXLEN trimming.
package redisbroker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ggoodman/pairgate/events"
	"github.com/redis/go-redis/v9"
)

// Config for the Redis-backed broker.
type Config struct {
	// Addr like "localhost:6379". Ignored when Client is set.
	Addr string
	// Client overrides the connection built from Addr.
	Client redis.UniversalClient
	// KeyPrefix for all stream keys. Defaults to "pairgate:events:".
	KeyPrefix string
	// Retention caps each stream at roughly this many entries. Defaults to 256.
	Retention int64
	// Block bounds each XREAD so cancellation is observed promptly.
	Block time.Duration
}

// Broker is a Redis Streams events.Broker.
type Broker struct {
	client    redis.UniversalClient
	keyPrefix string
	retention int64
	block     time.Duration
}

// New connects to Redis and verifies the connection with PING.
func New(ctx context.Context, cfg Config) (*Broker, error) {
	client := cfg.Client
	if client == nil {
		addr := cfg.Addr
		if addr == "" {
			addr = "localhost:6379"
		}
		client = redis.NewClient(&redis.Options{Addr: addr})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	b := &Broker{client: client, keyPrefix: cfg.KeyPrefix, retention: cfg.Retention, block: cfg.Block}
	if b.keyPrefix == "" {
		b.keyPrefix = "pairgate:events:"
	}
	if b.retention <= 0 {
		b.retention = 256
	}
	if b.block <= 0 {
		b.block = 500 * time.Millisecond
	}
	return b, nil
}

// Close closes the Redis client.
func (b *Broker) Close() error { return b.client.Close() }

func (b *Broker) streamKey(namespace string) string { return b.keyPrefix + "stream:" + namespace }

// Publish implements events.Broker.
func (b *Broker) Publish(ctx context.Context, namespace string, data []byte) (string, error) {
	key := b.streamKey(namespace)
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: b.retention,
		Approx: true,
		Values: map[string]any{"d": data},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish to stream %s: %w", key, err)
	}
	return id, nil
}

// Subscribe implements events.Broker.
func (b *Broker) Subscribe(ctx context.Context, namespace string, lastEventID string, handler events.Handler) error {
	key := b.streamKey(namespace)
	if lastEventID != "" && !validStreamID(lastEventID) {
		return fmt.Errorf("%w: %q", events.ErrInvalidEventID, lastEventID)
	}
	start := lastEventID
	if start == "" {
		// "$" only means "latest" for the first read; pin it to a concrete ID
		// so entries published between reads are not skipped.
		last, err := b.lastID(ctx, key)
		if err != nil {
			return err
		}
		start = last
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := b.client.XRead(ctx, &redis.XReadArgs{Streams: []string{key, start}, Count: 16, Block: b.block}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to read stream %s: %w", key, err)
		}
		for _, stream := range res {
			for _, m := range stream.Messages {
				start = m.ID
				var payload []byte
				switch v := m.Values["d"].(type) {
				case string:
					payload = []byte(v)
				case []byte:
					payload = v
				default:
					continue
				}
				if err := handler(ctx, events.Envelope{ID: m.ID, Data: payload}); err != nil {
					return err
				}
			}
		}
	}
}

func (b *Broker) lastID(ctx context.Context, key string) (string, error) {
	msgs, err := b.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("failed to read stream tail %s: %w", key, err)
	}
	if len(msgs) == 0 {
		return "0-0", nil
	}
	return msgs[0].ID, nil
}

// validStreamID reports whether id has the "<ms>" or "<ms>-<seq>" form of a
// stream entry ID.
func validStreamID(id string) bool {
	ms, seq, hasSeq := strings.Cut(id, "-")
	if _, err := strconv.ParseUint(ms, 10, 64); err != nil {
		return false
	}
	if hasSeq {
		if _, err := strconv.ParseUint(seq, 10, 64); err != nil {
			return false
		}
	}
	return true
}

var _ events.Broker = (*Broker)(nil)
