package streams

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/suPer8Hu/turn-gateway/internal/chat"
)

const (
	fieldData = "d"
	fieldOpen = "open"
	fieldEnd  = "end"
	maxFrames = 10000
)

// Redis keeps each stream as a Redis stream keyed by its id.
type Redis struct {
	rdb     redis.Cmdable
	records RecordStore
	prefix  string
	ttl     time.Duration
	block   time.Duration
	maxIdle time.Duration
}

func NewRedis(rdb redis.Cmdable, records RecordStore, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Redis{
		rdb:     rdb,
		records: records,
		prefix:  "turnstream:",
		ttl:     ttl,
		block:   2 * time.Second,
		maxIdle: 2 * time.Minute,
	}
}

func (r *Redis) Enabled() bool { return true }

func (r *Redis) key(id string) string { return r.prefix + id }

func (r *Redis) Create(ctx context.Context, chatID string) (string, error) {
	id := ulid.Make().String()
	if err := r.records.CreateStreamRecord(ctx, &chat.StreamRecord{ID: id, ChatID: chatID}); err != nil {
		return "", fmt.Errorf("record stream: %w", err)
	}
	key := r.key(id)
	if err := r.rdb.XAdd(ctx, &redis.XAddArgs{Stream: key, Values: []any{fieldOpen, "1"}}).Err(); err != nil {
		return "", fmt.Errorf("open stream: %w", err)
	}
	if err := r.rdb.Expire(ctx, key, r.ttl).Err(); err != nil {
		return "", fmt.Errorf("expire stream: %w", err)
	}
	return id, nil
}

func (r *Redis) Publish(ctx context.Context, streamID string, frames <-chan []byte) {
	key := r.key(streamID)
	failed := false
	for f := range frames {
		if failed {
			continue
		}
		err := r.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: key,
			MaxLen: maxFrames,
			Approx: true,
			Values: []any{fieldData, f},
		}).Err()
		if err != nil {
			slog.Warn("stream publish failed, resumption disabled for this turn", "stream_id", streamID, "err", err)
			failed = true
		}
	}
	if failed {
		return
	}
	if err := r.rdb.XAdd(ctx, &redis.XAddArgs{Stream: key, Values: []any{fieldEnd, "1"}}).Err(); err != nil {
		slog.Warn("stream close failed", "stream_id", streamID, "err", err)
	}
	if err := r.rdb.Expire(ctx, key, r.ttl).Err(); err != nil {
		slog.Warn("stream expire failed", "stream_id", streamID, "err", err)
	}
}

func (r *Redis) Latest(ctx context.Context, chatID string) (string, error) {
	id, err := r.records.LatestStreamID(ctx, chatID)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", ErrNotFound
	}
	return id, nil
}

func (r *Redis) Subscribe(ctx context.Context, streamID string) (<-chan []byte, error) {
	key := r.key(streamID)
	n, err := r.rdb.Exists(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrNotFound
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		last := "0"
		var idle time.Duration
		for {
			res, err := r.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{key, last},
				Count:   100,
				Block:   r.block,
			}).Result()
			if errors.Is(err, redis.Nil) {
				idle += r.block
				if idle >= r.maxIdle {
					slog.Warn("stream went idle without end marker", "stream_id", streamID)
					return
				}
				continue
			}
			if err != nil {
				if ctx.Err() == nil {
					slog.Warn("stream read failed", "stream_id", streamID, "err", err)
				}
				return
			}
			idle = 0
			for _, s := range res {
				for _, msg := range s.Messages {
					last = msg.ID
					if _, ok := msg.Values[fieldEnd]; ok {
						return
					}
					v, ok := msg.Values[fieldData]
					if !ok {
						continue
					}
					frame, _ := v.(string)
					select {
					case out <- []byte(frame):
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, nil
}
