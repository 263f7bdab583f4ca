package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

// ErrChatBusy is returned when another turn holds the chat.
var ErrChatBusy = errors.New("chat: another turn is in progress")

// Locker serialises turns on one chat so history reads and writes of two
// turns never interleave.
type Locker interface {
	Acquire(ctx context.Context, chatID string) (release func(), err error)
}

// LocalLocker serialises turns within one process.
type LocalLocker struct {
	wait time.Duration

	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewLocalLocker(wait time.Duration) *LocalLocker {
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &LocalLocker{wait: wait, slots: make(map[string]*slot)}
}

func (l *LocalLocker) Acquire(ctx context.Context, chatID string) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[chatID]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[chatID] = s
	}
	s.refs++
	l.mu.Unlock()

	timer := time.NewTimer(l.wait)
	defer timer.Stop()

	select {
	case s.ch <- struct{}{}:
	case <-timer.C:
		l.unref(chatID, s)
		return nil, ErrChatBusy
	case <-ctx.Done():
		l.unref(chatID, s)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.unref(chatID, s)
		})
	}, nil
}

func (l *LocalLocker) unref(chatID string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, chatID)
	}
}

var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)
)

// RedisLocker is a lease lock shared by every gateway instance. The lease is
// renewed while held so long turns keep it.
type RedisLocker struct {
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
	wait   time.Duration
	poll   time.Duration
}

func NewRedisLocker(rdb redis.Cmdable, ttl, wait time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisLocker{rdb: rdb, prefix: "chatlock:", ttl: ttl, wait: wait, poll: 50 * time.Millisecond}
}

func (l *RedisLocker) Acquire(ctx context.Context, chatID string) (func(), error) {
	key := l.prefix + chatID
	token := ulid.Make().String()
	deadline := time.Now().Add(l.wait)

	for {
		ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return nil, ErrChatBusy
		}
		select {
		case <-time.After(l.poll):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	stop := make(chan struct{})
	go l.renew(key, token, stop)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(rctx, l.rdb, []string{key}, token).Err(); err != nil {
				slog.Warn("chat lock release failed", "key", key, "err", err)
			}
		})
	}, nil
}

func (l *RedisLocker) renew(key, token string, stop <-chan struct{}) {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			n, err := renewScript.Run(ctx, l.rdb, []string{key}, token, l.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil {
				slog.Warn("chat lock renew failed", "key", key, "err", err)
				continue
			}
			if n == 0 {
				slog.Warn("chat lock lost", "key", key)
				return
			}
		}
	}
}
