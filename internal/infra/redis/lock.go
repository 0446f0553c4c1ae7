package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Compare-and-delete so a lock that expired and was taken over is never
// released by its previous owner.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// Locker serializes the legs of one transaction across instances with a
// SET NX lock that is refreshed while held.
type Locker struct {
	rdb    *redis.Client
	ttl    time.Duration
	poll   time.Duration
	logger *slog.Logger
}

// NewLocker creates a locker whose locks expire after ttl unless refreshed.
func NewLocker(c *Client, ttl time.Duration, logger *slog.Logger) *Locker {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Locker{rdb: c.rdb, ttl: ttl, poll: 50 * time.Millisecond, logger: logger}
}

// Lock blocks until the lock for txID is held or ctx is done.
func (l *Locker) Lock(ctx context.Context, txID string) (func(), error) {
	key := lockKey(txID)
	token := uuid.NewString()

	for {
		ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("setnx failed: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("lock %s: %w", txID, ctx.Err())
		case <-time.After(l.poll):
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.refresh(key, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, l.rdb, []string{key}, token).Err(); err != nil {
				l.logger.Warn("Failed to release transaction lock", "tx", txID, "error", err)
			}
		})
	}, nil
}

func (l *Locker) refresh(key, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			n, err := refreshScript.Run(ctx, l.rdb, []string{key}, token, l.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				l.logger.Warn("Failed to refresh transaction lock", "key", key, "error", err)
				continue
			}
			if n == 0 {
				l.logger.Error("Transaction lock lost", "key", key)
				return
			}
		}
	}
}
