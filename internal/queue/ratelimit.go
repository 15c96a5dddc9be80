package queue

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// rateLimiter is a fixed-window counter shared by every worker process
// through the broker, so the dispatch limit holds across the fleet.
type rateLimiter struct {
	client *redis.Client
	prefix string
	limit  int
}

func newRateLimiter(client *redis.Client, prefix string, limit int) *rateLimiter {
	return &rateLimiter{client: client, prefix: prefix, limit: limit}
}

// Wait blocks until a dispatch token is available or ctx is done.
func (l *rateLimiter) Wait(ctx context.Context) error {
	for {
		ok, err := l.tryAcquire(ctx)
		if err != nil {
			// Broker hiccups must not wedge delivery permanently; back off
			// briefly and let the caller's context bound the wait.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(250 * time.Millisecond):
			}
			continue
		}
		if ok {
			return nil
		}
		// Window exhausted: sleep to the next second boundary.
		now := time.Now()
		pause := now.Truncate(time.Second).Add(time.Second).Sub(now)
		if pause < 10*time.Millisecond {
			pause = 10 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pause):
		}
	}
}

func (l *rateLimiter) tryAcquire(ctx context.Context) (bool, error) {
	key := l.prefix + ":" + strconv.FormatInt(time.Now().Unix(), 10)
	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		l.client.Expire(ctx, key, 2*time.Second)
	}
	return count <= int64(l.limit), nil
}
