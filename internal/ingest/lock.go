package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// lockTTL bounds how long a crashed run can hold the lock.
const lockTTL = 30 * time.Minute

// RunLocker forbids overlapping parse ticks across processes.
type RunLocker interface {
	// TryLock returns a release func when the lock was acquired.
	TryLock(ctx context.Context) (release func(), ok bool, err error)
}

// RedisLocker implements the run-lock as SET NX with expiry.
type RedisLocker struct {
	client *redis.Client
	key    string
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client, key: "ingest:run_lock"}
}

func (l *RedisLocker) TryLock(ctx context.Context) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, lockTTL).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		// Only release our own token; an expired lock may have been retaken.
		current, err := l.client.Get(ctx, l.key).Result()
		if err == nil && current == token {
			l.client.Del(ctx, l.key)
		}
	}
	return release, true, nil
}

// FileLocker is the fallback run-lock when no broker is configured. A stale
// lock file older than the TTL is treated as abandoned.
type FileLocker struct {
	path string
}

func NewFileLocker(dir string) *FileLocker {
	return &FileLocker{path: filepath.Join(dir, "ingest.lock")}
}

func (l *FileLocker) TryLock(_ context.Context) (func(), bool, error) {
	if info, err := os.Stat(l.path); err == nil {
		if time.Since(info.ModTime()) < lockTTL {
			return nil, false, nil
		}
		os.Remove(l.path)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("acquire lock file: %w", err)
	}
	fmt.Fprintln(f, strconv.Itoa(os.Getpid()))
	f.Close()
	return func() { os.Remove(l.path) }, true, nil
}
