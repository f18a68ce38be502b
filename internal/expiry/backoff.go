package expiry

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/escrowd/internal/retry"
)

// Backoff bounds for holds whose auto-release keeps failing.
const (
	DefaultBackoffBase = time.Minute
	DefaultBackoffMax  = 6 * time.Hour
)

// Tracker remembers auto-release failures so a failing hold is retried at
// most once per backoff window.
type Tracker interface {
	// Blocked reports whether holdID is still inside its backoff window.
	Blocked(ctx context.Context, holdID string, now time.Time) (bool, error)
	// Fail records a failure and returns when the hold may be retried.
	Fail(ctx context.Context, holdID string, now time.Time) (time.Time, error)
	// Clear forgets holdID after a successful attempt.
	Clear(ctx context.Context, holdID string) error
}

type failure struct {
	count int
	until time.Time
}

// MemoryTracker is a single-instance Tracker.
type MemoryTracker struct {
	mu        sync.Mutex
	failures  map[string]failure
	base, max time.Duration
}

// NewMemoryTracker creates an in-process tracker.
func NewMemoryTracker(base, max time.Duration) *MemoryTracker {
	return &MemoryTracker{failures: make(map[string]failure), base: base, max: max}
}

func (m *MemoryTracker) Blocked(ctx context.Context, holdID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.failures[holdID]
	return ok && now.Before(f.until), nil
}

func (m *MemoryTracker) Fail(ctx context.Context, holdID string, now time.Time) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.failures[holdID]
	f.count++
	f.until = now.Add(retry.Backoff(f.count, m.base, m.max))
	m.failures[holdID] = f
	return f.until, nil
}

func (m *MemoryTracker) Clear(ctx context.Context, holdID string) error {
	m.mu.Lock()
	delete(m.failures, holdID)
	m.mu.Unlock()
	return nil
}

// RedisTracker shares failure backoff between scheduler instances.
type RedisTracker struct {
	client    redis.UniversalClient
	prefix    string
	base, max time.Duration
}

// NewRedisTracker creates a tracker storing one hash per failing hold.
func NewRedisTracker(client redis.UniversalClient, base, max time.Duration) *RedisTracker {
	return &RedisTracker{client: client, prefix: "escrowd:expiry:backoff:", base: base, max: max}
}

// ConnectRedis opens a client from a redis:// URL or a bare host:port.
func ConnectRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (r *RedisTracker) key(holdID string) string { return r.prefix + holdID }

func (r *RedisTracker) Blocked(ctx context.Context, holdID string, now time.Time) (bool, error) {
	raw, err := r.client.HGet(ctx, r.key(holdID), "until").Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return false, nil
	}
	return now.Before(time.UnixMilli(ms)), nil
}

func (r *RedisTracker) Fail(ctx context.Context, holdID string, now time.Time) (time.Time, error) {
	key := r.key(holdID)
	count, err := r.client.HIncrBy(ctx, key, "failures", 1).Result()
	if err != nil {
		return time.Time{}, err
	}
	until := now.Add(retry.Backoff(int(count), r.base, r.max))
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, "until", until.UnixMilli())
		// Keep the failure count a while past the window so the next
		// failure keeps doubling.
		p.Expire(ctx, key, 2*r.max)
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}
	return until, nil
}

func (r *RedisTracker) Clear(ctx context.Context, holdID string) error {
	return r.client.Del(ctx, r.key(holdID)).Err()
}

var (
	_ Tracker = (*MemoryTracker)(nil)
	_ Tracker = (*RedisTracker)(nil)
)
