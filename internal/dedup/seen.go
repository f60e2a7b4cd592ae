package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemorySeenSet keeps message ids in a map and sweeps expired entries lazily.
type MemorySeenSet struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	ttl       time.Duration
	lastSweep time.Time
	now       func() time.Time
}

func NewMemorySeenSet(ttl time.Duration) *MemorySeenSet {
	return &MemorySeenSet{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

func (m *MemorySeenSet) MarkSeen(_ context.Context, id string) (bool, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if now.Sub(m.lastSweep) >= m.ttl {
		m.sweep(now)
	}
	if at, ok := m.seen[id]; ok && now.Sub(at) < m.ttl {
		return false, nil
	}
	m.seen[id] = now
	return true, nil
}

// Len returns the number of tracked ids, expired or not.
func (m *MemorySeenSet) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seen)
}

func (m *MemorySeenSet) sweep(now time.Time) {
	for id, at := range m.seen {
		if now.Sub(at) >= m.ttl {
			delete(m.seen, id)
		}
	}
	m.lastSweep = now
}

// RedisSeenSet shares the id window across restarts and replicas.
type RedisSeenSet struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisSeenSet connects to redisURL (redis://host:port/db) and checks the connection.
func NewRedisSeenSet(ctx context.Context, redisURL string, ttl time.Duration) (*RedisSeenSet, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisSeenSet{client: client, prefix: "responder:seen:", ttl: ttl}, nil
}

func (r *RedisSeenSet) MarkSeen(ctx context.Context, id string) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.prefix+id, 1, r.ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (r *RedisSeenSet) Close() error {
	return r.client.Close()
}
