// Package dedup remembers which ledger events were already handled so a
// redelivered event is not applied twice.
package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL bounds how long an event id is remembered
const DefaultTTL = 24 * time.Hour

// Redis keeps claims in Redis so they survive restarts
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis connects to the Redis server at addr
func NewRedis(addr, prefix string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		prefix: prefix,
		ttl:    ttl,
	}
}

// Ping checks the Redis server is reachable
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to reach redis: %w", err)
	}
	return nil
}

// Claim returns true the first time id is seen within the TTL
func (r *Redis) Claim(ctx context.Context, id string) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.prefix+id, time.Now().Unix(), r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim %s: %w", id, err)
	}
	return ok, nil
}

// Close closes the client
func (r *Redis) Close() error {
	return r.client.Close()
}

// Memory keeps claims in process memory. Expired ids are swept at most once
// per TTL.
type Memory struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	ttl       time.Duration
	lastSweep time.Time
	now       func() time.Time
}

// NewMemory creates an in-memory claim set
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

func (m *Memory) Claim(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if at, ok := m.seen[id]; ok && now.Sub(at) < m.ttl {
		return false, nil
	}
	m.seen[id] = now

	if now.Sub(m.lastSweep) >= m.ttl {
		m.sweep(now)
	}
	return true, nil
}

// sweep must be called with m.mu held
func (m *Memory) sweep(now time.Time) {
	for k, at := range m.seen {
		if now.Sub(at) >= m.ttl {
			delete(m.seen, k)
		}
	}
	m.lastSweep = now
}

// Len returns the number of remembered ids
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seen)
}
