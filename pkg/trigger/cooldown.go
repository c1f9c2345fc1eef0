package trigger

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/danvoulez/logline-motor/pkg/motorerr"
)

// CooldownStore gates firings per cooldown key. Claim is check-and-mark in
// one step: a successful claim starts the cooldown window immediately, so
// two concurrent claims for the same key cannot both succeed.
type CooldownStore interface {
	Claim(ctx context.Context, key string, cooldown time.Duration) (bool, error)
}

// MemoryCooldown is the in-process cooldown store.
type MemoryCooldown struct {
	mu        sync.Mutex
	lastFired map[string]time.Time
	now       func() time.Time
}

// NewMemoryCooldown creates an empty in-process store.
func NewMemoryCooldown() *MemoryCooldown {
	return &MemoryCooldown{
		lastFired: make(map[string]time.Time),
		now:       time.Now,
	}
}

// Claim implements CooldownStore.
func (m *MemoryCooldown) Claim(_ context.Context, key string, cooldown time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if last, ok := m.lastFired[key]; ok && cooldown > 0 && now.Sub(last) < cooldown {
		return false, nil
	}
	m.lastFired[key] = now
	return true, nil
}

// redisClaimScript checks and marks a cooldown key atomically.
// KEYS[1] = cooldown key (e.g. "cooldown:notify-owner:actor-1")
// ARGV[1] = cooldown in milliseconds
var redisClaimScript = redis.NewScript(`
local key = KEYS[1]
local ttl_ms = tonumber(ARGV[1])

if redis.call("EXISTS", key) == 1 then
    return 0
end

if ttl_ms > 0 then
    redis.call("SET", key, "1", "PX", ttl_ms)
end
return 1
`)

// RedisCooldown is the shared cooldown store for multi-process deployments.
type RedisCooldown struct {
	client *redis.Client
}

// NewRedisCooldown connects a cooldown store to Redis.
func NewRedisCooldown(addr, password string, db int) *RedisCooldown {
	return &RedisCooldown{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

// Claim implements CooldownStore via the Lua check-and-mark script.
func (r *RedisCooldown) Claim(ctx context.Context, key string, cooldown time.Duration) (bool, error) {
	res, err := redisClaimScript.Run(ctx, r.client, []string{"cooldown:" + key}, cooldown.Milliseconds()).Result()
	if err != nil {
		return false, motorerr.Wrap(motorerr.KindStorageUnavailable, "cooldown claim failed", err).With("key", key)
	}
	claimed, ok := res.(int64)
	if !ok {
		return false, motorerr.New(motorerr.KindStorageUnavailable, "unexpected cooldown script result").With("key", key)
	}
	return claimed == 1, nil
}

// Close releases the Redis connection pool.
func (r *RedisCooldown) Close() error {
	return r.client.Close()
}
