package registry

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cooldown guards the refresh loop against hammering the discovery backend
// while it is failing: a failed refresh arms the cooldown, and subsequent
// refresh attempts are skipped until it expires. Two backends are available:
// a Redis-backed cooldown shared across gateway replicas, and an in-process
// one for single-instance deployments.
type Cooldown interface {
	// Arm starts (or restarts) the cooldown for d.
	Arm(ctx context.Context, d time.Duration)
	// Active reports whether a cooldown is currently in effect.
	Active(ctx context.Context) bool
}

const cooldownKey = "registry:refresh:cooldown"

// RedisCooldown stores the cooldown flag as a TTL'd Redis key so that all
// replicas back off together after one of them sees discovery fail. Redis
// errors never block a refresh — they only disable the cooldown check
// (graceful degradation).
type RedisCooldown struct {
	rdb *redis.Client
}

// NewRedisCooldown wraps an already-connected Redis client.
func NewRedisCooldown(rdb *redis.Client) *RedisCooldown {
	return &RedisCooldown{rdb: rdb}
}

func (c *RedisCooldown) Arm(ctx context.Context, d time.Duration) {
	_ = c.rdb.Set(ctx, cooldownKey, "1", d).Err()
}

func (c *RedisCooldown) Active(ctx context.Context) bool {
	n, err := c.rdb.Exists(ctx, cooldownKey).Result()
	if err != nil {
		return false
	}
	return n > 0
}

// MemoryCooldown is the in-process default: a single expiry timestamp behind
// a mutex. Not shared across replicas.
type MemoryCooldown struct {
	mu    sync.Mutex
	until time.Time
}

// NewMemoryCooldown creates an unarmed MemoryCooldown.
func NewMemoryCooldown() *MemoryCooldown { return &MemoryCooldown{} }

func (c *MemoryCooldown) Arm(_ context.Context, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.until = time.Now().Add(d)
}

func (c *MemoryCooldown) Active(_ context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().Before(c.until)
}
