// Package ratelimit enforces the per-user request budget of the HTTP API.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Defaults: ten requests per user per hour.
const (
	DefaultLimit  = 10
	DefaultWindow = time.Hour
)

// Decision is the outcome of one request check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter decides whether a user may make another request.
type Limiter interface {
	Allow(ctx context.Context, userID string) (Decision, error)
}

// Config sets the budget.
type Config struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

func (c Config) withDefaults() Config {
	if c.Limit <= 0 {
		c.Limit = DefaultLimit
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	return c
}

// RequestsKey is the sorted set holding a user's request timestamps.
func RequestsKey(userID string) string {
	return fmt.Sprintf("user:%s:requests", userID)
}

// MemoryLimiter keeps one token bucket per user in process. A bucket holds
// Limit tokens and refills over Window.
type MemoryLimiter struct {
	cfg Config
	now func() time.Time

	mu    sync.Mutex
	users map[string]*userBucket
}

type userBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// maxIdleUsers is the map size past which idle buckets are swept.
const maxIdleUsers = 10000

// NewMemoryLimiter creates an in-process limiter.
func NewMemoryLimiter(cfg Config) *MemoryLimiter {
	return &MemoryLimiter{
		cfg:   cfg.withDefaults(),
		now:   time.Now,
		users: make(map[string]*userBucket),
	}
}

// Allow implements Limiter.
func (m *MemoryLimiter) Allow(ctx context.Context, userID string) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.users[userID]
	if !ok {
		if len(m.users) >= maxIdleUsers {
			m.sweep(now)
		}
		every := rate.Every(m.cfg.Window / time.Duration(m.cfg.Limit))
		b = &userBucket{limiter: rate.NewLimiter(every, m.cfg.Limit)}
		m.users[userID] = b
	}
	b.lastSeen = now

	res := b.limiter.ReserveN(now, 1)
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return Decision{Allowed: false, RetryAfter: delay}, nil
	}
	return Decision{Allowed: true, Remaining: int(b.limiter.TokensAt(now))}, nil
}

// sweep drops buckets idle for a full window; they would be full again.
func (m *MemoryLimiter) sweep(now time.Time) {
	for id, b := range m.users {
		if now.Sub(b.lastSeen) >= m.cfg.Window {
			delete(m.users, id)
		}
	}
}
