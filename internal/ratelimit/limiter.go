// Package ratelimit implements the per-(account,action) rate limiter: a
// token bucket counted in the shared cache so every process sees the same
// budget, falling back to a local token bucket (golang.org/x/time/rate)
// when the cache is unreachable and reconverging once it recovers.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/alejandrodnm/perpengine/internal/ports"
)

// Action is a rate-limited client action.
type Action string

const (
	ActionPlaceOrder      Action = "PLACE_ORDER"
	ActionModifyPosition  Action = "MODIFY_POSITION"
	ActionClosePosition   Action = "CLOSE_POSITION"
	ActionSubscribe       Action = "SUBSCRIBE"
	ActionUnsubscribe     Action = "UNSUBSCRIBE"
	ActionDefault         Action = "DEFAULT"
)

// defaultLimits is the per-second budget for each action, applied unless
// overridden by Config.
var defaultLimits = map[Action]int{
	ActionPlaceOrder:     10,
	ActionModifyPosition: 20,
	ActionClosePosition:  20,
	ActionSubscribe:      5,
	ActionUnsubscribe:    5,
	ActionDefault:        100,
}

// Config overrides the default per-action limits.
type Config struct {
	LimitsPerSecond map[Action]int
}

// Limiter decides whether an account may perform an action this second.
// It is safe for concurrent use.
type Limiter struct {
	cache   ports.Cache
	log     *slog.Logger
	limits  map[Action]int

	mu       sync.Mutex
	degraded bool
	local    map[string]*rate.Limiter
}

// New constructs a Limiter backed by cache, with local fallback limiters
// built lazily per (account, action) key.
func New(cache ports.Cache, log *slog.Logger, cfg Config) *Limiter {
	limits := make(map[Action]int, len(defaultLimits))
	for a, n := range defaultLimits {
		limits[a] = n
	}
	for a, n := range cfg.LimitsPerSecond {
		limits[a] = n
	}
	return &Limiter{
		cache:  cache,
		log:    log,
		limits: limits,
		local:  make(map[string]*rate.Limiter),
	}
}

func (l *Limiter) limitFor(action Action) int {
	if n, ok := l.limits[action]; ok {
		return n
	}
	return l.limits[ActionDefault]
}

func bucketKey(accountID string, action Action) string {
	return fmt.Sprintf("ratelimit:%s:%s", accountID, action)
}

// Allow reports whether accountID may perform action now. It prefers the
// shared cache so every process observes the same budget; if the cache is
// unhealthy it degrades to a local token bucket whose rate and burst are
// both the same per-second limit. It is not a sliding window: spent tokens
// refill continuously, not at a window boundary. The degradation is
// logged exactly once per transition.
func (l *Limiter) Allow(ctx context.Context, accountID string, action Action) (bool, error) {
	limit := l.limitFor(action)

	if l.cache.Healthy() {
		l.clearDegraded()
		count, err := l.cache.Incr(ctx, bucketKey(accountID, action), time.Second)
		if err != nil {
			return l.allowLocal(accountID, action, limit), nil
		}
		return count <= int64(limit), nil
	}

	return l.allowLocal(accountID, action, limit), nil
}

func (l *Limiter) allowLocal(accountID string, action Action, limit int) bool {
	l.mu.Lock()
	if !l.degraded {
		l.degraded = true
		l.log.Warn("rate limiter degraded to local fallback, shared cache unreachable")
	}
	key := string(action) + ":" + accountID
	lim, ok := l.local[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(limit), limit)
		l.local[key] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

func (l *Limiter) clearDegraded() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.degraded {
		l.degraded = false
		l.log.Info("rate limiter reconverged on shared cache")
		l.local = make(map[string]*rate.Limiter)
	}
}

// Degraded reports whether the limiter is currently operating against its
// local fallback rather than the shared cache.
func (l *Limiter) Degraded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.degraded
}
