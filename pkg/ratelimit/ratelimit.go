// Package ratelimit enforces a per-model token budget in front of job
// submission, distinct from the queue's own depth limit and from a
// request's priority: a model can be rate-limited while its queue still
// has room, and vice versa. Grounded on the teacher's Redis Lua token
// bucket (filters/ratelimit/global.go), reworked from a per-tenant
// key scheme into a per-model one and with a golang.org/x/time/rate
// fallback for single-instance deployments with no Redis configured.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"golang.org/x/time/rate"

	"github.com/GridLLM/GridLLM/pkg/gridlog"
)

var log = gridlog.NewLogger("ratelimit")

// Limiter is a per-model token-rate limiter.
type Limiter interface {
	// AllowN reports whether n tokens may be consumed for model right
	// now. A false result means the caller should reject or defer the
	// request rather than enqueue it.
	AllowN(ctx context.Context, model string, n int) bool
}

const luaTokenBucket = `
local key = KEYS[1]
local requested = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local refill_rate = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local expire_seconds = tonumber(ARGV[5])

local data = redis.call('hmget', key, 'tokens', 'last_update')
local tokens = tonumber(data[1]) or capacity
local last_update = tonumber(data[2]) or now

local elapsed = math.max(0, now - last_update)
tokens = math.min(capacity, tokens + elapsed * refill_rate)

if tokens >= requested then
	tokens = tokens - requested
	redis.call('hmset', key, 'tokens', tokens, 'last_update', now)
	redis.call('expire', key, expire_seconds)
	return 1
end

redis.call('hmset', key, 'tokens', tokens, 'last_update', now)
redis.call('expire', key, expire_seconds)
return 0
`

// RedisLimiter shares a token-bucket rate limit across every gateway
// instance via Redis, for multi-instance deployments.
type RedisLimiter struct {
	client       *redis.Client
	keyPrefix    string
	limitPerUnit float64
	unit         time.Duration
	burst        int
}

// NewRedisLimiter creates a RedisLimiter allowing up to limitPerUnit tokens
// per unit of time, per model, with burst capacity equal to limitPerUnit.
func NewRedisLimiter(client *redis.Client, keyPrefix string, limitPerUnit float64, unit time.Duration) *RedisLimiter {
	return &RedisLimiter{
		client:       client,
		keyPrefix:    keyPrefix,
		limitPerUnit: limitPerUnit,
		unit:         unit,
		burst:        int(limitPerUnit),
	}
}

func (r *RedisLimiter) refillRate() float64 {
	return r.limitPerUnit / r.unit.Seconds()
}

func (r *RedisLimiter) AllowN(ctx context.Context, model string, n int) bool {
	key := fmt.Sprintf("%s:%s", r.keyPrefix, model)
	now := float64(time.Now().UnixNano()) / 1e9
	expireSeconds := int(r.unit.Seconds() * 3)
	if expireSeconds < 600 {
		expireSeconds = 600
	}

	res := r.client.Eval(ctx, luaTokenBucket, []string{key}, n, r.burst, r.refillRate(), now, expireSeconds)
	if res.Err() != nil {
		log.Errorf("rate limit lua script failed for model %s: %v", model, res.Err())
		return true // fail open: a broken limiter should not take the gateway down
	}
	allowed, ok := res.Val().(int64)
	if !ok {
		log.Errorf("unexpected rate limit script result type %T for model %s", res.Val(), model)
		return true
	}
	return allowed == 1
}

// LocalLimiter is an in-process fallback for single-instance deployments
// with no Redis configured, backed by golang.org/x/time/rate.
type LocalLimiter struct {
	limitPerUnit float64
	unit         time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	newFn    func() *rate.Limiter
}

// NewLocalLimiter creates a LocalLimiter allowing up to limitPerUnit tokens
// per unit of time, per model, tracked independently in this process.
func NewLocalLimiter(limitPerUnit float64, unit time.Duration) *LocalLimiter {
	perSecond := rate.Limit(limitPerUnit / unit.Seconds())
	return &LocalLimiter{
		limitPerUnit: limitPerUnit,
		unit:         unit,
		limiters:     make(map[string]*rate.Limiter),
		newFn:        func() *rate.Limiter { return rate.NewLimiter(perSecond, int(limitPerUnit)) },
	}
}

func (l *LocalLimiter) AllowN(ctx context.Context, model string, n int) bool {
	l.mu.Lock()
	lim, ok := l.limiters[model]
	if !ok {
		lim = l.newFn()
		l.limiters[model] = lim
	}
	l.mu.Unlock()
	return lim.AllowN(time.Now(), n)
}
