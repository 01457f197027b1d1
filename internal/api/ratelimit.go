package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
)

// RateConfig is a token bucket: Rate tokens per second up to Burst.
type RateConfig struct {
	Rate  float64
	Burst float64
}

// RateLimiter throttles writes per location key with a token bucket kept
// in Redis, so every API replica shares the same budget for a key.
type RateLimiter struct {
	client *redis.Client
	cfg    RateConfig
	prefix string
	script *redis.Script
}

// NewRateLimiter returns nil, which disables limiting, when client is nil or
// the rate is not positive.
func NewRateLimiter(client *redis.Client, prefix string, cfg RateConfig) *RateLimiter {
	if client == nil || cfg.Rate <= 0 || cfg.Burst <= 0 {
		return nil
	}
	return &RateLimiter{client: client, cfg: cfg, prefix: prefix, script: redis.NewScript(tokenBucketLua)}
}

// Middleware rejects writes to a key that exhausted its bucket with 429.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	if l == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, retryAfter, err := l.Allow(r.Context(), chi.URLParam(r, "key"))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			w.Header().Set("Retry-After", formatRetryAfter(retryAfter))
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Allow takes one token for key and reports how long to wait when none is left.
func (l *RateLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	bucket := fmt.Sprintf("%s:rl:%s", l.prefix, key)
	res, err := l.script.Run(ctx, l.client, []string{bucket}, time.Now().UnixMilli(), l.cfg.Rate, l.cfg.Burst).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("token bucket: %w", err)
	}
	if len(res) != 2 {
		return false, 0, errors.New("token bucket: unexpected reply")
	}
	if res[0] == 1 {
		return true, 0, nil
	}
	return false, time.Duration(res[1]) * time.Millisecond, nil
}

func formatRetryAfter(d time.Duration) string {
	seconds := int((d + time.Second - 1) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}

// tokenBucketLua replies {allowed, wait_ms}. Lua numbers become integers in
// replies, so the wait is returned in whole milliseconds.
const tokenBucketLua = `
local now_ms = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local capacity = tonumber(ARGV[3])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1]) or capacity
local last = tonumber(state[2]) or now_ms

local elapsed = math.max(0, now_ms - last)
tokens = math.min(capacity, tokens + elapsed * rate / 1000)

local allowed = 0
local wait_ms = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
else
  wait_ms = math.ceil((1 - tokens) / rate * 1000)
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'ts', tostring(now_ms))
redis.call('PEXPIRE', KEYS[1], math.ceil(capacity / rate * 1000))
return {allowed, wait_ms}
`
