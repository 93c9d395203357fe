package middleware

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter throttles authenticated requests with one token bucket per tenant.
type RateLimiter struct {
	limiters sync.Map // tenantID -> *cachedLimiter
	limit    rate.Limit
	burst    int
	ttl      time.Duration
	now      func() time.Time
}

// RateLimiterOption configures a RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithTTL sets how long an idle tenant's bucket is kept.
func WithTTL(ttl time.Duration) RateLimiterOption {
	return func(rl *RateLimiter) {
		rl.ttl = ttl
	}
}

// WithLimit sets the sustained rate and burst. A non-positive rps disables limiting.
func WithLimit(rps float64, burst int) RateLimiterOption {
	return func(rl *RateLimiter) {
		rl.limit = rate.Limit(rps)
		rl.burst = burst
	}
}

// NewRateLimiter returns a limiter allowing 20 req/s with a burst of 40 by default.
func NewRateLimiter(opts ...RateLimiterOption) *RateLimiter {
	rl := &RateLimiter{
		limit: 20,
		burst: 40,
		ttl:   5 * time.Minute,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(rl)
	}
	return rl
}

// Middleware must run after AuthMiddleware.
func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := UserFromContext(r.Context())
			if !ok {
				writeError(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			if rl.limit > 0 && !rl.limiterFor(user.TenantID).Allow() {
				w.Header().Set("Retry-After", "1")
				writeError(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type cachedLimiter struct {
	limiter   *rate.Limiter
	expiresAt time.Time
}

func (rl *RateLimiter) limiterFor(tenantID string) *rate.Limiter {
	now := rl.now()
	if v, ok := rl.limiters.Load(tenantID); ok {
		cached := v.(*cachedLimiter)
		if now.Before(cached.expiresAt) {
			return cached.limiter
		}
	}

	burst := rl.burst
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rl.limit, burst)
	rl.limiters.Store(tenantID, &cachedLimiter{
		limiter:   limiter,
		expiresAt: now.Add(rl.ttl),
	})
	return limiter
}
