package api

import (
	"context"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/stockfeed/stockfeed/internal/cache"
)

// WriteLimiter decides whether subject may perform another write
type WriteLimiter interface {
	Allow(ctx context.Context, subject string) (bool, error)
}

// NewWriteLimiter returns a Redis fixed-window limiter shared by every
// instance, or a per-process token bucket when Redis is off. A non-positive
// perMinute disables limiting.
func NewWriteLimiter(redis *cache.Cache, perMinute int) WriteLimiter {
	if perMinute <= 0 {
		return nil
	}
	if redis != nil {
		return &redisWindow{cache: redis, limit: int64(perMinute), window: time.Minute}
	}
	return newLocalBuckets(perMinute, time.Now)
}

type redisWindow struct {
	cache  *cache.Cache
	limit  int64
	window time.Duration
}

func (w *redisWindow) Allow(ctx context.Context, subject string) (bool, error) {
	count, err := w.cache.IncrWindow(ctx, "ratelimit:write:"+cache.HashKey(subject), w.window)
	if err != nil {
		return true, err
	}
	return count <= w.limit, nil
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// localBuckets keeps one token bucket per subject. A bucket idle for a full
// refill period is back at its burst, so it is dropped and recreated on the
// next request.
type localBuckets struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	idle      time.Duration
	buckets   map[string]*bucket
	lastSweep time.Time
	now       func() time.Time
}

func newLocalBuckets(perMinute int, now func() time.Time) *localBuckets {
	return &localBuckets{
		limit:     rate.Every(time.Minute / time.Duration(perMinute)),
		burst:     perMinute,
		idle:      time.Minute,
		buckets:   make(map[string]*bucket),
		lastSweep: now(),
		now:       now,
	}
}

func (b *localBuckets) Allow(ctx context.Context, subject string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if now.Sub(b.lastSweep) >= b.idle {
		b.sweep(now)
	}

	bk, ok := b.buckets[subject]
	if !ok {
		bk = &bucket{limiter: rate.NewLimiter(b.limit, b.burst)}
		b.buckets[subject] = bk
	}
	bk.lastSeen = now
	return bk.limiter.AllowN(now, 1), nil
}

func (b *localBuckets) sweep(now time.Time) {
	for subject, bk := range b.buckets {
		if now.Sub(bk.lastSeen) >= b.idle {
			delete(b.buckets, subject)
		}
	}
	b.lastSweep = now
}

// limitWrites rejects callers that exceed the write limit. Limiter failures
// let the request through.
func (r *Router) limitWrites() gin.HandlerFunc {
	return func(c *gin.Context) {
		if r.Limiter == nil {
			c.Next()
			return
		}

		subject := c.GetHeader(UserHeader)
		if subject == "" {
			subject = c.ClientIP()
		}

		ok, err := r.Limiter.Allow(c.Request.Context(), subject)
		if err != nil {
			r.logger.Warn("Write limiter unavailable", zap.Error(err))
		}
		if !ok {
			r.sendError(c, "rate_limit", ErrRateLimitExceeded)
			return
		}
		c.Next()
	}
}
