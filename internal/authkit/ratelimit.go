package authkit

import (
	"sync"
	"time"

	"github.com/ascent-team/ascent-core/internal/apierror"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const limiterIdleTimeout = 10 * time.Minute

// LoginLimiter throttles login attempts per client ip with a token bucket.
type LoginLimiter struct {
	mutex       sync.Mutex
	buckets     map[string]*limiterBucket
	limit       rate.Limit
	burst       int
	now         func() time.Time
	lastCleanup time.Time
}

type limiterBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLoginLimiter allows perMinute attempts per ip, all available as a burst.
// A non-positive perMinute disables throttling.
func NewLoginLimiter(perMinute int) *LoginLimiter {
	limit := rate.Inf
	burst := 0
	if perMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(perMinute))
		burst = perMinute
	}
	return &LoginLimiter{
		buckets: make(map[string]*limiterBucket),
		limit:   limit,
		burst:   burst,
		now:     time.Now,
	}
}

// Allow consumes one attempt for key.
func (limiter *LoginLimiter) Allow(key string) bool {
	if limiter.limit == rate.Inf {
		return true
	}
	limiter.mutex.Lock()
	defer limiter.mutex.Unlock()

	now := limiter.now()
	limiter.cleanupLocked(now)
	bucket, ok := limiter.buckets[key]
	if !ok {
		bucket = &limiterBucket{limiter: rate.NewLimiter(limiter.limit, limiter.burst)}
		limiter.buckets[key] = bucket
	}
	bucket.lastSeen = now
	return bucket.limiter.AllowN(now, 1)
}

func (limiter *LoginLimiter) cleanupLocked(now time.Time) {
	if now.Sub(limiter.lastCleanup) < limiterIdleTimeout {
		return
	}
	limiter.lastCleanup = now
	for key, bucket := range limiter.buckets {
		if now.Sub(bucket.lastSeen) > limiterIdleTimeout {
			delete(limiter.buckets, key)
		}
	}
}

// Middleware rejects requests over the limit with 429.
func (limiter *LoginLimiter) Middleware() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		if !limiter.Allow(contextGin.ClientIP()) {
			apierror.Write(contextGin, nil, apierror.ErrTooManyRequests)
			return
		}
		contextGin.Next()
	}
}
