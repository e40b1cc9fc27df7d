package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-sat/internal/config"
	"github.com/stemsi/exstem-sat/internal/response"
)

// RateLimiter is a fixed-window limiter shared by every API instance through
// Redis. Requests are counted per authenticated student.
type RateLimiter struct {
	rdb      *redis.Client
	rate     int
	interval time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

// NewRateLimiter creates a RateLimiter (e.g., 240 requests per minute).
func NewRateLimiter(rdb *redis.Client, rate int, interval time.Duration, log zerolog.Logger) *RateLimiter {
	return &RateLimiter{
		rdb:      rdb,
		rate:     rate,
		interval: interval,
		now:      time.Now,
		log:      log.With().Str("component", "rate_limiter").Logger(),
	}
}

// Middleware returns a Gin middleware that rate-limits requests by student.
// It must run after RequireStudentJWT.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := GetClaims(c)
		if claims == nil || rl.rate <= 0 {
			c.Next()
			return
		}

		count, err := rl.hit(c.Request.Context(), claims.UserID)
		if err != nil {
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.rate))
		if count > int64(rl.rate) {
			c.Header("Retry-After", strconv.Itoa(int(rl.interval.Seconds())))
			response.AbortFail(c, http.StatusTooManyRequests, response.ErrRateLimitExceeded)
			return
		}
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(int64(rl.rate)-count, 10))
		c.Next()
	}
}

// Allow counts one save for the student outside of an HTTP request, such as
// a WebSocket message, and reports whether it fits the current window.
func (rl *RateLimiter) Allow(ctx context.Context, studentID int) bool {
	if rl.rate <= 0 {
		return true
	}
	count, err := rl.hit(ctx, studentID)
	if err != nil {
		return true
	}
	return count <= int64(rl.rate)
}

// hit increments the student's counter for the current window. Errors mean
// the counter is unavailable; callers let the save through.
func (rl *RateLimiter) hit(ctx context.Context, studentID int) (int64, error) {
	window := rl.now().UnixNano() / int64(rl.interval)
	key := config.CacheKey.StudentSaveRateKey(studentID, window)

	pipe := rl.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, rl.interval)
	if _, err := pipe.Exec(ctx); err != nil {
		rl.log.Warn().Err(err).Int("student_id", studentID).Msg("Rate limit counter unavailable")
		return 0, err
	}
	return incr.Val(), nil
}
