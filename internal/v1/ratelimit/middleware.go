package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/burrowchat/burrow/internal/v1/config"
	"github.com/burrowchat/burrow/internal/v1/logging"
	"github.com/burrowchat/burrow/internal/v1/metrics"
)

// HTTPLimiter gates the HTTP surface per client IP. The room's ingress
// limiter is separate and lives in the Sharded registry.
type HTTPLimiter struct {
	apiGlobal *limiter.Limiter
	apiRooms  *limiter.Limiter
	uploads   *limiter.Limiter
	store     limiter.Store
}

// NewHTTPLimiter builds the per-endpoint limiters from config. When
// redisClient is nil, limits are tracked in process memory.
func NewHTTPLimiter(cfg *config.Config, redisClient *redis.Client) (*HTTPLimiter, error) {
	globalRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPIGlobal)
	if err != nil {
		return nil, fmt.Errorf("invalid API global rate: %w", err)
	}

	roomsRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPIRooms)
	if err != nil {
		return nil, fmt.Errorf("invalid API rooms rate: %w", err)
	}

	uploadsRate, err := limiter.NewRateFromFormatted(cfg.RateLimitUploads)
	if err != nil {
		return nil, fmt.Errorf("invalid uploads rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
	} else {
		store = memory.NewStore()
	}

	return &HTTPLimiter{
		apiGlobal: limiter.New(store, globalRate),
		apiRooms:  limiter.New(store, roomsRate),
		uploads:   limiter.New(store, uploadsRate),
		store:     store,
	}, nil
}

// GlobalMiddleware enforces the global per-IP limit on every API request.
func (rl *HTTPLimiter) GlobalMiddleware() gin.HandlerFunc {
	return rl.middleware(rl.apiGlobal, "global")
}

// MiddlewareForEndpoint enforces a specific endpoint limit.
func (rl *HTTPLimiter) MiddlewareForEndpoint(endpointType string) gin.HandlerFunc {
	switch endpointType {
	case "rooms":
		return rl.middleware(rl.apiRooms, endpointType)
	case "uploads":
		return rl.middleware(rl.uploads, endpointType)
	default:
		return rl.middleware(rl.apiGlobal, endpointType)
	}
}

func (rl *HTTPLimiter) middleware(l *limiter.Limiter, surface string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		lctx, err := l.Get(ctx, c.ClientIP())
		if err != nil {
			// Fail open: availability over strictness when the store is down.
			logging.Error(ctx, "Rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues(surface, "ip").Inc()
			c.Header("Retry-After", strconv.FormatInt(lctx.Reset-time.Now().Unix(), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Too many requests",
				"retry_after": lctx.Reset,
			})
			return
		}

		metrics.RateLimitRequests.WithLabelValues(surface).Inc()
		c.Next()
	}
}
