// Package ratelimit implements HTTP and WebSocket rate limiting backed by
// an in-memory or Redis token-bucket store.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rhythmsession/server/internal/config"
	"github.com/rhythmsession/server/internal/logging"
	"github.com/rhythmsession/server/internal/metrics"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

// RateLimiter holds every rate limiter instance used by the web bridge.
type RateLimiter struct {
	apiGlobal   *limiter.Limiter
	apiPublic   *limiter.Limiter
	apiRooms    *limiter.Limiter
	apiMessages *limiter.Limiter
	wsIP        *limiter.Limiter
	wsUser      *limiter.Limiter
	adminLogin  *limiter.Limiter
	store       limiter.Store
}

// NewRateLimiter builds a RateLimiter from the given config. Pass a nil
// redisClient to fall back to an in-memory store.
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	apiGlobalRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPIGlobal)
	if err != nil {
		return nil, fmt.Errorf("invalid API global rate: %w", err)
	}
	apiPublicRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPIPublic)
	if err != nil {
		return nil, fmt.Errorf("invalid API public rate: %w", err)
	}
	apiRoomsRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPIRooms)
	if err != nil {
		return nil, fmt.Errorf("invalid API rooms rate: %w", err)
	}
	apiMessagesRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPIMessages)
	if err != nil {
		return nil, fmt.Errorf("invalid API messages rate: %w", err)
	}
	wsIPRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsIP)
	if err != nil {
		return nil, fmt.Errorf("invalid WS IP rate: %w", err)
	}
	wsUserRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsUser)
	if err != nil {
		return nil, fmt.Errorf("invalid WS user rate: %w", err)
	}
	// 8 failed attempts per IP over the configured blacklist window.
	adminLoginRate := limiter.Rate{
		Period: cfg.LoginBlacklistDuration,
		Limit:  8,
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "ratelimit:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "rate limiter using redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "rate limiter using memory store (redis disabled)")
	}

	return &RateLimiter{
		apiGlobal:   limiter.New(store, apiGlobalRate),
		apiPublic:   limiter.New(store, apiPublicRate),
		apiRooms:    limiter.New(store, apiRoomsRate),
		apiMessages: limiter.New(store, apiMessagesRate),
		wsIP:        limiter.New(store, wsIPRate),
		wsUser:      limiter.New(store, wsUserRate),
		adminLogin:  limiter.New(store, adminLoginRate),
		store:       store,
	}, nil
}

// GlobalMiddleware enforces the public API rate limit keyed by client IP.
func (rl *RateLimiter) GlobalMiddleware() gin.HandlerFunc {
	return rl.middlewareFor(rl.apiPublic, "global", func(c *gin.Context) string {
		return c.ClientIP()
	})
}

// MiddlewareForEndpoint enforces a named endpoint's rate limit, keyed by IP.
func (rl *RateLimiter) MiddlewareForEndpoint(endpointType string) gin.HandlerFunc {
	var inst *limiter.Limiter
	switch endpointType {
	case "rooms":
		inst = rl.apiRooms
	case "messages":
		inst = rl.apiMessages
	default:
		inst = rl.apiGlobal
	}
	return rl.middlewareFor(inst, endpointType, func(c *gin.Context) string {
		return c.ClientIP()
	})
}

func (rl *RateLimiter) middlewareFor(inst *limiter.Limiter, label string, keyFunc func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := keyFunc(c)
		ctx := c.Request.Context()
		lc, err := inst.Get(ctx, key)
		if err != nil {
			logging.Error(ctx, "rate limiter store failed", zap.Error(err), zap.String("label", label))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lc.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lc.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lc.Reset, 10))

		if lc.Reached {
			metrics.RateLimitExceeded.WithLabelValues(label, "limit_reached").Inc()
			c.Header("Retry-After", strconv.FormatInt(lc.Reset-time.Now().Unix(), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "too many requests",
				"retry_after": lc.Reset,
			})
			return
		}

		metrics.RateLimitRequests.WithLabelValues(label).Inc()
		c.Next()
	}
}

// CheckWebSocket applies the per-IP WebSocket connect limit before upgrade.
func (rl *RateLimiter) CheckWebSocket(c *gin.Context) bool {
	ctx := c.Request.Context()
	ip := c.ClientIP()
	lc, err := rl.wsIP.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "ws rate limiter store failed", zap.Error(err))
		return true
	}
	if lc.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "ip").Inc()
		c.Header("Retry-After", strconv.FormatInt(lc.Reset, 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connections from this IP"})
		return false
	}
	return true
}

// CheckWebSocketUser applies the per-user WebSocket connect limit after
// authentication succeeds.
func (rl *RateLimiter) CheckWebSocketUser(ctx context.Context, userID string) error {
	lc, err := rl.wsUser.Get(ctx, userID)
	if err != nil {
		logging.Error(ctx, "ws rate limiter store failed (user)", zap.Error(err))
		return nil
	}
	if lc.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "user").Inc()
		return fmt.Errorf("rate limit exceeded for user")
	}
	return nil
}

// CheckAdminLogin enforces the 8-failures-per-IP admin login lockout.
// Call RecordAdminLoginFailure on a failed attempt; a successful login does
// not need to report anything (the window simply expires).
func (rl *RateLimiter) CheckAdminLogin(ctx context.Context, ip string) (bool, error) {
	lc, err := rl.adminLogin.Peek(ctx, ip)
	if err != nil {
		return true, err
	}
	return lc.Remaining > 0, nil
}

// RecordAdminLoginFailure increments the failed-attempt counter for ip.
func (rl *RateLimiter) RecordAdminLoginFailure(ctx context.Context, ip string) {
	lc, err := rl.adminLogin.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "admin login limiter store failed", zap.Error(err))
		return
	}
	if lc.Remaining == 0 {
		metrics.AdminLockouts.Inc()
	}
}

// StandardMiddleware exposes the vendored gin middleware directly, for
// routes that don't need the custom header/metric wiring above.
func (rl *RateLimiter) StandardMiddleware() gin.HandlerFunc {
	return mgin.NewMiddleware(rl.apiPublic)
}
