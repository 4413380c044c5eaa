package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rhythmsession/server/internal/config"
	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) (*RateLimiter, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := &config.Config{
		RateLimitAPIGlobal:     "10-M",
		RateLimitAPIPublic:     "5-M",
		RateLimitAPIRooms:      "5-M",
		RateLimitAPIMessages:   "5-M",
		RateLimitWsIP:          "5-M",
		RateLimitWsUser:        "5-M",
		LoginBlacklistDuration: time.Minute,
	}

	rl, err := NewRateLimiter(cfg, rc)
	require.NoError(t, err)

	return rl, mr
}

func TestNewRateLimiter_Memory(t *testing.T) {
	cfg := &config.Config{
		RateLimitAPIGlobal:     "10-M",
		RateLimitAPIPublic:     "5-M",
		RateLimitAPIRooms:      "5-M",
		RateLimitAPIMessages:   "5-M",
		RateLimitWsIP:          "5-M",
		RateLimitWsUser:        "5-M",
		LoginBlacklistDuration: time.Minute,
	}
	rl, err := NewRateLimiter(cfg, nil)
	assert.NoError(t, err)
	assert.NotNil(t, rl)
}

func TestGlobalMiddleware_Public(t *testing.T) {
	rl, mr := newTestLimiter(t)
	defer mr.Close()

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(rl.GlobalMiddleware())
	r.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	for i := 0; i < 5; i++ {
		req, _ := http.NewRequest("GET", "/test", nil)
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, req)
		assert.Equal(t, http.StatusOK, resp.Code)
		assert.Equal(t, "5", resp.Header().Get("X-RateLimit-Limit"))
	}

	req, _ := http.NewRequest("GET", "/test", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusTooManyRequests, resp.Code)
}

func TestMiddlewareForEndpoint(t *testing.T) {
	rl, mr := newTestLimiter(t)
	defer mr.Close()

	r := gin.New()
	r.POST("/rooms", rl.MiddlewareForEndpoint("rooms"), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	for i := 0; i < 5; i++ {
		req, _ := http.NewRequest("POST", "/rooms", nil)
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, req)
		assert.Equal(t, http.StatusOK, resp.Code)
	}

	req, _ := http.NewRequest("POST", "/rooms", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusTooManyRequests, resp.Code)
}

func TestCheckWebSocket_IP(t *testing.T) {
	rl, mr := newTestLimiter(t)
	defer mr.Close()

	ctx, _ := gin.CreateTestContext(httptest.NewRecorder())
	ctx.Request, _ = http.NewRequest("GET", "/ws", nil)

	for i := 0; i < 5; i++ {
		assert.True(t, rl.CheckWebSocket(ctx))
	}
	assert.False(t, rl.CheckWebSocket(ctx))
}

func TestCheckWebSocketUser(t *testing.T) {
	rl, mr := newTestLimiter(t)
	defer mr.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		assert.NoError(t, rl.CheckWebSocketUser(ctx, "user1"))
	}
	assert.Error(t, rl.CheckWebSocketUser(ctx, "user1"))
}

func TestRedisFailure(t *testing.T) {
	rl, mr := newTestLimiter(t)
	mr.Close()

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(rl.GlobalMiddleware())
	r.GET("/fail-open", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	req, _ := http.NewRequest("GET", "/fail-open", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestAdminLoginLockout(t *testing.T) {
	rl, mr := newTestLimiter(t)
	defer mr.Close()

	ctx := context.Background()
	ip := "203.0.113.7"

	for i := 0; i < 8; i++ {
		allowed, err := rl.CheckAdminLogin(ctx, ip)
		require.NoError(t, err)
		assert.True(t, allowed)
		rl.RecordAdminLoginFailure(ctx, ip)
	}

	allowed, err := rl.CheckAdminLogin(ctx, ip)
	require.NoError(t, err)
	assert.False(t, allowed)
}
