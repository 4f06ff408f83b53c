package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowchat/burrow/internal/v1/config"
)

func testConfig() *config.Config {
	return &config.Config{
		RateLimitAPIGlobal: "1000-M",
		RateLimitAPIRooms:  "3-M",
		RateLimitUploads:   "30-M",
	}
}

func TestHTTPLimiter_MemoryStore(t *testing.T) {
	gin.SetMode(gin.TestMode)

	rl, err := NewHTTPLimiter(testConfig(), nil)
	require.NoError(t, err)

	r := gin.New()
	r.GET("/rooms", rl.MiddlewareForEndpoint("rooms"), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	var lastCode int
	for i := 0; i < 4; i++ {
		req, _ := http.NewRequest("GET", "/rooms", nil)
		req.RemoteAddr = "203.0.113.7:1234"
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, req)
		lastCode = resp.Code
	}

	assert.Equal(t, http.StatusTooManyRequests, lastCode)
}

func TestHTTPLimiter_RedisStore(t *testing.T) {
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	rl, err := NewHTTPLimiter(testConfig(), client)
	require.NoError(t, err)

	r := gin.New()
	r.GET("/x", rl.GlobalMiddleware(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	req, _ := http.NewRequest("GET", "/x", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusOK, resp.Code)
	assert.NotEmpty(t, resp.Header().Get("X-RateLimit-Limit"))
}

func TestHTTPLimiter_InvalidRate(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitAPIGlobal = "banana"

	_, err := NewHTTPLimiter(cfg, nil)
	require.Error(t, err)
}
