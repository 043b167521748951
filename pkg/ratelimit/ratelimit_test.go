package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, float64(10), cfg.Rate)
	assert.Equal(t, 20, cfg.Burst)
	assert.Equal(t, time.Minute, cfg.CleanupInterval)
	assert.Equal(t, "subject", cfg.IdentityKey)
}

func TestNew(t *testing.T) {
	t.Run("sets default cleanup interval and max age", func(t *testing.T) {
		rl := New(Config{Rate: 10, Burst: 20})
		defer rl.Stop()

		assert.Equal(t, time.Minute, rl.Config().CleanupInterval)
		assert.Equal(t, 5*time.Minute, rl.Config().MaxAge)
	})

	t.Run("stop is idempotent", func(t *testing.T) {
		rl := New(Config{Rate: 1, Burst: 1})
		rl.Stop()
		assert.NotPanics(t, rl.Stop)
	})
}

func TestAllow(t *testing.T) {
	t.Run("allows requests within burst limit then blocks", func(t *testing.T) {
		rl := New(Config{Rate: 1, Burst: 5, CleanupInterval: time.Hour, MaxAge: time.Hour})
		defer rl.Stop()

		for i := 0; i < 5; i++ {
			assert.True(t, rl.Allow("192.168.1.1"), "request %d should be allowed", i)
		}
		assert.False(t, rl.Allow("192.168.1.1"))
	})

	t.Run("tracks keys independently", func(t *testing.T) {
		rl := New(Config{Rate: 1, Burst: 1, CleanupInterval: time.Hour, MaxAge: time.Hour})
		defer rl.Stop()

		assert.True(t, rl.Allow("a"))
		assert.False(t, rl.Allow("a"))
		assert.True(t, rl.Allow("b"))
		assert.Equal(t, 2, rl.Len())
	})

	t.Run("refills over time", func(t *testing.T) {
		rl := New(Config{Rate: 100, Burst: 1, CleanupInterval: time.Hour, MaxAge: time.Hour})
		defer rl.Stop()

		assert.True(t, rl.Allow("a"))
		assert.False(t, rl.Allow("a"))
		time.Sleep(30 * time.Millisecond)
		assert.True(t, rl.Allow("a"))
	})
}

func newRouter(rl *Limiter, subject string) *gin.Engine {
	r := gin.New()
	if subject != "" {
		r.Use(func(c *gin.Context) { c.Set("subject", subject) })
	}
	r.Use(rl.Middleware())
	r.POST("/send-email", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func doRequest(r http.Handler, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/send-email", nil)
	req.RemoteAddr = remote
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestMiddleware(t *testing.T) {
	t.Run("returns 429 with envelope when exhausted", func(t *testing.T) {
		rl := New(Config{Rate: 0.001, Burst: 2, CleanupInterval: time.Hour, MaxAge: time.Hour})
		defer rl.Stop()
		r := newRouter(rl, "")

		assert.Equal(t, http.StatusOK, doRequest(r, "10.0.0.1:1234").Code)
		assert.Equal(t, http.StatusOK, doRequest(r, "10.0.0.1:1234").Code)

		w := doRequest(r, "10.0.0.1:1234")
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, "1", w.Header().Get("Retry-After"))
		assert.Contains(t, w.Body.String(), `"success":false`)
		assert.Contains(t, w.Body.String(), "RATE_LIMITED")

		assert.Equal(t, http.StatusOK, doRequest(r, "10.0.0.2:1234").Code, "other IPs unaffected")
	})

	t.Run("authenticated callers share a bucket across IPs", func(t *testing.T) {
		rl := New(Config{Rate: 0.001, Burst: 1, CleanupInterval: time.Hour, MaxAge: time.Hour, IdentityKey: "subject"})
		defer rl.Stop()
		r := newRouter(rl, "billing-service")

		assert.Equal(t, http.StatusOK, doRequest(r, "10.0.0.1:1234").Code)
		assert.Equal(t, http.StatusTooManyRequests, doRequest(r, "10.0.0.2:1234").Code)
	})
}

func TestCleanup(t *testing.T) {
	rl := New(Config{Rate: 10, Burst: 10, CleanupInterval: 10 * time.Millisecond, MaxAge: 20 * time.Millisecond})
	defer rl.Stop()

	rl.Allow("a")
	rl.Allow("b")
	require.Equal(t, 2, rl.Len())

	assert.Eventually(t, func() bool { return rl.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestConcurrency(t *testing.T) {
	rl := New(Config{Rate: 1, Burst: 50, CleanupInterval: time.Hour, MaxAge: time.Hour})
	defer rl.Stop()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if rl.Allow("shared") {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.GreaterOrEqual(t, allowed, 50)
	assert.LessOrEqual(t, allowed, 52)
}
