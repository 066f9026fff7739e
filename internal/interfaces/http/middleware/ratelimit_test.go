package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestRateLimiter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(3, time.Minute)
	rl.now = func() time.Time { return now }

	t.Run("allows up to the limit", func(t *testing.T) {
		for i := 2; i >= 0; i-- {
			ok, remaining := rl.Allow("10.0.0.1")
			assert.True(t, ok)
			assert.Equal(t, i, remaining)
		}
		ok, remaining := rl.Allow("10.0.0.1")
		assert.False(t, ok)
		assert.Equal(t, 0, remaining)
	})

	t.Run("keys are independent", func(t *testing.T) {
		ok, _ := rl.Allow("10.0.0.2")
		assert.True(t, ok)
	})

	t.Run("window reset restores tokens", func(t *testing.T) {
		now = now.Add(time.Minute)
		ok, remaining := rl.Allow("10.0.0.1")
		assert.True(t, ok)
		assert.Equal(t, 2, remaining)
	})

	t.Run("evicts idle clients", func(t *testing.T) {
		now = now.Add(3 * time.Minute)
		rl.evict()
		rl.mu.Lock()
		defer rl.mu.Unlock()
		assert.Empty(t, rl.clients)
	})
}

func TestRateLimiter_RunStopsOnCancel(t *testing.T) {
	rl := NewRateLimiter(1, time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		rl.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)

	router := gin.New()
	router.Use(RequestID(), RateLimit(rl))
	router.POST("/api/v1/reconciliation/run", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/reconciliation/run", nil)
		req.RemoteAddr = "192.0.2.10:5000"
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	w := send()
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Remaining"))

	assert.Equal(t, http.StatusOK, send().Code)

	w = send()
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "RATE_LIMITED")
}
