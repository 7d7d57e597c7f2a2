package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestLimiterStore_AllowAndCleanup(t *testing.T) {
	// allow 5 events immediately then the 6th should be rejected
	s := NewLimiterStore(5, 5, time.Hour)
	defer s.Stop()

	key := "user:auth0|1"
	for i := 0; i < 5; i++ {
		if !s.Allow(key) {
			t.Fatalf("expected allow at iteration %d", i)
		}
	}

	if s.Allow(key) {
		t.Fatalf("expected limiter to block after burst consumed")
	}

	// idle entries are dropped by cleanup
	s.evictIdle(time.Now().Add(s.idleTTL + time.Second))
	s.mu.Lock()
	_, ok := s.callers[key]
	s.mu.Unlock()
	if ok {
		t.Fatalf("expected idle limiter to be evicted")
	}
	if !s.Allow(key) {
		t.Fatalf("expected a fresh budget after eviction")
	}
}

func TestRateLimitKeysByCaller(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := NewLimiterStore(1, 1, time.Hour)
	defer s.Stop()

	r := gin.New()
	r.Use(func(c *gin.Context) {
		if u := c.GetHeader("X-Test-User"); u != "" {
			c.Set(ContextKeyUserID, u)
		}
		c.Next()
	}, RateLimit(s))
	r.POST("/v1/messages", func(c *gin.Context) { c.Status(http.StatusCreated) })

	send := func(user string) int {
		req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
		req.Header.Set("X-Test-User", user)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	if code := send("alice"); code != http.StatusCreated {
		t.Fatalf("first request: got %d", code)
	}
	if code := send("alice"); code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", code)
	}
	// bob shares alice's IP but has a separate budget
	if code := send("bob"); code != http.StatusCreated {
		t.Fatalf("other caller: got %d", code)
	}
}
