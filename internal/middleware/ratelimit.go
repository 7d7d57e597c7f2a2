// Package middleware holds the gin middleware shared by the HTTP routes.
package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// ContextKeyUserID is the gin context key the auth middleware stores the
// caller identity under.
const ContextKeyUserID = "userID"

// LimiterStore maintains per-caller rate limiters and performs periodic cleanup.
type LimiterStore struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	callers map[string]*callerEntry
	// idleTTL is how long an unused limiter is kept before cleanup drops it
	idleTTL         time.Duration
	cleanupInterval time.Duration
	stopOnce        sync.Once
	stopCh          chan struct{}
}

type callerEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiterStore creates a new store for per-caller rate limiters.
// limitPerMinute controls allowed events per minute; burst is the burst capacity.
func NewLimiterStore(limitPerMinute int, burst int, cleanupInterval time.Duration) *LimiterStore {
	if limitPerMinute <= 0 {
		limitPerMinute = 60
	}
	if burst <= 0 {
		burst = 1
	}
	s := &LimiterStore{
		limit:           rate.Every(time.Minute / time.Duration(limitPerMinute)),
		burst:           burst,
		callers:         map[string]*callerEntry{},
		idleTTL:         10 * time.Minute,
		cleanupInterval: cleanupInterval,
		stopCh:          make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

func (s *LimiterStore) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			s.evictIdle(now)
		case <-s.stopCh:
			return
		}
	}
}

// evictIdle drops limiters not used since now-idleTTL.
func (s *LimiterStore) evictIdle(now time.Time) {
	cutoff := now.Add(-s.idleTTL)
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.callers {
		if v.lastSeen.Before(cutoff) {
			delete(s.callers, k)
		}
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (s *LimiterStore) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Allow checks whether an event for the given key is permitted.
func (s *LimiterStore) Allow(key string) bool {
	s.mu.Lock()
	e, ok := s.callers[key]
	if !ok {
		e = &callerEntry{limiter: rate.NewLimiter(s.limit, s.burst)}
		s.callers[key] = e
	}
	e.lastSeen = time.Now()
	l := e.limiter
	s.mu.Unlock()
	return l.Allow()
}

// RateLimit returns a gin middleware that applies per-caller rate limiting.
// Authenticated requests are keyed by caller identity; anything else falls
// back to the client IP.
func RateLimit(store *LimiterStore) gin.HandlerFunc {
	retryAfter := strconv.Itoa(int(time.Duration(float64(time.Second)/float64(store.limit)).Seconds()) + 1)
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if userID := c.GetString(ContextKeyUserID); userID != "" {
			key = fmt.Sprintf("user:%s", userID)
		}

		if !store.Allow(key) {
			c.Header("Retry-After", retryAfter)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":    "RATE_LIMITED",
				"message": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
