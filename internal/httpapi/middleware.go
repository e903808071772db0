package httpapi

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const requestIDKey = "request_id"

// requestIDMiddleware propagates a caller's X-Request-ID when it is a sane
// length, otherwise mints one.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if len(id) < 1 || len(id) > 64 {
			id = uuid.New().String()
		}
		c.Set(requestIDKey, id)
		c.Writer.Header().Set("X-Request-ID", id)
		c.Next()
	}
}

// observeMiddleware records request metrics and emits one log line per
// request. Routes are keyed by method plus template so path parameters do
// not explode the metric table.
func (s *Server) observeMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		latency := time.Since(start)
		s.metrics.Record(c.Request.Method+" "+route, status, latency)

		attrs := []any{
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", status),
			slog.Int64("duration_ms", latency.Milliseconds()),
			slog.String("request_id", c.GetString(requestIDKey)),
		}
		if status >= http.StatusInternalServerError {
			slog.Warn("request", attrs...)
		} else {
			slog.Info("request", attrs...)
		}
	}
}

// authMiddleware enforces the API key with a constant-time compare. Clients
// that keep failing get cut off for the rest of the fixed window before any
// key comparison happens.
func (s *Server) authMiddleware() gin.HandlerFunc {
	key := []byte(s.cfg.Server.APIKey)
	return func(c *gin.Context) {
		if len(key) == 0 {
			c.Next()
			return
		}

		client := c.ClientIP()
		if retry := s.failures.blocked(client); retry > 0 {
			c.Header("Retry-After", strconv.Itoa(retry))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"detail": gin.H{
					"message":         "too many failed authentication attempts",
					"retry_after_sec": retry,
				},
			})
			return
		}

		if subtle.ConstantTimeCompare([]byte(presentedKey(c)), key) != 1 {
			s.failures.recordFailure(client)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"detail": "invalid or missing API key",
			})
			return
		}
		c.Next()
	}
}

// presentedKey pulls the API key from the Authorization bearer header or
// the X-API-Key fallback.
func presentedKey(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return token
		}
	}
	return c.GetHeader("X-API-Key")
}

// concurrencyMiddleware bounds in-flight requests with a buffered-channel
// semaphore and keeps the active gauge the reload governor reads.
func (s *Server) concurrencyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		select {
		case s.sem <- struct{}{}:
			s.active.Add(1)
			defer func() {
				<-s.sem
				s.active.Add(-1)
			}()
			c.Next()
		default:
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"detail": gin.H{
					"message":         "too many concurrent requests",
					"retry_after_sec": 1,
				},
			})
		}
	}
}

// failureLimiter counts failed auth attempts per client address in fixed
// windows.
type failureLimiter struct {
	window time.Duration
	max    int

	mu      sync.Mutex
	clients map[string]*failWindow
}

type failWindow struct {
	start time.Time
	count int
}

func newFailureLimiter(window time.Duration, max int) *failureLimiter {
	if window <= 0 {
		window = time.Minute
	}
	if max <= 0 {
		max = 30
	}
	return &failureLimiter{
		window:  window,
		max:     max,
		clients: make(map[string]*failWindow),
	}
}

// blocked returns the remaining block in whole seconds, or 0 when the
// client may proceed.
func (l *failureLimiter) blocked(client string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.clients[client]
	if !ok {
		return 0
	}
	elapsed := time.Since(w.start)
	if elapsed >= l.window {
		delete(l.clients, client)
		return 0
	}
	if w.count < l.max {
		return 0
	}
	retry := int((l.window - elapsed).Seconds()) + 1
	return retry
}

func (l *failureLimiter) recordFailure(client string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.clients[client]
	if !ok || time.Since(w.start) >= l.window {
		l.clients[client] = &failWindow{start: time.Now(), count: 1}
		return
	}
	w.count++
}
