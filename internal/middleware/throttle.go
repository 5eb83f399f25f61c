package middleware

import (
	"net/http"
	"sync"
	"time"

	"settlement-api/internal/response"
	"settlement-api/pkg/logging"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Throttle is a per-client-IP token bucket in front of the notification endpoints.
type Throttle struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
	idle     time.Duration
	stop     chan struct{}
}

// NewThrottle allows rps requests per second with the given burst per IP.
// Idle visitors are forgotten after ten minutes.
func NewThrottle(rps float64, burst int) *Throttle {
	if burst <= 0 {
		burst = 1
	}
	t := &Throttle{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(rps),
		burst:    burst,
		idle:     10 * time.Minute,
		stop:     make(chan struct{}),
	}
	go t.cleanup()
	return t
}

// Allow reports whether ip may make another request now.
func (t *Throttle) Allow(ip string) bool {
	t.mu.Lock()
	v, ok := t.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	t.mu.Unlock()

	return v.limiter.Allow()
}

// Handler returns the gin middleware.
func (t *Throttle) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !t.Allow(ip) {
			logging.Warnf("Throttled notification from %s on %s", ip, c.FullPath())
			c.Header("Retry-After", "1")
			response.ErrorJSON(c, http.StatusTooManyRequests, "Too many requests")
			c.Abort()
			return
		}
		c.Next()
	}
}

// Stop ends the cleanup goroutine.
func (t *Throttle) Stop() {
	close(t.stop)
}

func (t *Throttle) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.mu.Lock()
			for ip, v := range t.visitors {
				if time.Since(v.lastSeen) > t.idle {
					delete(t.visitors, ip)
				}
			}
			t.mu.Unlock()
		case <-t.stop:
			return
		}
	}
}
