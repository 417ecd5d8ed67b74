package api

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// ──────────────────────────────────────────────────────────────────────
// Per-IP Token Bucket Rate Limiter
//
// Each IP gets its own x/time/rate limiter. When the bucket is empty the
// request receives HTTP 429 with a Retry-After header in seconds.
//
// A background goroutine drops limiters idle for more than
// cleanupIdleDuration so transient IPs do not grow the map forever.
// ──────────────────────────────────────────────────────────────────────

const cleanupIdleDuration = 10 * time.Minute

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter holds per-IP state.
type RateLimiter struct {
	perMin  int
	limit   rate.Limit
	burst   int
	mu      sync.Mutex
	clients map[string]*ipLimiter
	stop    chan struct{}
	done    chan struct{} // closed when the cleanup goroutine exits
	once    sync.Once
}

// NewRateLimiter allows ratePerMin requests per minute per IP with the
// given burst. A non-positive rate disables limiting.
func NewRateLimiter(ratePerMin, burst int) *RateLimiter {
	if burst <= 0 {
		burst = max(ratePerMin/6, 1)
	}
	rl := &RateLimiter{
		perMin:  ratePerMin,
		limit:   rate.Limit(float64(ratePerMin) / 60.0),
		burst:   burst,
		clients: make(map[string]*ipLimiter),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if ratePerMin > 0 {
		go rl.cleanupLoop()
	} else {
		close(rl.done)
	}
	return rl
}

// Stop ends the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) allow(ip string) (bool, time.Duration) {
	if rl.perMin <= 0 {
		return true, 0
	}
	now := time.Now()

	rl.mu.Lock()
	c, ok := rl.clients[ip]
	if !ok {
		c = &ipLimiter{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[ip] = c
	}
	c.lastSeen = now
	rl.mu.Unlock()

	res := c.limiter.ReserveN(now, 1)
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Middleware returns a Gin handler that enforces the rate limit.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, retryAfter := rl.allow(c.ClientIP())
		if !allowed {
			secs := int(math.Ceil(retryAfter.Seconds()))
			c.Header("Retry-After", strconv.Itoa(secs))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":      "Rate limit exceeded",
				"retryAfter": secs,
				"limit":      strconv.Itoa(rl.perMin) + " requests/minute per IP",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// cleanupLoop removes stale IP limiters every cleanupIdleDuration.
func (rl *RateLimiter) cleanupLoop() {
	defer close(rl.done)
	ticker := time.NewTicker(cleanupIdleDuration)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.sweep(time.Now().Add(-cleanupIdleDuration))
		}
	}
}

func (rl *RateLimiter) sweep(cutoff time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, c := range rl.clients {
		if c.lastSeen.Before(cutoff) {
			delete(rl.clients, ip)
		}
	}
}
