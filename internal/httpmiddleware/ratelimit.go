package httpmiddleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const maxClients = 1024

// ClientLimiter keeps one token bucket per client IP.
type ClientLimiter struct {
	mu      sync.Mutex
	rate    rate.Limit
	burst   int
	clients map[string]*client
	now     func() time.Time
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewClientLimiter allows perSec requests per second per IP with the given burst.
func NewClientLimiter(perSec float64, burst int) *ClientLimiter {
	if burst <= 0 {
		burst = 1
	}
	lim := rate.Limit(perSec)
	if perSec <= 0 {
		lim = rate.Inf
	}
	return &ClientLimiter{
		rate:    lim,
		burst:   burst,
		clients: make(map[string]*client),
		now:     time.Now,
	}
}

// Allow reports whether key may make a request now.
func (l *ClientLimiter) Allow(key string) bool {
	l.mu.Lock()
	now := l.now()
	c, ok := l.clients[key]
	if !ok {
		if len(l.clients) >= maxClients {
			l.evictOldest()
		}
		c = &client{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.clients[key] = c
	}
	c.lastSeen = now
	l.mu.Unlock()
	return c.limiter.AllowN(now, 1)
}

func (l *ClientLimiter) evictOldest() {
	var oldest string
	var at time.Time
	for k, c := range l.clients {
		if oldest == "" || c.lastSeen.Before(at) {
			oldest, at = k, c.lastSeen
		}
	}
	delete(l.clients, oldest)
}

// Sweep drops clients idle longer than idle.
func (l *ClientLimiter) Sweep(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-idle)
	n := 0
	for k, c := range l.clients {
		if c.lastSeen.Before(cutoff) {
			delete(l.clients, k)
			n++
		}
	}
	return n
}

// RunSweeper sweeps idle clients every interval until ctx is done.
func (l *ClientLimiter) RunSweeper(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.Sweep(2 * interval)
		}
	}
}

// GinMiddleware returns gin handler enforcing per-IP limits.
func (l *ClientLimiter) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if ip == "" {
			ip = "unknown"
		}
		if !l.Allow(ip) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit"})
			return
		}
		c.Next()
	}
}
