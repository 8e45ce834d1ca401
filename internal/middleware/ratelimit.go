package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

type RateLimiter struct {
	mu       sync.Mutex
	requests map[string]*requestInfo
	limit    int
	window   time.Duration
	now      func() time.Time
}

type requestInfo struct {
	count   int
	resetAt time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return NewRateLimiterWithNow(limit, window, time.Now)
}

func NewRateLimiterWithNow(limit int, window time.Duration, now func() time.Time) *RateLimiter {
	rl := &RateLimiter{
		requests: make(map[string]*requestInfo),
		limit:    limit,
		window:   window,
		now:      now,
	}
	go rl.cleanup()
	return rl
}

func (rl *RateLimiter) cleanup() {
	if rl.window <= 0 {
		return
	}

	ticker := time.NewTicker(rl.window)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		now := rl.now()
		for key, info := range rl.requests {
			if now.After(info.resetAt) {
				delete(rl.requests, key)
			}
		}
		rl.mu.Unlock()
	}
}

func (rl *RateLimiter) Allow(key string) bool {
	return rl.AllowN(key, 1)
}

// AllowN charges n units of the limiter's budget against key, used both for
// plain request counting (n=1) and for the relay's per-machine byte-rate
// guard on WebSocket frames (n=len(payload)).
func (rl *RateLimiter) AllowN(key string, n int) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	info, exists := rl.requests[key]
	if !exists || now.After(info.resetAt) {
		rl.requests[key] = &requestInfo{count: n, resetAt: now.Add(rl.window)}
		return true
	}

	if info.count+n > rl.limit {
		return false
	}

	info.count += n
	return true
}

func RateLimitMiddleware(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if machineID, ok := MachineIDFromContext(c); ok {
			key = machineID
		}
		if !rl.Allow(key) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// FrameGuard enforces spec's per-machine caps on WebSocket frames per second
// and bytes per second. It wraps two RateLimiters so the two caps are
// tracked independently: a machine sending few but huge frames is limited
// by bytes, one sending many tiny frames is limited by frame count.
type FrameGuard struct {
	frames *RateLimiter
	bytes  *RateLimiter
}

func NewFrameGuard(framesPerSec, bytesPerSec int) *FrameGuard {
	return &FrameGuard{
		frames: NewRateLimiter(framesPerSec, time.Second),
		bytes:  NewRateLimiter(bytesPerSec, time.Second),
	}
}

// Allow reports whether machineID may send a frame of size payloadBytes
// right now. A rejected frame should be dropped, not queued: back-pressure
// on a misbehaving client must not stall the relay for everyone else.
func (g *FrameGuard) Allow(machineID string, payloadBytes int) bool {
	return g.frames.Allow(machineID) && g.bytes.AllowN(machineID, payloadBytes)
}
