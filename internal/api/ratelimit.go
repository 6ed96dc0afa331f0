package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ipLimiter keeps one token bucket per client IP. Idle buckets are swept
// lazily from allow, so there is no background goroutine to stop.
type ipLimiter struct {
	limit rate.Limit
	burst int

	mu        sync.Mutex
	entries   map[string]*ipEntry
	lastSweep time.Time
}

type ipEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

const (
	limiterSweepInterval = time.Minute
	limiterMaxIdle       = 5 * time.Minute
)

func newIPLimiter(perMinute int) *ipLimiter {
	return &ipLimiter{
		limit:     rate.Every(time.Minute / time.Duration(perMinute)),
		burst:     perMinute,
		entries:   make(map[string]*ipEntry),
		lastSweep: time.Now(),
	}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.lastSweep) > limiterSweepInterval {
		for k, e := range l.entries {
			if now.Sub(e.lastAccess) > limiterMaxIdle {
				delete(l.entries, k)
			}
		}
		l.lastSweep = now
	}

	e, ok := l.entries[ip]
	if !ok {
		e = &ipEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[ip] = e
	}
	e.lastAccess = now
	return e.limiter.Allow()
}

// clientIP returns the host part of RemoteAddr, which middleware.RealIP has
// already replaced with the forwarded address when present.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
