package api

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// clientLimiter tracks one token bucket per client IP. Entries idle past
// staleAfter are dropped on the next sweep so the map stays bounded.
type clientLimiter struct {
	mu         sync.Mutex
	clients    map[string]*clientEntry
	limit      rate.Limit
	burst      int
	staleAfter time.Duration
	lastSweep  time.Time
}

type clientEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newClientLimiter(rps float64, burst int) *clientLimiter {
	if burst < 1 {
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	return &clientLimiter{
		clients:    make(map[string]*clientEntry),
		limit:      rate.Limit(rps),
		burst:      burst,
		staleAfter: 10 * time.Minute,
		lastSweep:  time.Now(),
	}
}

func (l *clientLimiter) allow(client string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.lastSweep) > l.staleAfter {
		for key, e := range l.clients {
			if now.Sub(e.lastSeen) > l.staleAfter {
				delete(l.clients, key)
			}
		}
		l.lastSweep = now
	}

	e, ok := l.clients[client]
	if !ok {
		e = &clientEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[client] = e
	}
	e.lastSeen = now
	return e.limiter.Allow()
}

// rateLimiter rejects clients exceeding rps with 429. Keyed by remote IP;
// RealIP middleware runs earlier so proxies don't share one bucket.
func rateLimiter(rps float64, burst int, logger *slog.Logger) func(http.Handler) http.Handler {
	limiter := newClientLimiter(rps, burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			client := req.RemoteAddr
			if host, _, err := net.SplitHostPort(client); err == nil {
				client = host
			}
			if !limiter.allow(client) {
				logger.Warn("rate limit exceeded", "client", client, "path", req.URL.Path)
				writeError(w, http.StatusTooManyRequests, "rate_limited",
					errTooManyRequests)
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

var errTooManyRequests = errors.New("too many requests")
