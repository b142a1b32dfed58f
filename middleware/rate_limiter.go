package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// RateLimiter bounds per-IP request rates on expensive endpoints. Power
// control and discovery fan out to real hardware, so a misbehaving caller
// must not be able to hammer the fleet.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string][]time.Time

	limit  int
	window time.Duration
}

// NewRateLimiter allows limit requests per source IP inside the window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		buckets: map[string][]time.Time{},
		limit:   limit,
		window:  window,
	}
}

// Allow records one request for the IP and reports whether it is within
// budget.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rl.window)

	recent := rl.buckets[ip][:0]
	for _, t := range rl.buckets[ip] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= rl.limit {
		rl.buckets[ip] = recent
		return false
	}
	rl.buckets[ip] = append(recent, now)
	return true
}

// Wrap applies the limiter to a handler, answering 429 over budget.
func (rl *RateLimiter) Wrap(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !rl.Allow(ip) {
			log.WithFields(log.Fields{
				"remote": ip,
				"path":   r.URL.Path,
			}).Warn("Rate limit exceeded")
			http.Error(w, `{"success":false,"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}
