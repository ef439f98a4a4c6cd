package middleware

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// KeyFunc derives the limiter key for a request, normally the client IP.
type KeyFunc func(r *http.Request) string

// CounterStore counts admissions per key within a fixed window. The Redis
// implementation shares counts across worker processes; the in-memory token
// buckets below are the per-process fallback.
type CounterStore interface {
	Incr(key string, window time.Duration) (int64, error)
}

// RateLimitOptions configures the admission limiter.
type RateLimitOptions struct {
	Requests int
	Window   time.Duration

	// Counter, when set, is consulted instead of local token buckets.
	Counter CounterStore

	KeyFn              KeyFunc
	TrustXForwardedFor bool
}

// ClientKey extracts the limiter key: the first X-Forwarded-For hop when
// trusted, otherwise the peer address without the port.
func ClientKey(trustXFF bool) KeyFunc {
	return func(r *http.Request) string {
		if trustXFF {
			if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
				if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
					return ip
				}
			}
		}
		host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
		if err == nil && host != "" {
			return host
		}
		if r.RemoteAddr != "" {
			return r.RemoteAddr
		}
		return "unknown"
	}
}

// RateLimit rejects clients above Requests per Window with a 429 and a
// Retry-After hint. The hosted application never sees rejected requests.
func RateLimit(opts RateLimitOptions) func(http.Handler) http.Handler {
	if opts.KeyFn == nil {
		opts.KeyFn = ClientKey(opts.TrustXForwardedFor)
	}

	var buckets *bucketStore
	if opts.Counter == nil {
		buckets = newBucketStore(opts.Requests, opts.Window)
	}

	retryAfter := strconv.Itoa(int(opts.Window.Seconds()))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := opts.KeyFn(r)

			allowed := true
			if opts.Counter != nil {
				count, err := opts.Counter.Incr(key, opts.Window)
				if err != nil {
					// A broken shared store must not take the service
					// down with it; admit and log.
					slog.Warn("rate limit counter unavailable", "err", err)
				} else {
					allowed = count <= int64(opts.Requests)
				}
			} else {
				allowed = buckets.get(key).Allow()
			}

			if !allowed {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", retryAfter)
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error":   "rate limit exceeded",
					"message": "try again in " + strconv.Itoa(int(opts.Window.Minutes())) + " minutes",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// bucketStore keeps one token bucket per key, refilling Requests over Window.
type bucketStore struct {
	mu      sync.Mutex
	entries map[string]*bucketEntry
	rps     rate.Limit
	burst   int

	idleTTL     time.Duration
	lastCleanup time.Time
}

type bucketEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newBucketStore(requests int, window time.Duration) *bucketStore {
	return &bucketStore{
		entries: make(map[string]*bucketEntry),
		rps:     rate.Limit(float64(requests) / window.Seconds()),
		burst:   requests,
		idleTTL: 2 * window,
	}
}

func (s *bucketStore) get(key string) *rate.Limiter {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.lastCleanup) > s.idleTTL {
		cutoff := now.Add(-s.idleTTL)
		for k, e := range s.entries {
			if e.lastSeen.Before(cutoff) {
				delete(s.entries, k)
			}
		}
		s.lastCleanup = now
	}

	if e, ok := s.entries[key]; ok {
		e.lastSeen = now
		return e.lim
	}
	lim := rate.NewLimiter(s.rps, s.burst)
	s.entries[key] = &bucketEntry{lim: lim, lastSeen: now}
	return lim
}
