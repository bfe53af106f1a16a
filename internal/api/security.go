package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/VenkatGGG/proxylease/pkg/httpx"
)

func (s *Server) withAPISecurity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requiresAuthAndRateLimit(r) {
			next.ServeHTTP(w, r)
			return
		}

		if s.requiredAPIKey != "" && !requestHasAPIKey(r, s.requiredAPIKey) {
			httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid api key")
			return
		}

		if s.rateLimiter != nil {
			clientKey := requestClientIdentity(r, s.opts.TrustForwardedFor)
			if !s.rateLimiter.Allow(clientKey, time.Now()) {
				httpx.WriteError(w, http.StatusTooManyRequests, "rate_limited", "request rate limit exceeded")
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

// requiresAuthAndRateLimit matches the routes that mutate the firewall.
func requiresAuthAndRateLimit(r *http.Request) bool {
	if r.Method != http.MethodPost {
		return false
	}
	switch strings.TrimSpace(r.URL.Path) {
	case "/connect", "/disconnect":
		return true
	default:
		return false
	}
}

func requestHasAPIKey(r *http.Request, expected string) bool {
	want := strings.TrimSpace(expected)
	if want == "" {
		return true
	}
	candidates := []string{strings.TrimSpace(r.Header.Get("X-API-Key"))}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		candidates = append(candidates, strings.TrimSpace(auth[7:]))
	}

	for _, candidate := range candidates {
		if candidate == want {
			return true
		}
	}
	return false
}

// requestClientIdentity returns the address the lease is granted to. The
// forwarded header is only honored behind a trusted proxy; otherwise any
// caller could lease an address it does not own.
func requestClientIdentity(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
		if forwarded != "" {
			first := strings.TrimSpace(strings.Split(forwarded, ",")[0])
			if first != "" {
				return first
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	raw := strings.TrimSpace(r.RemoteAddr)
	if raw != "" {
		return raw
	}
	return "127.0.0.1"
}

// clientLimiter keeps one token bucket per client address.
type clientLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	idle    time.Duration
	clients map[string]*clientBucket
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newClientLimiter(perWindow int, window time.Duration) *clientLimiter {
	if perWindow <= 0 {
		perWindow = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &clientLimiter{
		limit:   rate.Every(window / time.Duration(perWindow)),
		burst:   perWindow,
		idle:    2 * window,
		clients: make(map[string]*clientBucket),
	}
}

func (l *clientLimiter) Allow(client string, now time.Time) bool {
	key := strings.TrimSpace(client)
	if key == "" {
		key = "unknown"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	bucket, ok := l.clients[key]
	if !ok {
		bucket = &clientBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = bucket
	}
	bucket.lastSeen = now
	allowed := bucket.limiter.AllowN(now, 1)
	l.pruneLocked(now)
	return allowed
}

func (l *clientLimiter) pruneLocked(now time.Time) {
	if len(l.clients) < 1000 {
		return
	}
	cutoff := now.Add(-l.idle)
	for key, bucket := range l.clients {
		if bucket.lastSeen.Before(cutoff) {
			delete(l.clients, key)
		}
	}
}
