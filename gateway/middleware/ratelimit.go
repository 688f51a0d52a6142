package middleware

import (
	"fmt"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"moltrelay/gateway/auth"
	"moltrelay/gateway/httperr"
)

// Rate limit scopes. The strict scope guards the two creation routes and
// applies on top of the ip and pubkey buckets.
const (
	ScopeIP     = "ip"
	ScopePubKey = "pubkey"
	ScopeStrict = "strict"
)

// RateLimits carries per-scope bucket capacities over a shared window.
type RateLimits struct {
	Window      time.Duration
	IPLimit     int
	PubKeyLimit int
	StrictLimit int
}

// DefaultRateLimits mirrors the documented defaults.
func DefaultRateLimits() RateLimits {
	return RateLimits{
		Window:      time.Minute,
		IPLimit:     120,
		PubKeyLimit: 60,
		StrictLimit: 30,
	}
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter maintains token buckets per (scope, key) with continuous
// refill at limit/window and opportunistic sweeping of idle buckets.
type RateLimiter struct {
	limits   RateLimits
	onReject func(scope string)

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
	clockNow  func() time.Time
}

// NewRateLimiter builds a limiter for the given per-scope capacities.
func NewRateLimiter(limits RateLimits, onReject func(scope string)) *RateLimiter {
	if limits.Window <= 0 {
		limits.Window = time.Minute
	}
	return &RateLimiter{
		limits:   limits,
		onReject: onReject,
		buckets:  make(map[string]*bucket),
		clockNow: time.Now,
	}
}

func (rl *RateLimiter) capacity(scope string) int {
	switch scope {
	case ScopeIP:
		return rl.limits.IPLimit
	case ScopePubKey:
		return rl.limits.PubKeyLimit
	case ScopeStrict:
		return rl.limits.StrictLimit
	}
	return rl.limits.PubKeyLimit
}

// Take attempts to consume one token from the (scope, key) bucket. On
// failure it returns the whole-second Retry-After hint.
func (rl *RateLimiter) Take(scope, key string) (bool, int) {
	limit := rl.capacity(scope)
	if limit <= 0 {
		return true, 0
	}
	now := rl.clockNow()

	rl.mu.Lock()
	rl.sweepLocked(now)
	id := scope + "|" + key
	entry, ok := rl.buckets[id]
	if !ok {
		refill := rate.Limit(float64(limit) / rl.limits.Window.Seconds())
		entry = &bucket{limiter: rate.NewLimiter(refill, limit)}
		rl.buckets[id] = entry
	}
	entry.lastSeen = now
	rl.mu.Unlock()

	reservation := entry.limiter.ReserveN(now, 1)
	delay := reservation.DelayFrom(now)
	if delay > 0 {
		reservation.CancelAt(now)
		return false, int(math.Ceil(delay.Seconds()))
	}
	return true, 0
}

// sweepLocked drops buckets idle for more than twice the window. Runs at
// most once per window.
func (rl *RateLimiter) sweepLocked(now time.Time) {
	if now.Sub(rl.lastSweep) < rl.limits.Window {
		return
	}
	rl.lastSweep = now
	cutoff := now.Add(-2 * rl.limits.Window)
	for id, entry := range rl.buckets {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.buckets, id)
		}
	}
}

func (rl *RateLimiter) reject(w http.ResponseWriter, scope string, retryAfter int) {
	if rl.onReject != nil {
		rl.onReject(scope)
	}
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
	httperr.Write(w, httperr.New(httperr.CodeRateLimited, "rate limit exceeded").WithDetails(map[string]interface{}{
		"scope":     scope,
		"limit":     rl.capacity(scope),
		"window_ms": rl.limits.Window.Milliseconds(),
	}))
}

// LimitIP enforces the ip-scope bucket keyed by client address.
func (rl *RateLimiter) LimitIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ok, retry := rl.Take(ScopeIP, clientIP(r)); !ok {
			rl.reject(w, ScopeIP, retry)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// LimitPubKey enforces the pubkey-scope bucket for authenticated callers.
// Mounted after the auth middleware.
func (rl *RateLimiter) LimitPubKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := auth.FromContext(r.Context())
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		if ok, retry := rl.Take(ScopePubKey, principal.PubKey); !ok {
			rl.reject(w, ScopePubKey, retry)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// LimitStrict adds the tighter creation-route buckets for both the client
// address and the caller pubkey.
func (rl *RateLimiter) LimitStrict(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ok, retry := rl.Take(ScopeStrict, "ip:"+clientIP(r)); !ok {
			rl.reject(w, ScopeStrict, retry)
			return
		}
		if principal, err := auth.FromContext(r.Context()); err == nil {
			if ok, retry := rl.Take(ScopeStrict, "pubkey:"+principal.PubKey); !ok {
				rl.reject(w, ScopeStrict, retry)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		if comma := strings.IndexByte(ip, ','); comma > 0 {
			ip = ip[:comma]
		}
		if parsed := net.ParseIP(strings.TrimSpace(ip)); parsed != nil {
			return parsed.String()
		}
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
