package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"moltrelay/gateway/auth"
)

func newTestLimiter(limits RateLimits) (*RateLimiter, *time.Time) {
	rl := NewRateLimiter(limits, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	rl.clockNow = func() time.Time { return *clock }
	return rl, clock
}

func TestTakeExhaustsBucket(t *testing.T) {
	rl, _ := newTestLimiter(RateLimits{Window: time.Minute, IPLimit: 3})
	for i := 0; i < 3; i++ {
		ok, _ := rl.Take(ScopeIP, "10.0.0.1")
		require.True(t, ok, "request %d should pass", i)
	}
	ok, retry := rl.Take(ScopeIP, "10.0.0.1")
	require.False(t, ok)
	require.Greater(t, retry, 0)
}

func TestTakeRefillsOverTime(t *testing.T) {
	rl, clock := newTestLimiter(RateLimits{Window: time.Minute, IPLimit: 60})
	for i := 0; i < 60; i++ {
		ok, _ := rl.Take(ScopeIP, "10.0.0.1")
		require.True(t, ok)
	}
	ok, retry := rl.Take(ScopeIP, "10.0.0.1")
	require.False(t, ok)
	require.Equal(t, 1, retry, "one token refills per second at 60/min")

	*clock = clock.Add(2 * time.Second)
	ok, _ = rl.Take(ScopeIP, "10.0.0.1")
	require.True(t, ok, "bucket should refill after waiting")
}

func TestTakeKeysAreIndependent(t *testing.T) {
	rl, _ := newTestLimiter(RateLimits{Window: time.Minute, IPLimit: 1, PubKeyLimit: 1})
	ok, _ := rl.Take(ScopeIP, "10.0.0.1")
	require.True(t, ok)
	ok, _ = rl.Take(ScopeIP, "10.0.0.1")
	require.False(t, ok)

	// Different key and different scope both have their own bucket.
	ok, _ = rl.Take(ScopeIP, "10.0.0.2")
	require.True(t, ok)
	ok, _ = rl.Take(ScopePubKey, "10.0.0.1")
	require.True(t, ok)
}

func TestSweepDropsIdleBuckets(t *testing.T) {
	rl, clock := newTestLimiter(RateLimits{Window: time.Minute, IPLimit: 5})
	rl.Take(ScopeIP, "10.0.0.1")
	require.Len(t, rl.buckets, 1)

	*clock = clock.Add(3 * time.Minute)
	rl.Take(ScopeIP, "10.0.0.2")
	require.Len(t, rl.buckets, 1, "idle bucket should be swept")
}

func TestLimitIPRejectsWithRetryAfter(t *testing.T) {
	rl, _ := newTestLimiter(RateLimits{Window: time.Minute, IPLimit: 1})
	handler := rl.LimitIP(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	r := httptest.NewRequest(http.MethodGet, "/v1/offers", nil)
	r.RemoteAddr = "10.0.0.1:4000"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))
	require.Contains(t, rec.Body.String(), "rate_limited")
}

func TestLimitPubKeyPassesUnauthenticated(t *testing.T) {
	rl, _ := newTestLimiter(RateLimits{Window: time.Minute, PubKeyLimit: 1})
	handler := rl.LimitPubKey(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/offers", nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestLimitStrictCountsBothDimensions(t *testing.T) {
	rl, _ := newTestLimiter(RateLimits{Window: time.Minute, StrictLimit: 2})
	handler := rl.LimitStrict(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	send := func(ip, pubKey string) int {
		r := httptest.NewRequest(http.MethodPost, "/v1/jobs", nil)
		r.RemoteAddr = ip + ":4000"
		r = r.WithContext(auth.WithPrincipal(r.Context(), &auth.Principal{PubKey: pubKey}))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, r)
		return rec.Code
	}

	require.Equal(t, http.StatusNoContent, send("10.0.0.1", "pk-a"))
	require.Equal(t, http.StatusNoContent, send("10.0.0.2", "pk-a"))
	// Third hit for pk-a trips the pubkey dimension even from a fresh address.
	require.Equal(t, http.StatusTooManyRequests, send("10.0.0.3", "pk-a"))
	// A different pubkey from a fresh address still passes.
	require.Equal(t, http.StatusNoContent, send("10.0.0.4", "pk-b"))
}

func TestClientIPPrefersForwardingHeaders(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "127.0.0.1:9999"
	require.Equal(t, "127.0.0.1", clientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	require.Equal(t, "203.0.113.7", clientIP(r))

	r.Header.Set("X-Real-IP", "198.51.100.2")
	require.Equal(t, "198.51.100.2", clientIP(r))
}
