package relay

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"moltrelay/config"
	"moltrelay/gateway/auth"
	"moltrelay/models"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestServer(t *testing.T) (*Server, *testClock) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))

	cfg := config.Defaults()
	// Generous buckets so lifecycle tests never trip the limiter.
	cfg.RateIPLimit = 100000
	cfg.RatePubKeyLimit = 100000
	cfg.RateStrictLimit = 100000
	clock := newTestClock()
	srv := New(Config{
		DB:     db,
		Cfg:    &cfg,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:    clock.Now,
	})
	return srv, clock
}

// agent is a signing test client for one keypair.
type agent struct {
	priv   ed25519.PrivateKey
	PubKey string
	nonce  uint64
	addr   string
}

var agentSeq uint32

func newAgent(t *testing.T) *agent {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	agentSeq++
	return &agent{
		priv:   priv,
		PubKey: hex.EncodeToString(pub),
		addr:   fmt.Sprintf("10.9.%d.%d:4000", agentSeq/256, agentSeq%256),
	}
}

type requestOpt func(*http.Request)

func withIdempotencyKey(key string) requestOpt {
	return func(r *http.Request) {
		r.Header.Set("Idempotency-Key", key)
	}
}

// do sends a signed request through the full router.
func (a *agent) do(t *testing.T, srv *Server, clock *testClock, method, target string, payload interface{}, opts ...requestOpt) *httptest.ResponseRecorder {
	t.Helper()
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		require.NoError(t, err)
	}
	a.nonce++
	nonce := fmt.Sprintf("%032x", a.nonce)
	ts := strconv.FormatInt(clock.Now().Unix(), 10)

	r := httptest.NewRequest(method, target, bytes.NewReader(body))
	r.RemoteAddr = a.addr
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set(auth.HeaderPubKey, a.PubKey)
	r.Header.Set(auth.HeaderTimestamp, ts)
	r.Header.Set(auth.HeaderNonce, nonce)
	r.Header.Set(auth.HeaderSignature, auth.Sign(method, target, ts, nonce, body, a.priv))
	for _, opt := range opts {
		opt(r)
	}

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, r)
	return rec
}

// doPublic sends an unsigned request.
func doPublic(t *testing.T, srv *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(method, target, nil)
	r.RemoteAddr = "10.0.0.1:4000"
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, r)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst), "body: %s", rec.Body.String())
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var out struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decodeBody(t, rec, &out)
	return out.Error.Code
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doPublic(t, srv, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ok")
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doPublic(t, srv, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "relay_")
}

func TestSignedRoutesRejectUnsignedRequests(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doPublic(t, srv, http.MethodGet, "/v1/jobs")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "auth.invalid_signature", errorCode(t, rec))
}

func TestStaleTimestampRejected(t *testing.T) {
	srv, clock := newTestServer(t)
	a := newAgent(t)

	// Sign at the current time, then move the server clock past the skew.
	var body []byte
	a.nonce++
	nonce := fmt.Sprintf("%032x", a.nonce)
	ts := strconv.FormatInt(clock.Now().Unix(), 10)
	r := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	r.RemoteAddr = a.addr
	r.Header.Set(auth.HeaderPubKey, a.PubKey)
	r.Header.Set(auth.HeaderTimestamp, ts)
	r.Header.Set(auth.HeaderNonce, nonce)
	r.Header.Set(auth.HeaderSignature, auth.Sign(http.MethodGet, "/v1/jobs", ts, nonce, body, a.priv))

	clock.Advance(2 * time.Minute)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, r)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "auth.timestamp_skew", errorCode(t, rec))
}

func TestRequestIDEchoedOnResponse(t *testing.T) {
	srv, _ := newTestServer(t)
	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	r.RemoteAddr = "10.0.0.1:4000"
	r.Header.Set("X-Request-Id", "req-abc")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, r)
	require.Equal(t, "req-abc", rec.Header().Get("X-Request-Id"))
}
