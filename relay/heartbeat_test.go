package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"moltrelay/gateway/auth"
	"moltrelay/models"
)

func heartbeat(t *testing.T, srv *Server, clock *testClock, seller *agent, query string) heartbeatResponse {
	t.Helper()
	rec := seller.do(t, srv, clock, http.MethodGet, "/v1/seller/heartbeat"+query, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out heartbeatResponse
	decodeBody(t, rec, &out)
	return out
}

func TestHeartbeatReturnsPendingWorkImmediately(t *testing.T) {
	srv, clock := newTestServer(t)
	m := newMarket(t, srv, clock)

	out := heartbeat(t, srv, clock, m.seller, "?wait_ms=0")
	require.Len(t, out.Jobs, 1)
	require.Equal(t, m.job.ID, out.Jobs[0].ID)
	require.Equal(t, models.StatusRequested, out.Jobs[0].Status)
	require.Equal(t, int64(1), out.Total)
	require.Zero(t, out.WaitedMS, "no wait when work is immediately available")
}

func TestHeartbeatDefaultStatusSet(t *testing.T) {
	srv, clock := newTestServer(t)
	m := newMarket(t, srv, clock)
	m.quote(t, srv, clock)

	// Quoted jobs wait on the buyer, so the default feed is empty.
	out := heartbeat(t, srv, clock, m.seller, "?wait_ms=0")
	require.Empty(t, out.Jobs)

	out = heartbeat(t, srv, clock, m.seller, "?wait_ms=0&status=quoted")
	require.Len(t, out.Jobs, 1)
}

func TestHeartbeatStatusValidation(t *testing.T) {
	srv, clock := newTestServer(t)
	seller := newAgent(t)
	rec := seller.do(t, srv, clock, http.MethodGet, "/v1/seller/heartbeat?status=bogus&wait_ms=0", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = seller.do(t, srv, clock, http.MethodGet, "/v1/seller/heartbeat?wait_ms=-1", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHeartbeatWakesOnNewJob(t *testing.T) {
	srv, clock := newTestServer(t)
	seller := newAgent(t)
	buyer := newAgent(t)
	offer := createOffer(t, srv, clock, seller, nil)

	done := make(chan heartbeatResponse, 1)
	go func() {
		done <- heartbeat(t, srv, clock, seller, "?wait_ms=5000")
	}()

	// Wait until the poller has registered before creating the job.
	require.Eventually(t, func() bool {
		return srv.Notifier().Online(seller.PubKey)
	}, 2*time.Second, 5*time.Millisecond)

	rec := buyer.do(t, srv, clock, http.MethodPost, "/v1/jobs", map[string]interface{}{
		"offer_id":        offer.ID,
		"request_payload": map[string]interface{}{"k": "v"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	select {
	case out := <-done:
		require.Len(t, out.Jobs, 1)
		require.Equal(t, models.StatusRequested, out.Jobs[0].Status)
	case <-time.After(3 * time.Second):
		t.Fatal("heartbeat did not wake on job creation")
	}
}

func TestHeartbeatTimesOutEmpty(t *testing.T) {
	srv, clock := newTestServer(t)
	seller := newAgent(t)

	start := time.Now()
	out := heartbeat(t, srv, clock, seller, "?wait_ms=50")
	require.Empty(t, out.Jobs)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestHeartbeatClampsWaitToMax(t *testing.T) {
	srv, clock := newTestServer(t)
	srv.cfg.HeartbeatMaxWait = 50 * time.Millisecond
	seller := newAgent(t)

	start := time.Now()
	out := heartbeat(t, srv, clock, seller, "?wait_ms=600000")
	require.Empty(t, out.Jobs)
	require.Less(t, time.Since(start), 5*time.Second, "wait must be clamped to the configured maximum")
	require.NotNil(t, out.Jobs)
}

func TestHeartbeatCursor(t *testing.T) {
	srv, clock := newTestServer(t)
	m := newMarket(t, srv, clock)

	out := heartbeat(t, srv, clock, m.seller, "?wait_ms=0")
	require.Len(t, out.Jobs, 1)
	cursor := out.Jobs[0].UpdatedAt.Format(time.RFC3339)

	// Nothing changed since the cursor.
	out = heartbeat(t, srv, clock, m.seller, "?wait_ms=0&updated_after="+cursor)
	require.Empty(t, out.Jobs)

	// A later change surfaces past the cursor.
	clock.Advance(5 * time.Second)
	m.quote(t, srv, clock)
	out = heartbeat(t, srv, clock, m.seller, "?wait_ms=0&status=quoted&updated_after="+cursor)
	require.Len(t, out.Jobs, 1)
}

func TestHeartbeatClientDisconnect(t *testing.T) {
	srv, clock := newTestServer(t)
	seller := newAgent(t)

	// A canceled request context resolves the waiter without writing a body.
	target := "/v1/seller/heartbeat?wait_ms=5000"
	seller.nonce++
	nonce := fmt.Sprintf("%032x", seller.nonce)
	ts := strconv.FormatInt(clock.Now().Unix(), 10)
	ctx, cancel := context.WithCancel(context.Background())
	r := httptest.NewRequest(http.MethodGet, target, nil).WithContext(ctx)
	r.RemoteAddr = seller.addr
	r.Header.Set(auth.HeaderPubKey, seller.PubKey)
	r.Header.Set(auth.HeaderTimestamp, ts)
	r.Header.Set(auth.HeaderNonce, nonce)
	r.Header.Set(auth.HeaderSignature, auth.Sign(http.MethodGet, target, ts, nonce, nil, seller.priv))

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, r)
		done <- rec
	}()
	require.Eventually(t, func() bool {
		return srv.Notifier().Online(seller.PubKey)
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case rec := <-done:
		var out heartbeatResponse
		require.Error(t, json.Unmarshal(rec.Body.Bytes(), &out), "canceled poll writes no envelope")
	case <-time.After(3 * time.Second):
		t.Fatal("heartbeat did not resolve on disconnect")
	}
	require.False(t, srv.Notifier().Online(seller.PubKey), "waiter must be unregistered")
}
