package auth

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"moltrelay/gateway/httperr"
)

// Request envelope headers.
const (
	HeaderPubKey    = "X-Molt-PubKey"
	HeaderTimestamp = "X-Molt-Timestamp"
	HeaderNonce     = "X-Molt-Nonce"
	HeaderSignature = "X-Molt-Signature"
)

var (
	pubKeyRe    = regexp.MustCompile(`^[0-9a-f]{64}$`)
	signatureRe = regexp.MustCompile(`^[0-9a-f]{128}$`)
	nonceRe     = regexp.MustCompile(`^[0-9a-f]{32,64}$`)
)

// Principal identifies the authenticated caller.
type Principal struct {
	PubKey string
}

type contextKey string

const principalKey contextKey = "molt-principal"

// FromContext returns the principal attached by the auth middleware.
func FromContext(ctx context.Context) (*Principal, error) {
	principal, ok := ctx.Value(principalKey).(*Principal)
	if !ok || principal == nil {
		return nil, errors.New("no authenticated principal in context")
	}
	return principal, nil
}

// WithPrincipal attaches a principal to the context. Exposed for tests.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// Authenticator verifies the signed request envelope: header shape, timestamp
// skew, ed25519 signature, and nonce uniqueness, in that order.
type Authenticator struct {
	nonces NonceStore
	skew   time.Duration
	nowFn  func() time.Time
}

// NewAuthenticator builds an Authenticator with the given skew tolerance.
func NewAuthenticator(nonces NonceStore, skew time.Duration, nowFn func() time.Time) *Authenticator {
	if skew <= 0 {
		skew = time.Minute
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Authenticator{nonces: nonces, skew: skew, nowFn: nowFn}
}

// Authenticate validates the envelope for the request and body, returning
// the caller principal. Nonce replay is reported only when the signature was
// otherwise valid.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) (*Principal, *httperr.Error) {
	pubKey := strings.TrimSpace(r.Header.Get(HeaderPubKey))
	signature := strings.TrimSpace(r.Header.Get(HeaderSignature))
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	timestamp := strings.TrimSpace(r.Header.Get(HeaderTimestamp))

	if !pubKeyRe.MatchString(pubKey) || !signatureRe.MatchString(signature) || !nonceRe.MatchString(nonce) {
		return nil, httperr.New(httperr.CodeInvalidSignature, "missing or malformed auth envelope")
	}
	secs, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return nil, httperr.New(httperr.CodeInvalidSignature, "invalid timestamp")
	}
	now := a.nowFn().UTC()
	skew := now.Sub(time.Unix(secs, 0).UTC())
	if skew < 0 {
		skew = -skew
	}
	if skew > a.skew {
		return nil, httperr.New(httperr.CodeTimestampSkew, "timestamp outside allowed skew")
	}
	if !Verify(r.Method, requestTarget(r), timestamp, nonce, body, pubKey, signature) {
		return nil, httperr.New(httperr.CodeInvalidSignature, "signature verification failed")
	}
	hash := sha256.Sum256([]byte(nonce))
	accepted, storeErr := a.nonces.Insert(r.Context(), pubKey, hex.EncodeToString(hash[:]), now)
	if storeErr != nil {
		return nil, httperr.New(httperr.CodeInternal, "internal error")
	}
	if !accepted {
		return nil, httperr.New(httperr.CodeNonceReplay, "nonce already used")
	}
	return &Principal{PubKey: pubKey}, nil
}

// Middleware authenticates the request, buffers the body for downstream
// handlers, and attaches the principal to the context.
func (a *Authenticator) Middleware(onFailure func(code string)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(r.Body)
			if err != nil {
				httperr.Write(w, httperr.New(httperr.CodePayloadTooLarge, "request body too large"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			principal, authErr := a.Authenticate(r, body)
			if authErr != nil {
				if onFailure != nil {
					onFailure(authErr.Code)
				}
				httperr.Write(w, authErr)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

// requestTarget is the exact path plus query as signed by the client.
func requestTarget(r *http.Request) string {
	target := r.URL.Path
	if target == "" {
		target = "/"
	}
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	return target
}
