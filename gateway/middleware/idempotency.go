package middleware

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"moltrelay/gateway/auth"
	"moltrelay/gateway/httperr"
	"moltrelay/models"
)

// HeaderIdempotencyKey requests at-most-once execution of a mutation.
const HeaderIdempotencyKey = "Idempotency-Key"

// HeaderIdempotencyReplayed marks a response replayed from the memo store.
const HeaderIdempotencyReplayed = "Idempotency-Replayed"

// Idempotency memoizes mutating responses per (pubkey, key). It runs after
// auth so independent callers can reuse the same key string safely.
type Idempotency struct {
	db    *gorm.DB
	ttl   time.Duration
	nowFn func() time.Time
}

// NewIdempotency builds the middleware with the given record TTL.
func NewIdempotency(db *gorm.DB, ttl time.Duration, nowFn func() time.Time) *Idempotency {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Idempotency{db: db, ttl: ttl, nowFn: nowFn}
}

// RequestHash covers the method, path, and raw body of a mutation.
func RequestHash(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte("\n"))
	h.Write([]byte(path))
	h.Write([]byte("\n"))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Handler wraps a mutating route. Requests without the header proceed
// un-memoized.
func (i *Idempotency) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		if len(key) > 128 {
			httperr.Write(w, httperr.New(httperr.CodeValidation, "Idempotency-Key must be 1-128 characters"))
			return
		}
		principal, err := auth.FromContext(r.Context())
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			httperr.Write(w, httperr.New(httperr.CodePayloadTooLarge, "request body too large"))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		hash := RequestHash(r.Method, r.URL.Path, body)

		now := i.nowFn().UTC()
		db := i.db.WithContext(r.Context())
		if err := db.Where("created_at < ?", now.Add(-i.ttl)).Delete(&models.IdempotencyKey{}).Error; err != nil {
			httperr.WriteInternal(w)
			return
		}

		record := models.IdempotencyKey{
			PubKey:      principal.PubKey,
			Key:         key,
			RequestHash: hash,
			CreatedAt:   now,
		}
		res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
		if res.Error != nil {
			httperr.WriteInternal(w)
			return
		}
		if res.RowsAffected == 0 {
			i.replay(w, db, principal.PubKey, key, hash)
			return
		}

		recorder := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		status := recorder.status
		bodyOut := recorder.buf.String()
		_ = db.Model(&models.IdempotencyKey{}).
			Where("pub_key = ? AND key = ?", principal.PubKey, key).
			Updates(map[string]interface{}{"response_status": status, "response_body": bodyOut}).Error
	})
}

func (i *Idempotency) replay(w http.ResponseWriter, db *gorm.DB, pubKey, key, hash string) {
	var record models.IdempotencyKey
	if err := db.First(&record, "pub_key = ? AND key = ?", pubKey, key).Error; err != nil {
		httperr.WriteInternal(w)
		return
	}
	if record.RequestHash != hash {
		httperr.Write(w, httperr.New(httperr.CodeIdempotencyConflict, "idempotency key reused with a different request"))
		return
	}
	if record.ResponseStatus == nil {
		httperr.Write(w, httperr.New(httperr.CodeIdempotencyInProgress, "original request still in progress"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(HeaderIdempotencyReplayed, "true")
	w.WriteHeader(*record.ResponseStatus)
	if record.ResponseBody != nil {
		_, _ = io.WriteString(w, *record.ResponseBody)
	}
}

// responseRecorder captures the response for later replay.
type responseRecorder struct {
	http.ResponseWriter
	buf    bytes.Buffer
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	rr.buf.Write(b)
	return rr.ResponseWriter.Write(b)
}
