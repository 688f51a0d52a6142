package httperr

import (
	"encoding/json"
	"net/http"
)

// Error codes returned by the relay. Every failure maps to exactly one code.
const (
	CodeValidation            = "validation_error"
	CodeInvalidSignature      = "auth.invalid_signature"
	CodeTimestampSkew         = "auth.timestamp_skew"
	CodeNonceReplay           = "auth.nonce_replay"
	CodeForbidden             = "forbidden"
	CodeNotFound              = "not_found"
	CodeInvalidState          = "invalid_state"
	CodeIdempotencyConflict   = "idempotency_conflict"
	CodeIdempotencyInProgress = "idempotency_in_progress"
	CodePayloadTooLarge       = "payload_too_large"
	CodeRateLimited           = "rate_limited"
	CodeInternal              = "internal_error"
)

var statusByCode = map[string]int{
	CodeValidation:            http.StatusBadRequest,
	CodeInvalidSignature:      http.StatusUnauthorized,
	CodeTimestampSkew:         http.StatusUnauthorized,
	CodeNonceReplay:           http.StatusUnauthorized,
	CodeForbidden:             http.StatusForbidden,
	CodeNotFound:              http.StatusNotFound,
	CodeInvalidState:          http.StatusConflict,
	CodeIdempotencyConflict:   http.StatusConflict,
	CodeIdempotencyInProgress: http.StatusConflict,
	CodePayloadTooLarge:       http.StatusRequestEntityTooLarge,
	CodeRateLimited:           http.StatusTooManyRequests,
	CodeInternal:              http.StatusInternalServerError,
}

// Error is an API failure carrying a taxonomy code and optional details.
type Error struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Status returns the HTTP status the code maps to.
func (e *Error) Status() int {
	if status, ok := statusByCode[e.Code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// New builds an API error for the given code.
func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithDetails attaches a details payload and returns the error.
func (e *Error) WithDetails(details interface{}) *Error {
	e.Details = details
	return e
}

type envelope struct {
	Error *Error `json:"error"`
}

// Write renders the uniform error envelope.
func Write(w http.ResponseWriter, err *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Status())
	_ = json.NewEncoder(w).Encode(envelope{Error: err})
}

// WriteInternal logs nothing and leaks nothing: callers log the cause with
// the request id, clients only see a generic message.
func WriteInternal(w http.ResponseWriter) {
	Write(w, New(CodeInternal, "internal error"))
}
