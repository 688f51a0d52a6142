package relay

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strconv"

	"moltrelay/gateway/httperr"
)

// Field caps from the data model.
const (
	maxTitleLen       = 120
	maxDescriptionLen = 2000
	maxTags           = 16
	maxTagLen         = 32
	maxRawAmountLen   = 40
	maxInvoiceAddrLen = 128
	maxTxHashLen      = 128
	maxResultURLLen   = 2048
	maxRequestPayload = 64 << 10
	maxErrorPayload   = 8 << 10
)

var rawAmountRe = regexp.MustCompile(`^[0-9]+$`)

type fieldIssue struct {
	Field string `json:"field"`
	Issue string `json:"issue"`
}

func issue(field, format string, args ...interface{}) fieldIssue {
	return fieldIssue{Field: field, Issue: fmt.Sprintf(format, args...)}
}

func validationError(issues []fieldIssue) *httperr.Error {
	return httperr.New(httperr.CodeValidation, "request validation failed").
		WithDetails(map[string]interface{}{"issues": issues})
}

// payloadTooLarge reports the offending field and its byte limit.
func payloadTooLarge(field string, limit int) *httperr.Error {
	return httperr.New(httperr.CodePayloadTooLarge, fmt.Sprintf("%s exceeds %d bytes", field, limit)).
		WithDetails(map[string]interface{}{"field": field, "limit_bytes": limit})
}

// jsonByteLen recomputes the serialized size of a parsed JSON value. Size
// caps apply to the canonical bytes, not the wire framing.
func jsonByteLen(v interface{}) int {
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(data)
}

// parsePage reads the limit (1-100) and offset (>= 0) query parameters.
func parsePage(query url.Values, defaultLimit int) (int, int, *httperr.Error) {
	limit := defaultLimit
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			return 0, 0, validationError([]fieldIssue{issue("limit", "must be an integer between 1 and 100")})
		}
		limit = n
	}
	offset := 0
	if raw := query.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return 0, 0, validationError([]fieldIssue{issue("offset", "must be a non-negative integer")})
		}
		offset = n
	}
	return limit, offset, nil
}

func decodeJSONBody(data []byte, dst interface{}) *httperr.Error {
	if len(data) == 0 {
		return httperr.New(httperr.CodeValidation, "request body is required")
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return httperr.New(httperr.CodeValidation, "malformed JSON body")
	}
	return nil
}
