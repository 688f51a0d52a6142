package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PricingMode selects how an offer is priced.
type PricingMode string

const (
	PricingFixed PricingMode = "fixed"
	PricingQuote PricingMode = "quote"
)

// JobStatus represents a state in the job workflow.
type JobStatus string

// All workflow states.
const (
	StatusRequested JobStatus = "requested"
	StatusQuoted    JobStatus = "quoted"
	StatusAccepted  JobStatus = "accepted"
	StatusRunning   JobStatus = "running"
	StatusDelivered JobStatus = "delivered"
	StatusFailed    JobStatus = "failed"
	StatusCanceled  JobStatus = "canceled"
	StatusExpired   JobStatus = "expired"
)

// Terminal reports whether the status absorbs all further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusDelivered, StatusFailed, StatusCanceled, StatusExpired:
		return true
	}
	return false
}

// Valid reports whether the status is one of the eight workflow states.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusRequested, StatusQuoted, StatusAccepted, StatusRunning,
		StatusDelivered, StatusFailed, StatusCanceled, StatusExpired:
		return true
	}
	return false
}

// JSONText stores a raw JSON document in a text column.
type JSONText json.RawMessage

// Value implements driver.Valuer.
func (j JSONText) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return string(j), nil
}

// Scan implements sql.Scanner.
func (j *JSONText) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*j = nil
		return nil
	case []byte:
		*j = append((*j)[:0], v...)
		return nil
	case string:
		*j = JSONText(v)
		return nil
	}
	return errors.New("models: unsupported scan source for JSONText")
}

// MarshalJSON emits the stored document verbatim, or null when absent.
func (j JSONText) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return j, nil
}

// UnmarshalJSON stores the raw document bytes.
func (j *JSONText) UnmarshalJSON(data []byte) error {
	*j = append((*j)[:0], data...)
	return nil
}

// Offer is a seller capability listing. Offers are immutable after creation
// and never deleted because jobs reference them.
type Offer struct {
	ID            uuid.UUID   `gorm:"type:uuid;primaryKey" json:"offer_id"`
	SellerPubKey  string      `gorm:"size:64;index;not null" json:"seller_pubkey"`
	Title         string      `gorm:"size:120;not null" json:"title"`
	Description   string      `gorm:"size:2000" json:"description"`
	Tags          []string    `gorm:"serializer:json;type:text" json:"tags"`
	TagsFlat      string      `gorm:"type:text" json:"-"`
	PricingMode   PricingMode `gorm:"size:8;index;check:chk_offers_pricing_mode,pricing_mode IN ('fixed','quote')" json:"pricing_mode"`
	FixedPriceRaw *string     `gorm:"size:40;check:chk_offers_fixed_price,(pricing_mode = 'fixed') = (fixed_price_raw IS NOT NULL)" json:"fixed_price_raw,omitempty"`
	Active        bool        `gorm:"index" json:"active"`
	CreatedAt     time.Time   `json:"created_at"`
}

// Job tracks one unit of work between a buyer and the seller of an offer.
// seller_pubkey is copied from the offer at creation and never changes.
type Job struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey" json:"job_id"`
	OfferID      uuid.UUID `gorm:"type:uuid;index;not null" json:"offer_id"`
	SellerPubKey string    `gorm:"size:64;index;not null" json:"seller_pubkey"`
	BuyerPubKey  string    `gorm:"size:64;index;not null" json:"buyer_pubkey"`
	Status       JobStatus `gorm:"size:16;index;check:chk_jobs_status,status IN ('requested','quoted','accepted','running','delivered','failed','canceled','expired')" json:"status"`

	RequestPayload JSONText `gorm:"type:text" json:"request_payload,omitempty"`

	QuoteAmountRaw      *string    `gorm:"size:40;check:chk_jobs_quote,status NOT IN ('quoted','accepted','running','delivered','failed') OR (quote_amount_raw IS NOT NULL AND quote_invoice_address IS NOT NULL)" json:"quote_amount_raw,omitempty"`
	QuoteInvoiceAddress *string    `gorm:"size:128" json:"quote_invoice_address,omitempty"`
	QuoteExpiresAt      *time.Time `gorm:"index:idx_jobs_quote_expiry,where:status = 'quoted'" json:"quote_expires_at,omitempty"`

	PaymentTxHash        *string `gorm:"size:128;check:chk_jobs_payment,status NOT IN ('running','delivered','failed') OR payment_tx_hash IS NOT NULL" json:"payment_tx_hash,omitempty"`
	PaymentChargeID      *string `gorm:"size:128" json:"payment_charge_id,omitempty"`
	PaymentChargeAddress *string `gorm:"size:128" json:"payment_charge_address,omitempty"`
	PaymentProvider      *string `gorm:"size:64" json:"payment_provider,omitempty"`
	PaymentSweepTxHash   *string `gorm:"size:128" json:"payment_sweep_tx_hash,omitempty"`

	LockOwner     *string    `gorm:"size:64;check:chk_jobs_lock,lock_owner IS NULL OR lock_expires_at IS NOT NULL" json:"lock_owner,omitempty"`
	LockExpiresAt *time.Time `gorm:"index:idx_jobs_lock_expiry,where:lock_owner IS NOT NULL" json:"lock_expires_at,omitempty"`

	ResultURL *string  `gorm:"size:2048;check:chk_jobs_delivered,status <> 'delivered' OR (result_url IS NOT NULL AND error IS NULL)" json:"result_url,omitempty"`
	Error     JSONText `gorm:"type:text;check:chk_jobs_failed,status <> 'failed' OR (error IS NOT NULL AND result_url IS NULL);check:chk_jobs_void,status NOT IN ('canceled','expired') OR (result_url IS NULL AND error IS NULL)" json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime:false;index" json:"updated_at"`
}

// Touch bumps updated_at, keeping it monotonically non-decreasing.
func (j *Job) Touch(now time.Time) {
	now = now.UTC().Truncate(time.Second)
	if now.Before(j.UpdatedAt) {
		now = j.UpdatedAt
	}
	j.UpdatedAt = now
}

// AuthNonce records a consumed request nonce. nonce_hash is the SHA-256 of
// the raw nonce string; rows expire on a sliding window and are swept before
// each insert.
type AuthNonce struct {
	PubKey    string    `gorm:"size:64;primaryKey"`
	NonceHash string    `gorm:"size:64;primaryKey"`
	CreatedAt time.Time `gorm:"index"`
}

// IdempotencyKey memoizes a mutating response per caller. response_status is
// null while the first request is still in flight.
type IdempotencyKey struct {
	PubKey         string    `gorm:"size:64;primaryKey"`
	Key            string    `gorm:"size:128;primaryKey"`
	RequestHash    string    `gorm:"size:64;not null"`
	ResponseStatus *int      `gorm:""`
	ResponseBody   *string   `gorm:"type:text"`
	CreatedAt      time.Time `gorm:"index"`
}

// AutoMigrate performs all schema migrations for the relay.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Offer{},
		&Job{},
		&AuthNonce{},
		&IdempotencyKey{},
	)
}

// FlattenTags produces the denormalized match column used for AND-filtering
// tag queries with LIKE, portable across postgres and sqlite.
func FlattenTags(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	flat := ""
	for _, tag := range tags {
		flat += "|" + tag + "|"
	}
	return flat
}
