package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"moltrelay/gateway/auth"
	"moltrelay/gateway/httperr"
	"moltrelay/models"
)

// withJob runs fn against a row-locked job inside one transaction, applying
// lazy expiry before fn observes the row. fn may return an *httperr.Error to
// surface a precondition failure.
func (s *Server) withJob(r *http.Request, jobID uuid.UUID, fn func(tx *gorm.DB, job *models.Job) error) (*models.Job, *models.JobStatus, *httperr.Error) {
	var job models.Job
	var expiredFrom *models.JobStatus
	var opErr *httperr.Error
	now := s.now().UTC()

	err := s.db.WithContext(r.Context()).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&job, "id = ?", jobID).Error; err != nil {
			return err
		}
		if quoteExpired(&job, now) || paymentExpired(&job, now, s.cfg.PaymentTTL) {
			from := job.Status
			job.Status = models.StatusExpired
			if err := s.saveJob(tx, &job); err != nil {
				return err
			}
			expiredFrom = &from
		}
		// Precondition failures commit: the lazy expiry write above must
		// survive a rejected operation.
		if err := fn(tx, &job); err != nil {
			if errors.As(err, &opErr) {
				return nil
			}
			return err
		}
		return nil
	})
	if err == nil && expiredFrom != nil {
		s.logTransition(r, &job, *expiredFrom, "relay")
		s.notifier.Notify(job.SellerPubKey)
	}
	if err == nil && opErr != nil {
		return &job, expiredFrom, opErr
	}
	if err != nil {
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return nil, nil, httperr.New(httperr.CodeNotFound, "job not found")
		default:
			s.logger.Error("job transaction failed",
				slog.String("request_id", chimw.GetReqID(r.Context())),
				slog.String("job_id", jobID.String()),
				slog.Any("error", err),
			)
			return nil, nil, httperr.New(httperr.CodeInternal, "internal error")
		}
	}
	return &job, expiredFrom, nil
}

// saveJob persists the row, bumping updated_at monotonically.
func (s *Server) saveJob(tx *gorm.DB, job *models.Job) error {
	job.Touch(s.now())
	return tx.Save(job).Error
}

func (s *Server) logTransition(r *http.Request, job *models.Job, from models.JobStatus, actor string) {
	s.metrics.ObserveTransition(string(from), string(job.Status))
	s.logger.Info("job transition",
		slog.String("request_id", chimw.GetReqID(r.Context())),
		slog.String("job_id", job.ID.String()),
		slog.String("from", string(from)),
		slog.String("to", string(job.Status)),
		slog.String("actor", actor),
	)
}

// afterTransition records the transition and wakes the seller's heartbeat
// waiters.
func (s *Server) afterTransition(r *http.Request, job *models.Job, from models.JobStatus, actor string) {
	s.logTransition(r, job, from, actor)
	s.notifier.Notify(job.SellerPubKey)
}

func invalidState(format string, args ...interface{}) *httperr.Error {
	return httperr.New(httperr.CodeInvalidState, fmt.Sprintf(format, args...))
}

func forbidden(message string) *httperr.Error {
	return httperr.New(httperr.CodeForbidden, message)
}

func jobIDParam(r *http.Request) (uuid.UUID, *httperr.Error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, validationError([]fieldIssue{issue("id", "must be a UUID")})
	}
	return id, nil
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httperr.Write(w, httperr.New(httperr.CodePayloadTooLarge, "request body too large"))
		return nil, false
	}
	return body, true
}

type createJobRequest struct {
	OfferID        uuid.UUID       `json:"offer_id"`
	RequestPayload json.RawMessage `json:"request_payload"`
}

// CreateJob opens a new job in the requested state. The buyer is the caller;
// the seller is copied from the offer and never changes.
func (s *Server) CreateJob(w http.ResponseWriter, r *http.Request) {
	principal, err := auth.FromContext(r.Context())
	if err != nil {
		httperr.Write(w, httperr.New(httperr.CodeInvalidSignature, "missing identity"))
		return
	}
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var req createJobRequest
	if decodeErr := decodeJSONBody(body, &req); decodeErr != nil {
		httperr.Write(w, decodeErr)
		return
	}
	if req.OfferID == uuid.Nil {
		httperr.Write(w, validationError([]fieldIssue{issue("offer_id", "must be a UUID")}))
		return
	}
	var payload map[string]interface{}
	if len(req.RequestPayload) == 0 || json.Unmarshal(req.RequestPayload, &payload) != nil || payload == nil {
		httperr.Write(w, validationError([]fieldIssue{issue("request_payload", "must be a JSON object")}))
		return
	}
	if jsonByteLen(payload) > maxRequestPayload {
		httperr.Write(w, payloadTooLarge("request_payload", maxRequestPayload))
		return
	}

	var offer models.Offer
	if err := s.db.WithContext(r.Context()).First(&offer, "id = ?", req.OfferID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			httperr.Write(w, httperr.New(httperr.CodeNotFound, "offer not found"))
			return
		}
		s.internalError(w, r, err)
		return
	}
	if !offer.Active {
		httperr.Write(w, invalidState("offer is not active"))
		return
	}

	now := s.now().UTC().Truncate(time.Second)
	job := models.Job{
		ID:             uuid.New(),
		OfferID:        offer.ID,
		SellerPubKey:   offer.SellerPubKey,
		BuyerPubKey:    principal.PubKey,
		Status:         models.StatusRequested,
		RequestPayload: models.JSONText(req.RequestPayload),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.db.WithContext(r.Context()).Create(&job).Error; err != nil {
		s.internalError(w, r, err)
		return
	}
	s.logTransition(r, &job, models.StatusRequested, "buyer")
	s.notifier.Notify(job.SellerPubKey)
	s.writeJSON(w, http.StatusCreated, job)
}

type quoteRequest struct {
	QuoteAmountRaw      string     `json:"quote_amount_raw"`
	QuoteInvoiceAddress string     `json:"quote_invoice_address"`
	QuoteExpiresAt      *time.Time `json:"quote_expires_at"`
}

// QuoteJob records the seller's binding price for a requested job.
func (s *Server) QuoteJob(w http.ResponseWriter, r *http.Request) {
	principal, err := auth.FromContext(r.Context())
	if err != nil {
		httperr.Write(w, httperr.New(httperr.CodeInvalidSignature, "missing identity"))
		return
	}
	jobID, idErr := jobIDParam(r)
	if idErr != nil {
		httperr.Write(w, idErr)
		return
	}
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var req quoteRequest
	if decodeErr := decodeJSONBody(body, &req); decodeErr != nil {
		httperr.Write(w, decodeErr)
		return
	}

	var issues []fieldIssue
	if len(req.QuoteAmountRaw) == 0 || len(req.QuoteAmountRaw) > maxRawAmountLen || !rawAmountRe.MatchString(req.QuoteAmountRaw) {
		issues = append(issues, issue("quote_amount_raw", "must be a decimal integer of at most %d digits", maxRawAmountLen))
	}
	if addr := strings.TrimSpace(req.QuoteInvoiceAddress); addr == "" || len(addr) > maxInvoiceAddrLen {
		issues = append(issues, issue("quote_invoice_address", "must be 1-%d characters", maxInvoiceAddrLen))
	}
	now := s.now().UTC().Truncate(time.Second)
	expiresAt := now.Add(s.cfg.QuoteDefaultTTL)
	if req.QuoteExpiresAt != nil {
		expiresAt = req.QuoteExpiresAt.UTC().Truncate(time.Second)
		if !expiresAt.After(now) || expiresAt.After(now.Add(s.cfg.QuoteMaxTTL)) {
			issues = append(issues, issue("quote_expires_at", "must be in the future and within %s", s.cfg.QuoteMaxTTL))
		}
	}
	if len(issues) > 0 {
		httperr.Write(w, validationError(issues))
		return
	}

	amount := req.QuoteAmountRaw
	address := strings.TrimSpace(req.QuoteInvoiceAddress)
	job, _, apiErr := s.withJob(r, jobID, func(tx *gorm.DB, job *models.Job) error {
		if job.SellerPubKey != principal.PubKey {
			return forbidden("caller is not the seller for this job")
		}
		if job.Status != models.StatusRequested {
			return invalidState("job is %s", job.Status)
		}
		job.Status = models.StatusQuoted
		job.QuoteAmountRaw = &amount
		job.QuoteInvoiceAddress = &address
		job.QuoteExpiresAt = &expiresAt
		return s.saveJob(tx, job)
	})
	if apiErr != nil {
		httperr.Write(w, apiErr)
		return
	}
	s.afterTransition(r, job, models.StatusRequested, "seller")
	s.writeJSON(w, http.StatusOK, job)
}

// AcceptJob commits the buyer to the quoted price. An accept arriving at or
// after the quote expiry loses to lazy expiry.
func (s *Server) AcceptJob(w http.ResponseWriter, r *http.Request) {
	principal, err := auth.FromContext(r.Context())
	if err != nil {
		httperr.Write(w, httperr.New(httperr.CodeInvalidSignature, "missing identity"))
		return
	}
	jobID, idErr := jobIDParam(r)
	if idErr != nil {
		httperr.Write(w, idErr)
		return
	}
	job, _, apiErr := s.withJob(r, jobID, func(tx *gorm.DB, job *models.Job) error {
		if job.BuyerPubKey != principal.PubKey {
			return forbidden("caller is not the buyer for this job")
		}
		if job.Status != models.StatusQuoted {
			return invalidState("job is %s", job.Status)
		}
		job.Status = models.StatusAccepted
		return s.saveJob(tx, job)
	})
	if apiErr != nil {
		httperr.Write(w, apiErr)
		return
	}
	s.afterTransition(r, job, models.StatusQuoted, "buyer")
	s.writeJSON(w, http.StatusOK, job)
}

type paymentRequest struct {
	PaymentTxHash        string  `json:"payment_tx_hash"`
	PaymentProvider      *string `json:"payment_provider"`
	PaymentChargeID      *string `json:"payment_charge_id"`
	PaymentChargeAddress *string `json:"payment_charge_address"`
}

// RecordPayment stores the buyer's transaction hash. The hash is write-once
// per job; resubmitting the identical value is an idempotent success.
func (s *Server) RecordPayment(w http.ResponseWriter, r *http.Request) {
	principal, err := auth.FromContext(r.Context())
	if err != nil {
		httperr.Write(w, httperr.New(httperr.CodeInvalidSignature, "missing identity"))
		return
	}
	jobID, idErr := jobIDParam(r)
	if idErr != nil {
		httperr.Write(w, idErr)
		return
	}
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var req paymentRequest
	if decodeErr := decodeJSONBody(body, &req); decodeErr != nil {
		httperr.Write(w, decodeErr)
		return
	}
	hash := strings.TrimSpace(req.PaymentTxHash)
	var issues []fieldIssue
	if hash == "" || len(hash) > maxTxHashLen {
		issues = append(issues, issue("payment_tx_hash", "must be 1-%d characters", maxTxHashLen))
	}
	for field, value := range map[string]*string{
		"payment_provider":       req.PaymentProvider,
		"payment_charge_id":      req.PaymentChargeID,
		"payment_charge_address": req.PaymentChargeAddress,
	} {
		if value != nil && (len(*value) == 0 || len(*value) > maxTxHashLen) {
			issues = append(issues, issue(field, "must be 1-%d characters", maxTxHashLen))
		}
	}
	if len(issues) > 0 {
		httperr.Write(w, validationError(issues))
		return
	}

	changed := false
	job, _, apiErr := s.withJob(r, jobID, func(tx *gorm.DB, job *models.Job) error {
		if job.BuyerPubKey != principal.PubKey {
			return forbidden("caller is not the buyer for this job")
		}
		if job.Status != models.StatusAccepted {
			return invalidState("job is %s", job.Status)
		}
		if job.PaymentTxHash != nil {
			if *job.PaymentTxHash == hash {
				return nil
			}
			return invalidState("payment_tx_hash is already recorded")
		}
		job.PaymentTxHash = &hash
		if req.PaymentProvider != nil {
			job.PaymentProvider = req.PaymentProvider
		}
		if req.PaymentChargeID != nil {
			job.PaymentChargeID = req.PaymentChargeID
		}
		if req.PaymentChargeAddress != nil {
			job.PaymentChargeAddress = req.PaymentChargeAddress
		}
		changed = true
		return s.saveJob(tx, job)
	})
	if apiErr != nil {
		httperr.Write(w, apiErr)
		return
	}
	if changed {
		s.afterTransition(r, job, models.StatusAccepted, "buyer")
	}
	s.writeJSON(w, http.StatusOK, job)
}

// LockJob acquires or extends the execution lease. The lease is advisory: a
// holder extends freely, and a stale lease may be seized after expiry.
func (s *Server) LockJob(w http.ResponseWriter, r *http.Request) {
	principal, err := auth.FromContext(r.Context())
	if err != nil {
		httperr.Write(w, httperr.New(httperr.CodeInvalidSignature, "missing identity"))
		return
	}
	jobID, idErr := jobIDParam(r)
	if idErr != nil {
		httperr.Write(w, idErr)
		return
	}
	now := s.now().UTC().Truncate(time.Second)
	expiresAt := now.Add(s.cfg.LockTTL)
	var from models.JobStatus
	job, _, apiErr := s.withJob(r, jobID, func(tx *gorm.DB, job *models.Job) error {
		if job.SellerPubKey != principal.PubKey {
			return forbidden("caller is not the seller for this job")
		}
		from = job.Status
		switch job.Status {
		case models.StatusAccepted:
			if job.PaymentTxHash == nil {
				return invalidState("payment is required before lock")
			}
			job.Status = models.StatusRunning
		case models.StatusRunning:
			if job.LockOwner != nil && *job.LockOwner != principal.PubKey && lockHeld(job, now) {
				return invalidState("lock is held by another seller")
			}
		default:
			return invalidState("job is %s", job.Status)
		}
		owner := principal.PubKey
		job.LockOwner = &owner
		job.LockExpiresAt = &expiresAt
		return s.saveJob(tx, job)
	})
	if apiErr != nil {
		httperr.Write(w, apiErr)
		return
	}
	s.afterTransition(r, job, from, "seller")
	s.writeJSON(w, http.StatusOK, job)
}

type deliverRequest struct {
	ResultURL *string         `json:"result_url"`
	Error     json.RawMessage `json:"error"`
}

// DeliverJob terminates a running job with exactly one of a result URL or an
// error document. The lease must still be valid when the transaction
// commits.
func (s *Server) DeliverJob(w http.ResponseWriter, r *http.Request) {
	principal, err := auth.FromContext(r.Context())
	if err != nil {
		httperr.Write(w, httperr.New(httperr.CodeInvalidSignature, "missing identity"))
		return
	}
	jobID, idErr := jobIDParam(r)
	if idErr != nil {
		httperr.Write(w, idErr)
		return
	}
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	var req deliverRequest
	if decodeErr := decodeJSONBody(body, &req); decodeErr != nil {
		httperr.Write(w, decodeErr)
		return
	}
	hasResult := req.ResultURL != nil
	hasError := len(req.Error) > 0 && string(req.Error) != "null"
	if hasResult == hasError {
		httperr.Write(w, validationError([]fieldIssue{issue("result_url", "exactly one of result_url and error is required")}))
		return
	}
	if hasResult {
		if *req.ResultURL == "" {
			httperr.Write(w, validationError([]fieldIssue{issue("result_url", "must not be empty")}))
			return
		}
		if len(*req.ResultURL) > maxResultURLLen {
			httperr.Write(w, payloadTooLarge("result_url", maxResultURLLen))
			return
		}
	}
	if hasError {
		var errObj map[string]interface{}
		if json.Unmarshal(req.Error, &errObj) != nil || errObj == nil {
			httperr.Write(w, validationError([]fieldIssue{issue("error", "must be a JSON object")}))
			return
		}
		if jsonByteLen(errObj) > maxErrorPayload {
			httperr.Write(w, payloadTooLarge("error", maxErrorPayload))
			return
		}
	}

	now := s.now().UTC()
	job, _, apiErr := s.withJob(r, jobID, func(tx *gorm.DB, job *models.Job) error {
		if job.SellerPubKey != principal.PubKey {
			return forbidden("caller is not the seller for this job")
		}
		if job.Status != models.StatusRunning {
			return invalidState("job is %s", job.Status)
		}
		if job.LockOwner == nil || *job.LockOwner != principal.PubKey || !lockHeld(job, now) {
			return invalidState("execution lock is not held by the caller")
		}
		if hasResult {
			job.Status = models.StatusDelivered
			job.ResultURL = req.ResultURL
			job.Error = nil
		} else {
			job.Status = models.StatusFailed
			job.Error = models.JSONText(req.Error)
			job.ResultURL = nil
		}
		return s.saveJob(tx, job)
	})
	if apiErr != nil {
		httperr.Write(w, apiErr)
		return
	}
	s.afterTransition(r, job, models.StatusRunning, "seller")
	s.writeJSON(w, http.StatusOK, job)
}

// CancelJob lets the buyer abandon a job before execution starts.
func (s *Server) CancelJob(w http.ResponseWriter, r *http.Request) {
	principal, err := auth.FromContext(r.Context())
	if err != nil {
		httperr.Write(w, httperr.New(httperr.CodeInvalidSignature, "missing identity"))
		return
	}
	jobID, idErr := jobIDParam(r)
	if idErr != nil {
		httperr.Write(w, idErr)
		return
	}
	var from models.JobStatus
	job, _, apiErr := s.withJob(r, jobID, func(tx *gorm.DB, job *models.Job) error {
		if job.BuyerPubKey != principal.PubKey {
			return forbidden("caller is not the buyer for this job")
		}
		switch job.Status {
		case models.StatusRequested, models.StatusQuoted, models.StatusAccepted:
		default:
			return invalidState("job is %s", job.Status)
		}
		from = job.Status
		job.Status = models.StatusCanceled
		job.LockOwner = nil
		job.LockExpiresAt = nil
		return s.saveJob(tx, job)
	})
	if apiErr != nil {
		httperr.Write(w, apiErr)
		return
	}
	s.afterTransition(r, job, from, "buyer")
	s.writeJSON(w, http.StatusOK, job)
}

// GetJob returns the job to either participant, applying lazy expiry so a
// stale quote or unpaid acceptance reads back as expired.
func (s *Server) GetJob(w http.ResponseWriter, r *http.Request) {
	principal, err := auth.FromContext(r.Context())
	if err != nil {
		httperr.Write(w, httperr.New(httperr.CodeInvalidSignature, "missing identity"))
		return
	}
	jobID, idErr := jobIDParam(r)
	if idErr != nil {
		httperr.Write(w, idErr)
		return
	}
	job, _, apiErr := s.withJob(r, jobID, func(tx *gorm.DB, job *models.Job) error {
		if job.BuyerPubKey != principal.PubKey && job.SellerPubKey != principal.PubKey {
			return forbidden("caller is not a participant in this job")
		}
		return nil
	})
	if apiErr != nil {
		httperr.Write(w, apiErr)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

type jobPage struct {
	Jobs   []models.Job `json:"jobs"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
	Total  int64        `json:"total"`
}

// parseStatuses reads a comma-separated status filter.
func parseStatuses(raw string, fallback []models.JobStatus) ([]models.JobStatus, *httperr.Error) {
	if strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	var statuses []models.JobStatus
	for _, part := range strings.Split(raw, ",") {
		status := models.JobStatus(strings.TrimSpace(part))
		if !status.Valid() {
			return nil, validationError([]fieldIssue{issue("status", "contains an unknown status %q", part)})
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

func parseUpdatedAfter(raw string) (*time.Time, *httperr.Error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, validationError([]fieldIssue{issue("updated_after", "must be an RFC 3339 timestamp")})
	}
	utc := t.UTC()
	return &utc, nil
}

// ListJobs returns the caller's jobs on either side of the market.
func (s *Server) ListJobs(w http.ResponseWriter, r *http.Request) {
	principal, err := auth.FromContext(r.Context())
	if err != nil {
		httperr.Write(w, httperr.New(httperr.CodeInvalidSignature, "missing identity"))
		return
	}
	query := r.URL.Query()
	limit, offset, pageErr := parsePage(query, 20)
	if pageErr != nil {
		httperr.Write(w, pageErr)
		return
	}
	statuses, statusErr := parseStatuses(query.Get("status"), nil)
	if statusErr != nil {
		httperr.Write(w, statusErr)
		return
	}
	updatedAfter, cursorErr := parseUpdatedAfter(query.Get("updated_after"))
	if cursorErr != nil {
		httperr.Write(w, cursorErr)
		return
	}

	db := s.db.WithContext(r.Context()).Model(&models.Job{})
	switch query.Get("role") {
	case "buyer":
		db = db.Where("buyer_pub_key = ?", principal.PubKey)
	case "seller":
		db = db.Where("seller_pub_key = ?", principal.PubKey)
	case "":
		db = db.Where("(buyer_pub_key = ? OR seller_pub_key = ?)", principal.PubKey, principal.PubKey)
	default:
		httperr.Write(w, validationError([]fieldIssue{issue("role", "must be buyer or seller")}))
		return
	}
	if len(statuses) > 0 {
		db = db.Where("status IN ?", statuses)
	}
	order := "created_at DESC"
	if updatedAfter != nil {
		db = db.Where("updated_at > ?", *updatedAfter)
		order = "updated_at ASC"
	}

	var total int64
	if err := db.Count(&total).Error; err != nil {
		s.internalError(w, r, err)
		return
	}
	jobs := []models.Job{}
	if err := db.Order(order).Limit(limit).Offset(offset).Find(&jobs).Error; err != nil {
		s.internalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, jobPage{Jobs: jobs, Limit: limit, Offset: offset, Total: total})
}
