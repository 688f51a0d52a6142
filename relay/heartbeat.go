package relay

import (
	"net/http"
	"strconv"
	"time"

	"moltrelay/gateway/auth"
	"moltrelay/gateway/httperr"
	"moltrelay/models"
)

// defaultHeartbeatStatuses is the work a seller cares about when no status
// filter is given: jobs awaiting a quote, awaiting a lock, or in flight.
var defaultHeartbeatStatuses = []models.JobStatus{
	models.StatusRequested,
	models.StatusAccepted,
	models.StatusRunning,
}

type heartbeatResponse struct {
	Jobs     []models.Job `json:"jobs"`
	Limit    int          `json:"limit"`
	Offset   int          `json:"offset"`
	Total    int64        `json:"total"`
	WaitedMS int64        `json:"waited_ms"`
}

// SellerHeartbeat is the long-poll work feed. When the first query is empty
// and a wait budget was given, the call parks on the notifier until a job
// touching this seller changes, the budget elapses, or the client goes away;
// registration doubles as the seller's online presence for the catalog.
func (s *Server) SellerHeartbeat(w http.ResponseWriter, r *http.Request) {
	principal, err := auth.FromContext(r.Context())
	if err != nil {
		httperr.Write(w, httperr.New(httperr.CodeInvalidSignature, "missing identity"))
		return
	}
	query := r.URL.Query()
	limit, offset, pageErr := parsePage(query, 50)
	if pageErr != nil {
		httperr.Write(w, pageErr)
		return
	}
	statuses, statusErr := parseStatuses(query.Get("status"), defaultHeartbeatStatuses)
	if statusErr != nil {
		httperr.Write(w, statusErr)
		return
	}
	updatedAfter, cursorErr := parseUpdatedAfter(query.Get("updated_after"))
	if cursorErr != nil {
		httperr.Write(w, cursorErr)
		return
	}
	var wait time.Duration
	if raw := query.Get("wait_ms"); raw != "" {
		n, parseErr := strconv.Atoi(raw)
		if parseErr != nil || n < 0 {
			httperr.Write(w, validationError([]fieldIssue{issue("wait_ms", "must be a non-negative integer")}))
			return
		}
		wait = time.Duration(n) * time.Millisecond
		if wait > s.cfg.HeartbeatMaxWait {
			wait = s.cfg.HeartbeatMaxWait
		}
	}

	jobs, total, queryErr := s.heartbeatJobs(r, principal.PubKey, statuses, updatedAfter, limit, offset)
	if queryErr != nil {
		s.internalError(w, r, queryErr)
		return
	}

	var waitedMS int64
	if len(jobs) == 0 && wait > 0 {
		ch := s.notifier.Register(principal.PubKey)
		defer s.notifier.Unregister(principal.PubKey, ch)
		s.metrics.ObserveHeartbeatWait()

		started := time.Now()
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ch:
			s.metrics.ObserveHeartbeatWakeup("notify")
		case <-timer.C:
			s.metrics.ObserveHeartbeatWakeup("timeout")
		case <-r.Context().Done():
			s.metrics.ObserveHeartbeatWakeup("canceled")
			return
		}
		waitedMS = time.Since(started).Milliseconds()

		jobs, total, queryErr = s.heartbeatJobs(r, principal.PubKey, statuses, updatedAfter, limit, offset)
		if queryErr != nil {
			s.internalError(w, r, queryErr)
			return
		}
	}

	s.writeJSON(w, http.StatusOK, heartbeatResponse{
		Jobs:     jobs,
		Limit:    limit,
		Offset:   offset,
		Total:    total,
		WaitedMS: waitedMS,
	})
}

// heartbeatJobs runs one snapshot query for the seller's pending work,
// ordered by updated_at so the cursor never skips a change.
func (s *Server) heartbeatJobs(r *http.Request, sellerPubKey string, statuses []models.JobStatus, updatedAfter *time.Time, limit, offset int) ([]models.Job, int64, error) {
	db := s.db.WithContext(r.Context()).Model(&models.Job{}).
		Where("seller_pub_key = ?", sellerPubKey).
		Where("status IN ?", statuses)
	if updatedAfter != nil {
		db = db.Where("updated_at > ?", *updatedAfter)
	}
	var total int64
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	jobs := []models.Job{}
	if err := db.Order("updated_at ASC").Limit(limit).Offset(offset).Find(&jobs).Error; err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}
