package relay

import (
	"fmt"
	"time"

	"moltrelay/models"
)

var allowedTransitions = map[models.JobStatus][]models.JobStatus{
	models.StatusRequested: {models.StatusQuoted, models.StatusCanceled},
	models.StatusQuoted:    {models.StatusAccepted, models.StatusCanceled, models.StatusExpired},
	models.StatusAccepted:  {models.StatusRunning, models.StatusCanceled, models.StatusExpired},
	models.StatusRunning:   {models.StatusDelivered, models.StatusFailed},
}

// ValidateTransition ensures the transition follows the job state machine.
// Terminal states absorb everything.
func ValidateTransition(current, next models.JobStatus) error {
	if current == next {
		return nil
	}
	allowed, ok := allowedTransitions[current]
	if !ok {
		return fmt.Errorf("no transitions allowed from %s", current)
	}
	for _, state := range allowed {
		if state == next {
			return nil
		}
	}
	return fmt.Errorf("transition from %s to %s is not permitted", current, next)
}

// quoteExpired fires when a quoted job's quote TTL has elapsed. The boundary
// is inclusive: an accept arriving at the expiry instant loses.
func quoteExpired(job *models.Job, now time.Time) bool {
	return job.Status == models.StatusQuoted &&
		job.QuoteExpiresAt != nil &&
		!job.QuoteExpiresAt.After(now)
}

// paymentExpired fires when an accepted job sat unpaid past the payment TTL.
func paymentExpired(job *models.Job, now time.Time, ttl time.Duration) bool {
	return job.Status == models.StatusAccepted &&
		job.PaymentTxHash == nil &&
		!job.UpdatedAt.Add(ttl).After(now)
}

// lockHeld reports whether the job's execution lease is still valid.
func lockHeld(job *models.Job, now time.Time) bool {
	return job.LockOwner != nil &&
		job.LockExpiresAt != nil &&
		job.LockExpiresAt.After(now)
}
