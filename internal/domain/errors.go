package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrLockHeld      = errors.New("lock already held")

	ErrValidation             = errors.New("validation error")
	ErrProposalAlreadyPending = errors.New("proposal already pending")
	ErrDisputeNotAllowed      = errors.New("dispute not allowed")
	ErrDisputeLimitExceeded   = errors.New("dispute limit exceeded")
	ErrMarketAlreadyFinal     = errors.New("market already final")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrEscrowFailed           = errors.New("escrow failed")
	ErrEventAlreadyReviewed   = errors.New("event already reviewed")
	ErrNoTimingData           = errors.New("no dispute window timing data")
)

// Kind returns the taxonomy name of a resolution error, or "internal" when err
// does not wrap one of the sentinels above.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "ValidationError"
	case errors.Is(err, ErrProposalAlreadyPending):
		return "ProposalAlreadyPending"
	case errors.Is(err, ErrDisputeNotAllowed), errors.Is(err, ErrNoTimingData):
		return "DisputeNotAllowed"
	case errors.Is(err, ErrDisputeLimitExceeded):
		return "DisputeLimitExceeded"
	case errors.Is(err, ErrMarketAlreadyFinal):
		return "MarketAlreadyFinal"
	case errors.Is(err, ErrConcurrentModification), errors.Is(err, ErrLockHeld):
		return "ConcurrentModification"
	case errors.Is(err, ErrEscrowFailed):
		return "EscrowFailed"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrEventAlreadyReviewed):
		return "EventAlreadyReviewed"
	case errors.Is(err, ErrUnauthorized):
		return "Unauthorized"
	default:
		return "internal"
	}
}
