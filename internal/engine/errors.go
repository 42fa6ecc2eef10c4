package engine

import "errors"

// Failure kinds returned by escrow operations. Every failure is an atomic
// abort; callers inspect the kind with errors.Is and decide whether to
// retry. Anything not covered here is a programming defect, not a runtime
// condition.
var (
	ErrUnauthorized          = errors.New("unauthorized")
	ErrInvalidState          = errors.New("operation not valid in current job state")
	ErrInvalidMilestoneState = errors.New("operation not valid in current milestone state")
	ErrInvalidDeadline       = errors.New("deadline must be in the future")
	ErrInsufficientFunds     = errors.New("insufficient funds to escrow budget")
	ErrBudgetExceeded        = errors.New("milestone total exceeds job budget")
	ErrDuplicateApplication  = errors.New("address already applied to this job")
	ErrSelfApplication       = errors.New("client cannot apply to own job")
	ErrNotAnApplicant        = errors.New("address is not in the applicant set")
	ErrInvalidRating         = errors.New("rating outside the valid range")
	ErrMissingCapability     = errors.New("required capability missing or already consumed")
	ErrAlreadyReleased       = errors.New("milestone funds already released")
)
