package plan

import "errors"

// Creation validation failures. Validate returns the first one that
// applies, optionally wrapped with the offending values.
var (
	ErrExecutorRequired     = errors.New("plan: executor required")
	ErrNoBeneficiaries      = errors.New("plan: at least one beneficiary required")
	ErrShareMismatch        = errors.New("plan: beneficiary and share counts differ")
	ErrShareSum             = errors.New("plan: shares must sum to 10000 basis points")
	ErrThresholdInvalid     = errors.New("plan: guardian threshold out of range")
	ErrHeartbeatInterval    = errors.New("plan: heartbeat interval must not be negative")
	ErrDuplicateGuardian    = errors.New("plan: duplicate guardian")
	ErrDuplicateBeneficiary = errors.New("plan: duplicate beneficiary")
)

// Lifecycle and authorization failures shared across components.
var (
	ErrNotFound           = errors.New("plan: not found")
	ErrAlreadyReleased    = errors.New("plan: already released")
	ErrUnauthorized       = errors.New("plan: caller not authorized")
	ErrNotYetEligible     = errors.New("plan: inactivity deadline not reached")
	ErrExecutorMissing    = errors.New("plan: no executor configured")
	ErrExecutorCallFailed = errors.New("plan: executor release call failed")
	ErrReleaseInProgress  = errors.New("plan: release already in progress")
)

var validationErrs = []error{
	ErrExecutorRequired,
	ErrNoBeneficiaries,
	ErrShareMismatch,
	ErrShareSum,
	ErrThresholdInvalid,
	ErrHeartbeatInterval,
	ErrDuplicateGuardian,
	ErrDuplicateBeneficiary,
}

// IsValidation reports whether err is (or wraps) one of the creation
// validation failures.
func IsValidation(err error) bool {
	for _, v := range validationErrs {
		if errors.Is(err, v) {
			return true
		}
	}
	return false
}
