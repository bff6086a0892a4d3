// Package businessflow contains the core business logic of the watch-link session protocol
package businessflow

import (
	"errors"
	"fmt"
)

// Business flow error constants
var (
	// Input errors
	ErrMissingEnvelope     = errors.New("metadata envelope is required")
	ErrInvalidEnvelope     = errors.New("metadata envelope is invalid")
	ErrSubscriberRequired  = errors.New("subscriber id is required")
	ErrTokenRequired       = errors.New("token is required")
	ErrCredentialRequired  = errors.New("credential is required")
	ErrInvalidTimeRange    = errors.New("invalid time range")
	ErrNoEligibleAd        = errors.New("no eligible ad available")
	ErrSubscriberLocked    = errors.New("another link request for this subscriber is in progress")
	ErrRotationUnavailable = errors.New("ad rotation store unavailable")

	// Session lookup and temporal errors
	ErrSessionNotFound  = errors.New("watch session not found")
	ErrSessionExpired   = errors.New("watch session expired")
	ErrSessionCompleted = errors.New("watch session already completed")

	// Authorization errors
	ErrCredentialMismatch     = errors.New("credential does not match")
	ErrIllegalPhase           = errors.New("illegal phase transition")
	ErrCompletionWithoutStart = fmt.Errorf("%w: completion without start", ErrIllegalPhase)
	ErrSubscriberMismatch     = errors.New("subscriber does not match session")
	ErrFraudBlocked           = errors.New("blocked by fraud policy")

	// Concurrency errors
	ErrTransitionConflict = errors.New("watch session changed concurrently")

	// Settlement errors
	ErrSessionNotCompleted = errors.New("watch session is not completed")
	ErrAdNotFound          = errors.New("ad not found")
	ErrSponsorNotFound     = errors.New("sponsor not found")
	ErrSettlementPending   = errors.New("settlement pending")
)

type BusinessError struct {
	Code    string
	Message string
	Err     error
}

func (e *BusinessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *BusinessError) Unwrap() error {
	return e.Err
}

func NewBusinessError(code, message string, err error) *BusinessError {
	return &BusinessError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

func NewBusinessErrorf(code, message string, err error, args ...any) *BusinessError {
	return &BusinessError{
		Code:    code,
		Message: fmt.Sprintf(message, args...),
		Err:     err,
	}
}

// ErrorCode returns the code of the outermost BusinessError in err's chain
func ErrorCode(err error) string {
	var be *BusinessError
	if errors.As(err, &be) {
		return be.Code
	}
	return ""
}

func IsInvalidEnvelope(err error) bool {
	return errors.Is(err, ErrInvalidEnvelope) || errors.Is(err, ErrMissingEnvelope)
}

func IsBadRequest(err error) bool {
	return IsInvalidEnvelope(err) ||
		errors.Is(err, ErrSubscriberRequired) ||
		errors.Is(err, ErrTokenRequired) ||
		errors.Is(err, ErrCredentialRequired) ||
		errors.Is(err, ErrInvalidTimeRange) ||
		errors.Is(err, ErrNoEligibleAd)
}

func IsSessionNotFound(err error) bool {
	return errors.Is(err, ErrSessionNotFound)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrAdNotFound) ||
		errors.Is(err, ErrSponsorNotFound)
}

// IsGone reports an expired session or a fetch of an already completed one
func IsGone(err error) bool {
	return errors.Is(err, ErrSessionExpired) || errors.Is(err, ErrSessionCompleted)
}

func IsCredentialMismatch(err error) bool {
	return errors.Is(err, ErrCredentialMismatch)
}

func IsIllegalPhase(err error) bool {
	return errors.Is(err, ErrIllegalPhase)
}

func IsCompletionWithoutStart(err error) bool {
	return errors.Is(err, ErrCompletionWithoutStart)
}

func IsSubscriberMismatch(err error) bool {
	return errors.Is(err, ErrSubscriberMismatch)
}

func IsFraudBlocked(err error) bool {
	return errors.Is(err, ErrFraudBlocked)
}

func IsForbidden(err error) bool {
	return IsCredentialMismatch(err) || IsIllegalPhase(err) || IsSubscriberMismatch(err) || IsFraudBlocked(err)
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrTransitionConflict) ||
		errors.Is(err, ErrSubscriberLocked) ||
		errors.Is(err, ErrSessionNotCompleted)
}

func IsSettlementPending(err error) bool {
	return errors.Is(err, ErrSettlementPending)
}
