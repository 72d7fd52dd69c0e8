package domain

import "errors"

// Error kinds surfaced by the engine. Callers wrap them with detail using
// fmt.Errorf("%w: ...") and match with errors.Is.
var (
	ErrValidation             = errors.New("validation error")
	ErrNotAuthorized          = errors.New("not authorized")
	ErrNotFound               = errors.New("not found")
	ErrInvalidState           = errors.New("invalid state")
	ErrRailMismatch           = errors.New("rail mismatch")
	ErrPaymentDeclined        = errors.New("payment declined")
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrPayoutFailed           = errors.New("payout failed")
	ErrRefundFailed           = errors.New("refund failed")
	ErrTooEarly               = errors.New("too early")
	ErrAlreadyReleased        = errors.New("already released")
	ErrDuplicateRailReference = errors.New("duplicate rail reference")
	ErrRateLimited            = errors.New("rate limited")
	ErrVerificationRequired   = errors.New("identity verification required")
)
