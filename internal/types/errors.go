package types

import "errors"

// taxonomyError is a sentinel that also belongs to a broader error family,
// so errors.Is matches both the specific error and its family.
type taxonomyError struct {
	msg    string
	family error
}

func (e *taxonomyError) Error() string { return e.msg }
func (e *taxonomyError) Unwrap() error { return e.family }

// Error families
var (
	ErrValidation        = errors.New("validation error")
	ErrAllowance         = errors.New("allowance error")
	ErrGatewayRejected   = errors.New("gateway rejected")
	ErrTransientNetwork  = errors.New("transient network error")
	ErrConflict          = errors.New("conflict")
	ErrNotFound          = errors.New("not found")
	ErrInvalidState      = errors.New("invalid state")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrQuoteUnavailable  = errors.New("quote unavailable")
)

// Validation errors
var (
	ErrInvalidAmount   error = &taxonomyError{msg: "invalid amount", family: ErrValidation}
	ErrInvalidAddress  error = &taxonomyError{msg: "invalid address", family: ErrValidation}
	ErrUnsupportedPair error = &taxonomyError{msg: "unsupported asset pair", family: ErrValidation}
)

// Allowance errors
var (
	ErrUserRejected error = &taxonomyError{msg: "user rejected approval", family: ErrAllowance}
	ErrChainError   error = &taxonomyError{msg: "chain error", family: ErrAllowance}
)
