// Package apperrors defines the tagged error kinds shared across components.
package apperrors

import "errors"

// Exchange gateway errors. Callers branch with errors.Is; transient kinds
// are retried with backoff inside the gateway, the rest surface to the
// engine loop.
var (
	ErrRateLimited       = errors.New("rate limited")
	ErrTransient         = errors.New("transient exchange error")
	ErrAuth              = errors.New("authentication failed")
	ErrNotFound          = errors.New("not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrMarketClosed      = errors.New("market closed")
)

// Ledger errors.
var (
	ErrDuplicateName = errors.New("bot name already exists")
	ErrBotNotFound   = errors.New("bot not found")
	ErrOrderNotOpen  = errors.New("order is not open")
)

// Validation reports bad user input. It is surfaced directly to the caller
// and never retried.
type Validation struct {
	Field   string
	Message string
}

func (e *Validation) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool {
	var v *Validation
	return errors.As(err, &v)
}

// IsRetryable reports whether the gateway should retry the call.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrRateLimited)
}
