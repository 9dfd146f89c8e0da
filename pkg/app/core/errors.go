package core

import "errors"

// Error kinds surfaced by the exchange. Callers discriminate with errors.Is;
// wrapping adds context without losing the kind. Every failed operation
// leaves state untouched, so resubmission is always safe.
var (
	ErrNotAuthorized       = errors.New("caller is not the owner")
	ErrNotRegistered       = errors.New("token is not registered")
	ErrAlreadyRegistered   = errors.New("token is already registered")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInsufficientTokens  = errors.New("insufficient tokens")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrOrderNotFound       = errors.New("order not found")
)
