package domain

import "errors"

// Sentinel errors shared by every backend. Callers match them with
// errors.Is; backends wrap them with vendor detail.
var (
	ErrInvalidCredentials     = errors.New("invalid credentials")
	ErrInvalidAccountIdentity = errors.New("trading account does not belong to the authenticated user")
	ErrUnsupportedBrokerage   = errors.New("unsupported brokerage")
	ErrSessionExpired         = errors.New("session expired")
	ErrRequestFailed          = errors.New("request failed")
	ErrVendorResponse         = errors.New("unexpected vendor response")
	ErrInvalidTransition      = errors.New("invalid order status transition")
)
