package domain

import "errors"

var (
	// ErrInvalidTransition is returned for any state change not present in
	// the allowed-edge table. It is rejected, never applied.
	ErrInvalidTransition = errors.New("invalid lifecycle transition")

	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInvalidCurrency      = errors.New("invalid currency code")
	ErrRefundExceedsCapture = errors.New("refund exceeds captured amount")
)
