package bus

import "errors"

var (
	// ErrUnknownRecipient indicates the recipient is not registered.
	ErrUnknownRecipient = errors.New("unknown recipient")

	// ErrRequestTimeout indicates a request's reply deadline elapsed.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrCancelled indicates the caller's context was cancelled while
	// waiting on the bus.
	ErrCancelled = errors.New("bus operation cancelled")

	// ErrAlreadyRegistered indicates a participant name collision.
	ErrAlreadyRegistered = errors.New("participant already registered")
)
