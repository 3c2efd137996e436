package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// Error classes used by telemetry, healing strategy selection, and the
// gateway's retry policy.
const (
	ClassTimeout    = "timeout"
	ClassConnection = "connection"
	ClassServer     = "server" // provider-side 5xx
	ClassRateLimit  = "rate_limit"
	ClassValidation = "validation"
	ClassAuth       = "auth"
	ClassCancelled  = "cancelled"
	ClassUnknown    = "unknown"
)

// classifier lets error producers carry their own class. The gateway's
// HTTP connectors attach classes to status-code errors this way.
type classifier interface {
	ErrorClass() string
}

// ClassifiedError wraps an error with an explicit class.
type ClassifiedError struct {
	Class string
	Err   error
}

func (e *ClassifiedError) Error() string { return e.Err.Error() }

func (e *ClassifiedError) Unwrap() error { return e.Err }

func (e *ClassifiedError) ErrorClass() string { return e.Class }

// Classified wraps err with the given class.
func Classified(class string, err error) error {
	return &ClassifiedError{Class: class, Err: err}
}

// Classify maps an error onto one of the error classes above.
func Classify(err error) string {
	if err == nil {
		return ""
	}
	var c classifier
	if errors.As(err, &c) {
		return c.ErrorClass()
	}
	if errors.Is(err, context.Canceled) {
		return ClassCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return ClassConnection
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ClassConnection
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return ClassTimeout
	case strings.Contains(msg, "connection"):
		return ClassConnection
	}
	return ClassUnknown
}

// Transient reports whether an error class is worth retrying. Validation
// and auth failures are terminal; timeouts, connection errors, and
// provider 5xx responses are not.
func Transient(err error) bool {
	switch Classify(err) {
	case ClassTimeout, ClassConnection, ClassServer:
		return true
	default:
		return false
	}
}
