package gateway

import "errors"

var (
	// ErrProviderNotFound is returned when the named provider was never
	// registered.
	ErrProviderNotFound = errors.New("provider not found")

	// ErrRateLimited is returned when the rate-limit acquire timed out.
	// The caller may retry later.
	ErrRateLimited = errors.New("rate limited")

	// ErrProviderUnavailable is returned after all retries and the
	// post-heal retry failed. Terminal for this call.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrProviderMalformed is returned when the provider reply could not
	// be parsed. Terminal.
	ErrProviderMalformed = errors.New("provider returned malformed response")

	// ErrAlreadyRegistered is returned when a provider name is reused.
	ErrAlreadyRegistered = errors.New("provider already registered")
)
