package provider

import (
	"context"
	"errors"
)

// Gateway error classes. Gateways wrap the underlying error with one of
// these so callers can branch with errors.Is.
var (
	// ErrAuth indicates the credential is invalid and cannot be refreshed.
	ErrAuth = errors.New("provider: authorization failed")

	// ErrUnauthorized indicates the provider rejected the access token of a
	// request. The credential may still be refreshable.
	ErrUnauthorized = errors.New("provider: access token rejected")

	// ErrTransient indicates a failure worth retrying on the next pass.
	ErrTransient = errors.New("provider: transient failure")

	// ErrData indicates a malformed event or request payload.
	ErrData = errors.New("provider: invalid data")

	// ErrNotFound indicates the event or calendar no longer exists upstream.
	ErrNotFound = errors.New("provider: not found")

	// ErrReadOnly indicates the gateway cannot write.
	ErrReadOnly = errors.New("provider: read-only calendar")

	// ErrUnknownProvider is returned by the registry for unregistered kinds.
	ErrUnknownProvider = errors.New("provider: unknown provider")
)

// IsAuth returns true if the error indicates an unrecoverable credential.
func IsAuth(err error) bool {
	return errors.Is(err, ErrAuth)
}

// IsUnauthorized returns true if the access token was rejected.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// IsTransient returns true if the error should be retried later.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsData returns true if the error concerns a single malformed payload.
func IsData(err error) bool {
	return errors.Is(err, ErrData)
}

// IsNotFound returns true if the resource is gone upstream.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsCancelled returns true if the error comes from context cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// IsFatal returns true if the error must abort the current pass rather than
// be contained to one event.
func IsFatal(err error) bool {
	return IsAuth(err) || IsUnauthorized(err) || IsTransient(err) || IsCancelled(err)
}
