// Package apperr defines the error taxonomy shared by the messaging core.
//
// Call sites wrap one of the sentinels below with github.com/pkg/errors and
// callers classify with errors.Is. Only ErrAuth is connection-fatal; every
// other kind is reported back on the request that caused it.
package apperr

import (
	"github.com/pkg/errors"
)

var (
	// ErrAuth covers missing, malformed, expired or unknown-subject credentials.
	ErrAuth = errors.New("authentication failed")
	// ErrAuthorization is returned when a user acts on a conversation they do not participate in.
	ErrAuthorization = errors.New("not a participant of this conversation")
	// ErrNotFound is returned for unknown conversations, messages, users or cursors.
	ErrNotFound = errors.New("not found")
	// ErrValidation is returned for input rejected before any persistence attempt.
	ErrValidation = errors.New("invalid request")
	// ErrStorage wraps persistence failures.
	ErrStorage = errors.New("storage failure")
)

// Validation builds an ErrValidation with a client-visible reason.
func Validation(reason string) error {
	return errors.Wrap(ErrValidation, reason)
}

// Validationf is the formatted variant of Validation.
func Validationf(format string, args ...any) error {
	return errors.Wrapf(ErrValidation, format, args...)
}

// Storage marks err as a persistence failure. A nil err stays nil.
func Storage(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorage) {
		return errors.Wrap(err, op)
	}
	return &storageError{op: op, err: err}
}

type storageError struct {
	op  string
	err error
}

func (e *storageError) Error() string { return e.op + ": " + e.err.Error() }

func (e *storageError) Unwrap() []error { return []error{ErrStorage, e.err} }

// Kind returns a stable code for err, used in websocket acks and logs.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuth):
		return "unauthenticated"
	case errors.Is(err, ErrAuthorization):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrValidation):
		return "invalid"
	case errors.Is(err, ErrStorage):
		return "storage"
	default:
		return "internal"
	}
}

// Public returns the message that may be shown to a client.
// Storage and unclassified errors never leak driver details.
func Public(err error) string {
	switch Kind(err) {
	case "":
		return ""
	case "storage":
		return "storage unavailable, please retry"
	case "internal":
		return "internal error"
	case "unauthenticated":
		return ErrAuth.Error()
	default:
		return err.Error()
	}
}
