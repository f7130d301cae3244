package core

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a stable, client-visible failure tag. The string values are part
// of the wire contract and must not change.
type Kind string

const (
	KindCredentialInvalid   Kind = "credential_invalid"
	KindIdentityMismatch    Kind = "identity_mismatch"
	KindSessionNotFound     Kind = "session_not_found"
	KindSessionEnded        Kind = "session_ended"
	KindBatchTooLarge       Kind = "batch_too_large"
	KindRateLimited         Kind = "rate_limited"
	KindTimestampOutOfRange Kind = "timestamp_out_of_range"
	KindDuplicate           Kind = "duplicate"
	KindPayloadInvalid      Kind = "payload_invalid"
	KindInternal            Kind = "internal_error"
)

// Failure carries a Kind plus an optional wrapped cause. It is the only
// error type the API layer inspects.
type Failure struct {
	Kind Kind
	Msg  string
	Err  error
}

func (f *Failure) Error() string {
	if f.Msg != "" {
		if f.Err != nil {
			return fmt.Sprintf("%s: %s: %v", f.Kind, f.Msg, f.Err)
		}
		return fmt.Sprintf("%s: %s", f.Kind, f.Msg)
	}
	if f.Err != nil {
		return fmt.Sprintf("%s: %v", f.Kind, f.Err)
	}
	return string(f.Kind)
}

func (f *Failure) Unwrap() error { return f.Err }

// Fail builds a Failure with a formatted message.
func Fail(kind Kind, format string, args ...interface{}) *Failure {
	return &Failure{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds a Failure around an underlying cause.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Failure {
	return &Failure{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf classifies any error into a Kind. Non-Failure errors are internal.
func KindOf(err error) Kind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given Kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps a Kind to the status code for request-wide failures.
// Per-event failures travel in the batch body and never reach this mapping.
// Identity mismatch answers 404, same as not-found, so a caller probing
// another tenant's ids cannot tell which of the two it hit.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindCredentialInvalid:
		return http.StatusUnauthorized
	case KindSessionNotFound, KindIdentityMismatch:
		return http.StatusNotFound
	case KindSessionEnded, KindPayloadInvalid, KindTimestampOutOfRange, KindDuplicate:
		return http.StatusBadRequest
	case KindBatchTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
