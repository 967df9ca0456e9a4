package platform

import (
	"errors"
	"fmt"
)

// Kind classifies connector errors into the taxonomy understood by the
// orchestrator and the offline queue. Everything a connector returns must be
// one of these kinds; raw platform errors never cross the connector boundary.
type Kind string

const (
	// KindAuth means the stored credentials were rejected. Terminal.
	KindAuth Kind = "auth"

	// KindValidation means the training config is incompatible with the
	// platform. Terminal.
	KindValidation Kind = "validation"

	// KindQuota means the requested resource is unavailable. Terminal unless
	// the user retries.
	KindQuota Kind = "quota"

	// KindUnreachable means a transient network or platform failure.
	// Retried with backoff.
	KindUnreachable Kind = "unreachable"

	// KindNotReady means the job has not produced the requested output yet.
	KindNotReady Kind = "not_ready"

	// KindNotFound means the requested entity does not exist.
	KindNotFound Kind = "not_found"

	// KindIntegrity means a fetched artifact did not match its reported
	// content hash. Terminal; the artifact is discarded.
	KindIntegrity Kind = "integrity"

	// KindInternal covers recovered panics and remote job failures that have
	// no better classification. Terminal.
	KindInternal Kind = "internal"
)

// Error is the typed error returned by every connector operation.
type Error struct {
	Kind     Kind
	Platform string
	Op       string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Platform != "" && e.Op != "" {
		return fmt.Sprintf("%s: %s: %s: %s", e.Platform, e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a typed connector error.
func Errorf(kind Kind, platform, op, format string, args ...interface{}) *Error {
	return &Error{
		Kind:     kind,
		Platform: platform,
		Op:       op,
		Message:  fmt.Sprintf(format, args...),
	}
}

// Wrap attaches taxonomy metadata to an underlying error.
func Wrap(kind Kind, platform, op string, err error) *Error {
	return &Error{Kind: kind, Platform: platform, Op: op, Err: err}
}

// KindOf extracts the error kind, or KindInternal for untyped errors.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether the error is transient and worth retrying with
// backoff. Only unreachable errors qualify; everything else is either terminal
// or a caller-timing error.
func Retryable(err error) bool {
	return IsKind(err, KindUnreachable)
}

// Terminal reports whether the error should immediately fail the owning job.
func Terminal(err error) bool {
	switch KindOf(err) {
	case KindAuth, KindValidation, KindQuota, KindIntegrity, KindInternal:
		return true
	}
	return false
}
