// Package lorerr classifies errors into kinds so callers can decide "drop
// with warning" vs "retry" vs "fatal to the task" without string-matching
// log messages. Errors are still built with github.com/pkg/errors for
// causal chains; this package only adds the sentinel wrapping needed to
// branch on kind with errors.Is.
package lorerr

import "github.com/pkg/errors"

// Kind is one of the error categories from the error-handling design.
type Kind int

const (
	KindTransient Kind = iota
	KindMalformed
	KindMACParse
	KindMICFailure
	KindUnknownDevice
	KindDecode
	KindPolicy
	KindBug
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindMalformed:
		return "malformed"
	case KindMACParse:
		return "mac_parse"
	case KindMICFailure:
		return "mic_failure"
	case KindUnknownDevice:
		return "unknown_device"
	case KindDecode:
		return "decode"
	case KindPolicy:
		return "policy"
	case KindBug:
		return "bug"
	default:
		return "unknown"
	}
}

type classified struct {
	kind Kind
	err  error
}

func (c *classified) Error() string { return c.err.Error() }
func (c *classified) Unwrap() error { return c.err }

// Wrap tags err with a kind and a message, the way pkg/errors.Wrap tags a
// causal chain with context.
func Wrap(kind Kind, err error, message string) error {
	if err == nil {
		return nil
	}
	return &classified{kind: kind, err: errors.Wrap(err, message)}
}

// New creates a new classified error from a message, with no wrapped cause.
func New(kind Kind, message string) error {
	return &classified{kind: kind, err: errors.New(message)}
}

// KindOf extracts the Kind from an error built with Wrap/New, defaulting to
// KindBug for anything else (an unclassified error reaching a caller that
// branches on kind is itself a bug in the error path).
func KindOf(err error) Kind {
	var c *classified
	if errors.As(err, &c) {
		return c.kind
	}
	return KindBug
}

// Retryable reports whether the caller should treat the error as transient
// I/O rather than a terminal drop.
func Retryable(err error) bool {
	return KindOf(err) == KindTransient
}

// Fatal reports whether the error is bug-class and should trigger a
// supervisor restart of the owning task rather than a per-message drop.
func Fatal(err error) bool {
	return KindOf(err) == KindBug
}
