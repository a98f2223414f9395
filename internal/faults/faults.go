// Package faults defines the outcome/failure taxonomy shared by the
// forwarder, retry controller, selector and admin surface.
package faults

// Class names one of the outcome kinds a request attempt can land in.
// Values are also used verbatim as the X-Fallback-Reason header.
type Class string

const (
	ClassSuccess             Class = "success"
	ClassConnection          Class = "connection"
	ClassTimeout             Class = "timeout"
	ClassUpstream5xxRetrySet Class = "upstream_5xx_retryable"
	ClassUpstream523Family   Class = "upstream_523_family"
	ClassUpstreamNonRetry    Class = "upstream_non_retryable"
	ClassNoHealthyPool       Class = "no_healthy_pool"
	ClassNoHealthyBackend    Class = "no_healthy_backend"
	ClassNoMatchingService   Class = "no_matching_service"
	ClassConfigInvalid       Class = "config_invalid"
)

// Retryable reports whether a failure of this class may ever be retried,
// independent of the idempotency policy applied on top of it.
func (c Class) Retryable() bool {
	switch c {
	case ClassConnection, ClassTimeout, ClassUpstream5xxRetrySet, ClassUpstream523Family:
		return true
	default:
		return false
	}
}

// Error wraps a classified outcome so it can cross package boundaries
// while keeping its class and, when available, the upstream status code.
type Error struct {
	Class      Class
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Class) + ": " + e.Err.Error()
	}
	return string(e.Class)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error, optionally wrapping a cause.
func New(class Class, status int, cause error) *Error {
	return &Error{Class: class, StatusCode: status, Err: cause}
}

// AsError reports whether err is (or wraps) a *Error and returns it.
func AsError(err error) (*Error, bool) {
	for err != nil {
		if fe, ok := err.(*Error); ok {
			return fe, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}
