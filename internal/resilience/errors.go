package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// Error classes recorded on dead letter entries.
const (
	// ClassTransient failures may succeed when the lot is retried.
	ClassTransient = "transient"
	// ClassUnavailable failures happened because the host could not be
	// reached. Retrying only helps once it is back.
	ClassUnavailable = "unavailable"
	// ClassPermanent failures will repeat until the input changes.
	ClassPermanent = "permanent"
)

// TransientError marks a host call or recognizer request as worth another
// attempt. StatusCode is set when the failure came from an HTTP reply.
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError wraps err as transient with an optional HTTP status.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// unavailable is implemented by errors that report a dependency as down
// rather than failing one request.
type unavailable interface {
	Unavailable() bool
}

// IsUnavailable reports whether any error in err's chain says the
// dependency cannot be reached.
func IsUnavailable(err error) bool {
	var u unavailable
	return errors.As(err, &u) && u.Unavailable()
}

// networkHiccups are error texts from connections dropped mid-request.
var networkHiccups = []string{
	"connection reset by peer",
	"broken pipe",
	"i/o timeout",
	"tls handshake timeout",
	"server closed idle connection",
}

// IsTransient reports whether err is worth retrying: an explicit
// TransientError, a call that ran out of time, or a dropped connection.
// An unavailable dependency is never transient.
func IsTransient(err error) bool {
	if err == nil || IsUnavailable(err) {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range networkHiccups {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// ClassifyError returns the dead letter class for err. A lot abandoned
// because its run was cancelled is transient.
func ClassifyError(err error) string {
	switch {
	case err == nil:
		return ""
	case IsUnavailable(err):
		return ClassUnavailable
	case IsTransient(err), errors.Is(err, context.Canceled):
		return ClassTransient
	default:
		return ClassPermanent
	}
}

// IsTransientHTTPStatus reports whether an HTTP status is worth retrying.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}
