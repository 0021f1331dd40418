package provider

import (
	"context"
	"errors"
	"net"
)

// ErrEmptyResponse is returned when a backend answered but produced no text.
var ErrEmptyResponse = errors.New("provider: empty response from model")

// PermanentError indicates a failure that will not resolve with retries:
// invalid credentials, a rejected image, an unavailable provider.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func NewPermanentError(err error) error {
	return &PermanentError{Err: err}
}

// TransientError indicates a failure worth retrying: rate limiting,
// 5xx-class responses, timeouts.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

func NewTransientError(err error) error {
	return &TransientError{Err: err}
}

// IsPermanent reports whether err carries a PermanentError anywhere in its
// chain. Anything else is treated as retryable.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// classifyStatus maps an HTTP status to the transient/permanent taxonomy.
func classifyStatus(status int, err error) error {
	switch {
	case status == 429 || status >= 500:
		return NewTransientError(err)
	default:
		return NewPermanentError(err)
	}
}

// classifyTransport maps transport-level failures. Timeouts are transient;
// a refused connection means the provider is not there at all.
func classifyTransport(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTransientError(err)
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return NewTransientError(err)
	}
	return NewPermanentError(err)
}
