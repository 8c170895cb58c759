package protocol

import (
	"context"
	"errors"
)

// ErrorKind tells the executor whether a failed action may be retried.
type ErrorKind string

const (
	ErrorKindTransient ErrorKind = "transient"
	ErrorKindPermanent ErrorKind = "permanent"
)

// ConnectorError classifies a connector failure.
type ConnectorError struct {
	Kind ErrorKind
	Err  error
}

func (e *ConnectorError) Error() string {
	return string(e.Kind) + " connector error: " + e.Err.Error()
}

func (e *ConnectorError) Unwrap() error {
	return e.Err
}

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}

	return &ConnectorError{Kind: ErrorKindTransient, Err: err}
}

// Permanent marks err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return &ConnectorError{Kind: ErrorKindPermanent, Err: err}
}

// IsTransient reports whether err may succeed on retry. Errors without a
// classification are permanent, except deadline expiry.
func IsTransient(err error) bool {
	var connectorErr *ConnectorError
	if errors.As(err, &connectorErr) {
		return connectorErr.Kind == ErrorKindTransient
	}

	return errors.Is(err, context.DeadlineExceeded)
}
