package domain

import (
	"errors"

	errs "github.com/jmgilman/go/errors"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrNotSampled        = errors.New("session not sampled")
	ErrInvalidRecord     = errors.New("invalid metric record")
	ErrStaleRecord       = errors.New("metric record timestamp outside accepted window")
	ErrMissingIdentity   = errors.New("metric record missing user identity")
	ErrSensorUnavailable = errors.New("host sensor unavailable")
	ErrTickInProgress    = errors.New("loop tick already in progress")
	ErrUnknownLoop       = errors.New("unknown optimization loop")
	ErrNotInitialized    = errors.New("engine not initialized")
	ErrDestroyed         = errors.New("engine destroyed")
)

// NewValidationError tags a record rejection; validation failures are never retried.
func NewValidationError(cause error, message string) error {
	return errs.Wrap(cause, errs.CodeInvalidInput, message)
}

func IsValidationError(err error) bool {
	return errs.GetCode(err) == errs.CodeInvalidInput
}

// NewTransportError classifies a sink or beacon failure by code. Network, timeout,
// unavailable and rate-limit codes are retryable; the rest are permanent.
func NewTransportError(cause error, code errs.ErrorCode, message string) error {
	return errs.Wrap(cause, code, message)
}

// IsRecoverable decides whether a failed delivery may be retried. Errors that
// carry no platform code are treated as transient network failures.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	var platformErr errs.PlatformError
	if !errs.As(err, &platformErr) {
		return true
	}
	return platformErr.Classification().IsRetryable()
}

func NewSensorUnavailable(sensor string, cause error) error {
	if cause == nil {
		cause = ErrSensorUnavailable
	} else {
		cause = errors.Join(ErrSensorUnavailable, cause)
	}
	return errs.WithContext(errs.Wrap(cause, errs.CodeUnavailable, sensor+" sensor unavailable"), "sensor", sensor)
}

func NewConfigError(message string) error {
	return errs.New(errs.CodeInvalidConfig, message)
}

func IsConfigError(err error) bool {
	return errs.GetCode(err) == errs.CodeInvalidConfig
}
