package models

import (
	"errors"
	"fmt"
)

// ErrorCode classifies failures crossing component boundaries.
type ErrorCode string

const (
	ErrorConfigurationMissing ErrorCode = "CONFIGURATION_MISSING"
	ErrorStoreUnavailable     ErrorCode = "STORE_UNAVAILABLE"
	ErrorWriteFailed          ErrorCode = "WRITE_FAILED"
	ErrorStatsUnavailable     ErrorCode = "STATS_UNAVAILABLE"
	ErrorTransportFailure     ErrorCode = "TRANSPORT_FAILURE"
	ErrorGenerationFailure    ErrorCode = "GENERATION_FAILURE"
	ErrorMalformedEvent       ErrorCode = "MALFORMED_EVENT"
	ErrorDuplicateDelivery    ErrorCode = "DUPLICATE_DELIVERY"
	ErrorInternal             ErrorCode = "INTERNAL_ERROR"
)

// CodedError carries an ErrorCode, a short machine-readable reason and the cause.
type CodedError struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *CodedError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("%s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *CodedError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewCodedError builds a CodedError.
func NewCodedError(code ErrorCode, reason string, err error) *CodedError {
	return &CodedError{Code: code, Reason: reason, Err: err}
}

// CodeOf returns the ErrorCode of err, or ErrorInternal when err carries none.
func CodeOf(err error) ErrorCode {
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ErrorInternal
}
