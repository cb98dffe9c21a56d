package client

import (
	"context"
	"errors"
	"net"
	"strings"
)

// ErrorCategory is a stable label for error classification in metrics.
type ErrorCategory string

// Error category constants used as metric labels (weatherApiErrorsTotal).
const (
	ErrorCategoryTimeout        ErrorCategory = "timeout"
	ErrorCategoryCanceled       ErrorCategory = "canceled"
	ErrorCategoryNetwork        ErrorCategory = "network"
	ErrorCategoryInvalidRequest ErrorCategory = "invalid_request"
	ErrorCategoryRateLimited    ErrorCategory = "rate_limited"
	ErrorCategoryCircuitOpen    ErrorCategory = "circuit_open"
	ErrorCategoryUpstream       ErrorCategory = "upstream"
	ErrorCategoryParsing        ErrorCategory = "parsing"
	ErrorCategoryUnknown        ErrorCategory = "unknown"
)

// CategorizeError maps an error to a stable ErrorCategory for metrics.
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return ""
	}

	if errors.Is(err, context.Canceled) {
		return ErrorCategoryCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorCategoryTimeout
	}
	if errors.Is(err, ErrCircuitOpen) {
		return ErrorCategoryCircuitOpen
	}
	if errors.Is(err, ErrInvalidRequest) {
		return ErrorCategoryInvalidRequest
	}
	if errors.Is(err, ErrRateLimited) {
		return ErrorCategoryRateLimited
	}
	if errors.Is(err, ErrInvalidPayload) {
		return ErrorCategoryParsing
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorCategoryTimeout
	}

	errStr := err.Error()
	if strings.Contains(errStr, "timeout") {
		return ErrorCategoryTimeout
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "no such host") {
		return ErrorCategoryNetwork
	}

	if errors.Is(err, ErrUpstreamFailure) {
		return ErrorCategoryUpstream
	}
	return ErrorCategoryUnknown
}

// IsUpstreamError reports whether err describes a provider-side failure
// (as opposed to caller cancellation).
func IsUpstreamError(err error) bool {
	return errors.Is(err, ErrUpstreamFailure) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrInvalidPayload) ||
		errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, ErrInvalidRequest)
}
