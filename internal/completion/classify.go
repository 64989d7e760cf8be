package completion

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// ErrorClass groups provider failures by how they are retried and answered
type ErrorClass string

const (
	ClassRateLimited   ErrorClass = "RATE_LIMITED"
	ClassAuth          ErrorClass = "AUTH_ERROR"
	ClassNetwork       ErrorClass = "NETWORK_ERROR"
	ClassSafetyBlocked ErrorClass = "SAFETY_BLOCKED"
	ClassEmptyResponse ErrorClass = "EMPTY_RESPONSE"
	ClassUnknown       ErrorClass = "UNKNOWN"
)

// Classify maps a provider error to its class
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}

	if errors.Is(err, ErrEmptyResponse) {
		return ClassEmptyResponse
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		switch pe.StatusCode {
		case http.StatusTooManyRequests:
			return ClassRateLimited
		case http.StatusUnauthorized, http.StatusForbidden:
			return ClassAuth
		case http.StatusInternalServerError, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout,
			http.StatusRequestTimeout:
			return ClassNetwork
		}
		// a definite status outside the table is not retried, whatever the
		// wrapped error says
		if pe.StatusCode != 0 || pe.Err == nil {
			return ClassUnknown
		}
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return ClassNetwork
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "connection refused"):
		return ClassNetwork
	case strings.Contains(msg, "quota"), strings.Contains(msg, "rate limit"):
		return ClassRateLimited
	}

	return ClassUnknown
}

// Retryable reports whether the class is ever retried
func (c ErrorClass) Retryable() bool {
	switch c {
	case ClassRateLimited, ClassNetwork, ClassEmptyResponse:
		return true
	}
	return false
}
