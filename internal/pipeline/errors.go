package pipeline

import (
	"fmt"
	"net/http"
	"time"

	"github.com/anaphygon/askgate/internal/completion"
)

// ErrorType is the machine-readable failure kind sent to clients
type ErrorType string

const (
	ErrRateLimited   ErrorType = "RATE_LIMITED"
	ErrBlacklisted   ErrorType = "BLACKLISTED"
	ErrQuotaExceeded ErrorType = "QUOTA_EXCEEDED"
	ErrAuth          ErrorType = "AUTH_ERROR"
	ErrNetwork       ErrorType = "NETWORK_ERROR"
	ErrSafetyBlocked ErrorType = "SAFETY_BLOCKED"
	ErrEmptyResponse ErrorType = "EMPTY_RESPONSE"
	ErrUnknown       ErrorType = "UNKNOWN"
	ErrUnauthorized  ErrorType = "UNAUTHORIZED"
)

// Error is a terminal pipeline failure
type Error struct {
	Type        ErrorType
	Message     string
	Retryable   bool
	Suggestions []string
	RetryAfter  time.Duration
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the error type to a response status
func (e *Error) HTTPStatus() int {
	switch e.Type {
	case ErrRateLimited, ErrBlacklisted, ErrQuotaExceeded:
		return http.StatusTooManyRequests
	case ErrNetwork:
		return http.StatusServiceUnavailable
	case ErrAuth, ErrEmptyResponse, ErrSafetyBlocked:
		return http.StatusBadGateway
	case ErrUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

type errorTemplate struct {
	message     string
	retryable   bool
	suggestions []string
}

var templates = map[ErrorType]errorTemplate{
	ErrRateLimited: {
		message:   "Too many requests. Please slow down and try again shortly.",
		retryable: true,
		suggestions: []string{
			"Wait a minute before sending another question",
			"Combine several short questions into one",
		},
	},
	ErrBlacklisted: {
		message: "Your access is temporarily blocked because of repeated rate limit violations.",
		suggestions: []string{
			"Wait for the block to expire before trying again",
			"Contact the administrator if you believe this is a mistake",
		},
	},
	ErrQuotaExceeded: {
		message: "You have used all of your questions for today.",
		suggestions: []string{
			"Your quota resets at midnight",
			"Ask the administrator for a higher daily limit",
		},
	},
	ErrAuth: {
		message: "The AI service rejected our credentials.",
		suggestions: []string{
			"Try again later",
			"Report the problem to the administrator",
		},
	},
	ErrNetwork: {
		message:   "The AI service could not be reached.",
		retryable: true,
		suggestions: []string{
			"Check your connection and try again",
			"Try again in a few moments",
		},
	},
	ErrSafetyBlocked: {
		message: "The question could not be answered because of content restrictions.",
		suggestions: []string{
			"Rephrase your question",
			"Ask about a different topic",
		},
	},
	ErrEmptyResponse: {
		message:   "The AI service returned an empty answer.",
		retryable: true,
		suggestions: []string{
			"Try again",
			"Rephrase your question more specifically",
		},
	},
	ErrUnknown: {
		message: "An unexpected error occurred.",
		suggestions: []string{
			"Try again later",
			"Rephrase your question",
		},
	},
	ErrUnauthorized: {
		message: "You need to log in to chat.",
		suggestions: []string{
			"Log in and try again",
		},
	},
}

// NewError builds an error with the standard message, retry flag and
// suggestions of its type
func NewError(typ ErrorType, err error) *Error {
	tpl, ok := templates[typ]
	if !ok {
		tpl = templates[ErrUnknown]
	}
	return &Error{
		Type:        typ,
		Message:     tpl.message,
		Retryable:   tpl.retryable,
		Suggestions: append([]string(nil), tpl.suggestions...),
		Err:         err,
	}
}

func typeForClass(class completion.ErrorClass) ErrorType {
	switch class {
	case completion.ClassRateLimited:
		return ErrRateLimited
	case completion.ClassAuth:
		return ErrAuth
	case completion.ClassNetwork:
		return ErrNetwork
	case completion.ClassSafetyBlocked:
		return ErrSafetyBlocked
	case completion.ClassEmptyResponse:
		return ErrEmptyResponse
	default:
		return ErrUnknown
	}
}
