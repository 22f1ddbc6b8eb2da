package quote

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind categorizes a fetch failure for metrics histograms and retry
// decisions.
type ErrorKind string

const (
	ErrTimeout    ErrorKind = "TIMEOUT"
	ErrRateLimit  ErrorKind = "RATE_LIMIT"
	ErrNetwork    ErrorKind = "NETWORK"
	ErrPermission ErrorKind = "PERMISSION"
	ErrNotFound   ErrorKind = "NOT_FOUND"
	ErrValidation ErrorKind = "VALIDATION"
	ErrOther      ErrorKind = "OTHER"
)

// FetchError is the structured error surfaced by source clients.
type FetchError struct {
	Kind       ErrorKind
	Retryable  bool
	StatusCode int
	Symbol     string
	Message    string
	Cause      error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s error for %s (status %d): %s", e.Kind, e.Symbol, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s error for %s: %s", e.Kind, e.Symbol, e.Message)
}

func (e *FetchError) Unwrap() error { return e.Cause }

func NewTimeoutError(symbol string, cause error) *FetchError {
	return &FetchError{Kind: ErrTimeout, Retryable: true, Symbol: symbol, Message: "request timed out", Cause: cause}
}

func NewRateLimitError(symbol string, statusCode int) *FetchError {
	return &FetchError{Kind: ErrRateLimit, Retryable: true, StatusCode: statusCode, Symbol: symbol, Message: "rate limit exceeded"}
}

func NewNetworkError(symbol string, cause error) *FetchError {
	return &FetchError{Kind: ErrNetwork, Retryable: true, Symbol: symbol, Message: "network request failed", Cause: cause}
}

func NewPermissionError(symbol string, statusCode int) *FetchError {
	return &FetchError{Kind: ErrPermission, Retryable: false, StatusCode: statusCode, Symbol: symbol, Message: "authentication rejected"}
}

func NewNotFoundError(symbol, message string) *FetchError {
	return &FetchError{Kind: ErrNotFound, Retryable: false, Symbol: symbol, Message: message}
}

func NewValidationError(symbol, message string) *FetchError {
	return &FetchError{Kind: ErrValidation, Retryable: false, Symbol: symbol, Message: message}
}

// ClassifyHTTPStatus maps an upstream HTTP status onto a FetchError.
func ClassifyHTTPStatus(symbol string, status int) *FetchError {
	switch {
	case status == 401 || status == 403:
		return NewPermissionError(symbol, status)
	case status == 404:
		e := NewNotFoundError(symbol, "resource not found")
		e.StatusCode = status
		return e
	case status == 408:
		e := NewTimeoutError(symbol, nil)
		e.StatusCode = status
		return e
	case status == 429:
		return NewRateLimitError(symbol, status)
	case status >= 500:
		return &FetchError{Kind: ErrNetwork, Retryable: true, StatusCode: status, Symbol: symbol, Message: "upstream server error"}
	default:
		return &FetchError{Kind: ErrOther, Retryable: false, StatusCode: status, Symbol: symbol, Message: fmt.Sprintf("unexpected status %d", status)}
	}
}

// IsRetryable reports whether err is worth another attempt: timeouts,
// rate limits and network-level failures are; 4xx-class errors are not.
func IsRetryable(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	// Unclassified errors are judged by message.
	switch KindOfMessage(err.Error()) {
	case ErrTimeout, ErrRateLimit, ErrNetwork:
		return true
	}
	return false
}

// KindOfMessage classifies a raw error string by keyword. It backs both the
// metrics error histograms and alerting decisions, so it has to cope with
// messages from any provider.
func KindOfMessage(message string) ErrorKind {
	m := strings.ToLower(message)
	switch {
	case strings.Contains(m, "timeout"), strings.Contains(m, "timed out"), strings.Contains(m, "deadline exceeded"):
		return ErrTimeout
	case strings.Contains(m, "rate limit"), strings.Contains(m, "too many requests"), strings.Contains(m, "429"):
		return ErrRateLimit
	case strings.Contains(m, "network"), strings.Contains(m, "connection"), strings.Contains(m, "no such host"), strings.Contains(m, "refused"), strings.Contains(m, "reset by peer"):
		return ErrNetwork
	case strings.Contains(m, "unauthorized"), strings.Contains(m, "forbidden"), strings.Contains(m, "api key"), strings.Contains(m, "permission"), strings.Contains(m, "401"), strings.Contains(m, "403"):
		return ErrPermission
	case strings.Contains(m, "not found"), strings.Contains(m, "no data"), strings.Contains(m, "404"):
		return ErrNotFound
	case strings.Contains(m, "invalid"), strings.Contains(m, "validation"), strings.Contains(m, "malformed"):
		return ErrValidation
	default:
		return ErrOther
	}
}
