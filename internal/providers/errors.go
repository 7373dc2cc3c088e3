// Package providers implements LLM client adapters for the planner and a
// fallback wrapper that walks a configured provider order.
package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// FailReason categorizes why a provider request failed.
type FailReason string

const (
	FailRateLimit      FailReason = "rate_limit"
	FailTimeout        FailReason = "timeout"
	FailServerError    FailReason = "server_error"
	FailNetworkError   FailReason = "network_error"
	FailAuth           FailReason = "auth_error"
	FailInvalidRequest FailReason = "invalid_request"
	FailUnknown        FailReason = "unknown"
)

// Retryable reports whether the failure is worth retrying on another
// provider. Auth and malformed-request failures are not.
func (r FailReason) Retryable() bool {
	switch r {
	case FailRateLimit, FailTimeout, FailServerError, FailNetworkError:
		return true
	}
	return false
}

// ProviderError is a structured failure from an LLM provider.
type ProviderError struct {
	Reason   FailReason
	Provider string
	Model    string
	Status   int
	Cause    error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Reason, e.Provider)
	if e.Model != "" {
		msg += " model=" + e.Model
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" status=%d", e.Status)
	}
	if e.Cause != nil {
		msg += " " + e.Cause.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// NewProviderError classifies cause and wraps it with provider context.
func NewProviderError(provider, model string, cause error) *ProviderError {
	return &ProviderError{
		Reason:   ClassifyError(cause),
		Provider: provider,
		Model:    model,
		Cause:    cause,
	}
}

// ClassifyError inspects an error's text and maps it to a FailReason.
func ClassifyError(err error) FailReason {
	if err == nil {
		return FailUnknown
	}
	errStr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errStr, "timeout"),
		strings.Contains(errStr, "deadline exceeded"),
		strings.Contains(errStr, "context deadline"):
		return FailTimeout
	case strings.Contains(errStr, "rate limit"),
		strings.Contains(errStr, "rate_limit"),
		strings.Contains(errStr, "too many requests"),
		strings.Contains(errStr, "429"):
		return FailRateLimit
	case strings.Contains(errStr, "unauthorized"),
		strings.Contains(errStr, "invalid api key"),
		strings.Contains(errStr, "invalid_api_key"),
		strings.Contains(errStr, "authentication"),
		strings.Contains(errStr, "401"),
		strings.Contains(errStr, "403"):
		return FailAuth
	case strings.Contains(errStr, "connection refused"),
		strings.Contains(errStr, "connection reset"),
		strings.Contains(errStr, "no such host"),
		strings.Contains(errStr, "network"):
		return FailNetworkError
	case strings.Contains(errStr, "invalid request"),
		strings.Contains(errStr, "invalid_request"),
		strings.Contains(errStr, "400"):
		return FailInvalidRequest
	case strings.Contains(errStr, "internal server"),
		strings.Contains(errStr, "server error"),
		strings.Contains(errStr, "500"),
		strings.Contains(errStr, "502"),
		strings.Contains(errStr, "503"),
		strings.Contains(errStr, "504"):
		return FailServerError
	}
	return FailUnknown
}

// ClassifyStatus maps an HTTP status code to a FailReason.
func ClassifyStatus(status int) FailReason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return FailAuth
	case status == http.StatusTooManyRequests:
		return FailRateLimit
	case status == http.StatusBadRequest:
		return FailInvalidRequest
	case status >= 500:
		return FailServerError
	default:
		return FailUnknown
	}
}

// Retryable reports whether err is worth retrying on another provider.
func Retryable(err error) bool {
	var pErr *ProviderError
	if errors.As(err, &pErr) {
		return pErr.Reason.Retryable()
	}
	return ClassifyError(err).Retryable()
}
