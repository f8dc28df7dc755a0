package plugin

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorType classifies a provider error response.
type ErrorType string

// Provider error types.
const (
	ErrTypeAuthentication   ErrorType = "authentication"
	ErrTypeAuthorization    ErrorType = "authorization"
	ErrTypeRateLimit        ErrorType = "rate_limit"
	ErrTypeQuotaExceeded    ErrorType = "quota_exceeded"
	ErrTypeModelUnavailable ErrorType = "model_unavailable"
	ErrTypeContentFiltered  ErrorType = "content_filtered"
	ErrTypeServerError      ErrorType = "server_error"
	ErrTypeNetworkError     ErrorType = "network_error"
	ErrTypeUnknown          ErrorType = "unknown"
)

// ProviderError is a classified upstream failure.
type ProviderError struct {
	Type            ErrorType `json:"error_type"`
	Message         string    `json:"message"`
	StatusCode      int       `json:"status_code,omitempty"`
	Retryable       bool      `json:"retryable"`
	CooldownSeconds *int64    `json:"cooldown_seconds,omitempty"`
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Type, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ClassifyStatus is the status-code classification shared by plugins that
// have nothing more specific. Unrecognised statuses yield nil.
func ClassifyStatus(status int, body string) *ProviderError {
	msg := strings.TrimSpace(body)
	if msg == "" {
		msg = http.StatusText(status)
	}
	pe := &ProviderError{Message: msg, StatusCode: status}
	switch {
	case status == http.StatusTooManyRequests:
		pe.Type = ErrTypeRateLimit
		pe.Retryable = true
		if strings.Contains(strings.ToLower(body), "insufficient_quota") {
			pe.Type = ErrTypeQuotaExceeded
			pe.Retryable = false
		}
	case status == http.StatusUnauthorized:
		pe.Type = ErrTypeAuthentication
	case status == http.StatusForbidden:
		pe.Type = ErrTypeAuthorization
	case status == http.StatusPaymentRequired:
		pe.Type = ErrTypeQuotaExceeded
	case status >= 500 && status <= 599:
		pe.Type = ErrTypeServerError
		pe.Retryable = true
	default:
		return nil
	}
	return pe
}
