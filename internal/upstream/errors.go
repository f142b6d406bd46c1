// Package upstream describes failures of upstream provider calls and classifies them.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"unicode/utf8"
)

// MaxErrorBody bounds the upstream body kept on an HTTPError.
const MaxErrorBody = 500

// HTTPError is a non-2xx answer from a provider.
type HTTPError struct {
	Provider   string
	StatusCode int
	Body       string
}

func NewHTTPError(provider string, status int, body []byte) *HTTPError {
	return &HTTPError{
		Provider:   provider,
		StatusCode: status,
		Body:       Truncate(string(body), MaxErrorBody),
	}
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s upstream returned %d: %s", e.Provider, e.StatusCode, e.Body)
}

// MalformedResponseError is a 2xx answer that is missing the fields a response needs.
type MalformedResponseError struct {
	Provider string
	Reason   string
	Err      error
}

func (e *MalformedResponseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s returned a malformed response: %s: %v", e.Provider, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s returned a malformed response: %s", e.Provider, e.Reason)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// StreamError ends a stream that broke mid-flight.
type StreamError struct {
	Provider string
	Err      error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("%s stream interrupted: %v", e.Provider, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// Truncate cuts s to at most max bytes without splitting a UTF-8 sequence.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}

	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// Kind is the failure class driving key-pool state changes and client-facing error types.
type Kind string

const (
	KindAuth              Kind = "auth"
	KindPermission        Kind = "permission"
	KindQuota             Kind = "quota"
	KindRateLimit         Kind = "rate_limit"
	KindModelNotFound     Kind = "model_not_found"
	KindModelNotSupported Kind = "model_not_supported"
	KindParameter         Kind = "parameter"
	KindServer            Kind = "server"
	KindNetwork           Kind = "network"
	KindTimeout           Kind = "timeout"
	KindUnknown           Kind = "unknown"
)

// Classify inspects status codes first and falls back to message heuristics. It has no side
// effects and is safe to call with any error.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	msg := strings.ToLower(err.Error())

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		msg = strings.ToLower(httpErr.Body)
		if kind := classifyStatus(httpErr.StatusCode, msg); kind != KindUnknown {
			return kind
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}

	return classifyMessage(msg)
}

func classifyStatus(status int, msg string) Kind {
	switch {
	case status == http.StatusUnauthorized:
		return KindAuth
	case status == http.StatusForbidden:
		if kind := classifyMessage(msg); kind == KindQuota {
			return kind
		}
		return KindPermission
	case status == http.StatusTooManyRequests:
		if kind := classifyMessage(msg); kind == KindQuota {
			return kind
		}
		return KindRateLimit
	case status == http.StatusPaymentRequired:
		return KindQuota
	case status == http.StatusNotFound:
		return KindModelNotFound
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		if kind := classifyMessage(msg); kind != KindUnknown {
			return kind
		}
		return KindParameter
	case status >= 500:
		return KindServer
	}
	return KindUnknown
}

var messageRules = []struct {
	kind     Kind
	patterns []string
}{
	{KindAuth, []string{"invalid api key", "invalid_api_key", "api key not valid", "incorrect api key", "unauthenticated", "unauthorized", "authentication"}},
	{KindPermission, []string{"permission denied", "permission_denied", "forbidden", "not allowed", "access denied"}},
	{KindQuota, []string{"quota", "insufficient_quota", "billing", "resource_exhausted", "credit", "balance"}},
	{KindRateLimit, []string{"rate limit", "rate_limit", "too many requests", "429"}},
	{KindModelNotSupported, []string{"not supported", "unsupported model", "does not support"}},
	{KindModelNotFound, []string{"model not found", "model_not_found", "no such model", "does not exist"}},
	{KindParameter, []string{"invalid_request", "invalid request", "invalid argument", "invalid_argument", "parameter"}},
	{KindTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{KindNetwork, []string{"connection refused", "connection reset", "no such host", "eof", "network", "tls"}},
	{KindServer, []string{"internal server error", "internal error", "bad gateway", "service unavailable", "overloaded", "unavailable"}},
}

func classifyMessage(msg string) Kind {
	for _, rule := range messageRules {
		for _, p := range rule.patterns {
			if strings.Contains(msg, p) {
				return rule.kind
			}
		}
	}
	return KindUnknown
}

// StatusFor returns the HTTP status a client should see for an upstream failure.
func StatusFor(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode >= 400 {
		return httpErr.StatusCode
	}

	var malformed *MalformedResponseError
	if errors.As(err, &malformed) {
		return http.StatusBadGateway
	}

	if Classify(err) == KindTimeout {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

// ErrorType maps a failure kind to an Anthropic error type string.
func ErrorType(kind Kind) string {
	switch kind {
	case KindAuth:
		return "authentication_error"
	case KindPermission:
		return "permission_error"
	case KindQuota:
		return "billing_error"
	case KindRateLimit:
		return "rate_limit_error"
	case KindModelNotFound:
		return "not_found_error"
	case KindModelNotSupported, KindParameter:
		return "invalid_request_error"
	case KindTimeout:
		return "timeout_error"
	case KindServer:
		return "overloaded_error"
	}
	return "api_error"
}
