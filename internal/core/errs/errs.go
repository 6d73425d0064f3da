// Package errs defines the error taxonomy shared by the transit client,
// the freshness cache and the update coordinator.
//
// Every failure raised by this module is an *Error carrying a Kind. Kinds
// from KindAPI through KindDataFormat are "API errors": they describe a
// failed exchange with the upstream service. KindCache and KindConfig are
// local failures and never count as API errors.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Kind classifies an error.
type Kind int

const (
	KindAPI                Kind = iota // generic upstream failure
	KindAuth                           // 401, 403
	KindInvalidStop                    // 404
	KindRateLimit                      // 429
	KindServiceUnavailable             // 500, 502, 503, 504
	KindConnection                     // transport could not reach the host
	KindTimeout                        // request deadline exceeded
	KindDataFormat                     // response body not understood
	KindCache                          // cache persistence failure
	KindConfig                         // invalid configuration or input
)

func (k Kind) String() string {
	switch k {
	case KindAPI:
		return "api"
	case KindAuth:
		return "authentication"
	case KindInvalidStop:
		return "invalid_stop"
	case KindRateLimit:
		return "rate_limit"
	case KindServiceUnavailable:
		return "service_unavailable"
	case KindConnection:
		return "connection"
	case KindTimeout:
		return "timeout"
	case KindDataFormat:
		return "data_format"
	case KindCache:
		return "cache"
	case KindConfig:
		return "configuration"
	default:
		return "unknown"
	}
}

// Retryable reports whether an operation failing with this kind may succeed
// on a later attempt.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimit, KindServiceUnavailable, KindConnection, KindTimeout:
		return true
	}
	return false
}

// IsAPI reports whether the kind belongs to the API error family.
func (k Kind) IsAPI() bool {
	return k <= KindDataFormat
}

// Error is the concrete error type of the taxonomy.
type Error struct {
	Kind   Kind
	Msg    string
	Status int // HTTP status, 0 when not applicable
	Err    error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String() + " error"
	}
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.Status)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the error may clear on retry.
func (e *Error) Retryable() bool { return e.Kind.Retryable() }

// New creates an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind around cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// Is reports whether err's chain holds an *Error of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// IsRetryable reports whether err's chain holds a retryable *Error.
func IsRetryable(err error) bool {
	k, ok := KindOf(err)
	return ok && k.Retryable()
}

// IsAPIError reports whether err's chain holds an API-family *Error.
func IsAPIError(err error) bool {
	k, ok := KindOf(err)
	return ok && k.IsAPI()
}

// ClassifyStatus maps a non-200 HTTP status to a typed error.
func ClassifyStatus(status int, stopCode string) *Error {
	e := &Error{Status: status}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind, e.Msg = KindAuth, "authentication failed, check API key"
	case status == http.StatusNotFound:
		e.Kind, e.Msg = KindInvalidStop, fmt.Sprintf("stop code %q not found", stopCode)
	case status == http.StatusTooManyRequests:
		e.Kind, e.Msg = KindRateLimit, "rate limit exceeded"
	case status == http.StatusInternalServerError, status == http.StatusBadGateway,
		status == http.StatusServiceUnavailable, status == http.StatusGatewayTimeout:
		e.Kind, e.Msg = KindServiceUnavailable, "transit service unavailable"
	default:
		e.Kind, e.Msg = KindAPI, "unexpected API response"
	}
	return e
}

// ClassifyTransport maps an error returned by the HTTP transport to a typed
// error. Errors already in the taxonomy are returned unchanged.
func ClassifyTransport(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindTimeout, "request timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Wrap(KindTimeout, "request timed out", err)
	}

	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "timeout"):
		return Wrap(KindTimeout, "request timed out", err)
	case strings.Contains(s, "connection"), strings.Contains(s, "network"),
		strings.Contains(s, "ssl"), strings.Contains(s, "tls"),
		strings.Contains(s, "certificate"), strings.Contains(s, "dial"),
		strings.Contains(s, "no such host"):
		return Wrap(KindConnection, "connection failed", err)
	}
	return Wrap(KindAPI, "request failed", err)
}
