// Package smtperr defines the typed error taxonomy shared by the relaypost
// composer, connection and client layers.
package smtperr

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind identifies the failure class of an Error.
type Kind string

const (
	KindConnectionFailed  Kind = "CONNECTION_FAILED"
	KindConnectionTimeout Kind = "CONNECTION_TIMEOUT"
	KindAuthFailed        Kind = "AUTH_FAILED"
	KindTLSFailed         Kind = "TLS_FAILED"
	KindInvalidRecipient  Kind = "INVALID_RECIPIENT"
	KindInvalidSender     Kind = "INVALID_SENDER"
	KindMessageRejected   Kind = "MESSAGE_REJECTED"
	KindRateLimit         Kind = "RATE_LIMIT"
	KindPoolExhausted     Kind = "POOL_EXHAUSTED"
	KindInvalidConfig     Kind = "INVALID_CONFIG"
	KindEncodingError     Kind = "ENCODING_ERROR"
	KindPluginError       Kind = "PLUGIN_ERROR"
	KindSMTPError         Kind = "SMTP_ERROR"
)

// Error is a typed failure carrying the remote status code and raw response
// when the server produced one, plus an optional remediation hint.
type Error struct {
	Kind       Kind   `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"statusCode,omitempty"`
	Response   string `json:"response,omitempty"`
	Solution   string `json:"solution,omitempty"`

	cause error
}

// New creates an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error of the given kind with an underlying cause. When the
// cause is itself an *Error, its status code and response carry over.
func Wrap(kind Kind, message string, cause error) *Error {
	e := &Error{Kind: kind, Message: message, cause: cause}
	var inner *Error
	if errors.As(cause, &inner) {
		e.StatusCode = inner.StatusCode
		e.Response = inner.Response
	}
	return e
}

// WithStatus attaches the remote status code and raw response.
func (e *Error) WithStatus(code int, response string) *Error {
	e.StatusCode = code
	e.Response = response
	return e
}

// WithSolution attaches a remediation hint.
func (e *Error) WithSolution(solution string) *Error {
	e.Solution = solution
	return e
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Kind, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches errors by kind so callers can test with errors.Is against a
// bare New(kind, "") sentinel.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// MarshalJSON renders the stable wire form of the error.
func (e *Error) MarshalJSON() ([]byte, error) {
	type wire struct {
		Code       Kind   `json:"code"`
		Message    string `json:"message"`
		StatusCode *int   `json:"statusCode,omitempty"`
		Response   string `json:"response,omitempty"`
		Solution   string `json:"solution,omitempty"`
	}
	w := wire{Code: e.Kind, Message: e.Message, Response: e.Response, Solution: e.Solution}
	if e.StatusCode != 0 {
		w.StatusCode = &e.StatusCode
	}
	return json.Marshal(w)
}

// KindOf returns the Kind of err when it is (or wraps) an *Error, and ""
// otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// StatusOf returns the remote status code of err when it carries one.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode
	}
	return 0
}
