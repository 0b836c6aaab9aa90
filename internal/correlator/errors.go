package correlator

import (
	"errors"
	"fmt"
	"time"
)

// Sentinels matched with errors.Is. Every RequestError wraps the sentinel for
// its code.
var (
	ErrTimeout    = errors.New("request timed out")
	ErrEngine     = errors.New("engine returned an error")
	ErrDeadClient = errors.New("client is closed")
	ErrSendFailed = errors.New("request could not be sent")
)

// ErrorCode categorizes request failures.
type ErrorCode string

const (
	// CodeTimeout indicates no matching reply arrived within the bound.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeEngine indicates the reply itself was error-shaped.
	CodeEngine ErrorCode = "ENGINE"

	// CodeDeadClient indicates the client was closed before or while waiting.
	CodeDeadClient ErrorCode = "DEAD_CLIENT"

	// CodeSendFailed indicates the bridge rejected the outbound request.
	CodeSendFailed ErrorCode = "SEND_FAILED"
)

// RequestError is the resolved error of a request.
//
// Timeout and dead-client errors are synthesized locally and carry no engine
// code. Engine errors carry the engine's code and message verbatim.
type RequestError struct {
	// Code identifies the error category.
	Code ErrorCode

	// Token is the correlation token of the request, when one was issued.
	Token string

	// RequestType is the "@type" of the request.
	RequestType string

	// EngineCode is the engine's numeric code (CodeEngine only).
	EngineCode int

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause, if any (e.g. the bridge's send error).
	Err error
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	var msg string
	switch {
	case e.Code == CodeEngine:
		msg = fmt.Sprintf("%s: %d %s", e.Code, e.EngineCode, e.Message)
	case e.Err != nil:
		msg = fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	default:
		msg = fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.RequestType != "" && e.Token != "" {
		return fmt.Sprintf("%s (request=%s, token=%s)", msg, e.RequestType, e.Token)
	}
	if e.RequestType != "" {
		return fmt.Sprintf("%s (request=%s)", msg, e.RequestType)
	}
	return msg
}

// Unwrap exposes both the code sentinel and the underlying cause.
func (e *RequestError) Unwrap() []error {
	errs := []error{sentinelFor(e.Code)}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func sentinelFor(code ErrorCode) error {
	switch code {
	case CodeTimeout:
		return ErrTimeout
	case CodeEngine:
		return ErrEngine
	case CodeDeadClient:
		return ErrDeadClient
	default:
		return ErrSendFailed
	}
}

// IsTimeout returns true if err is a request timeout.
func IsTimeout(err error) bool {
	return hasCode(err, CodeTimeout)
}

// IsEngineError returns true if the engine answered with an error event.
func IsEngineError(err error) bool {
	return hasCode(err, CodeEngine)
}

// IsDeadClient returns true if the request failed because the client closed.
func IsDeadClient(err error) bool {
	return hasCode(err, CodeDeadClient)
}

// EngineCode returns the engine's error code and true for engine errors.
func EngineCode(err error) (int, bool) {
	var re *RequestError
	if errors.As(err, &re) && re.Code == CodeEngine {
		return re.EngineCode, true
	}
	return 0, false
}

func hasCode(err error, code ErrorCode) bool {
	var re *RequestError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// NewTimeoutError creates a RequestError for a request that got no reply.
func NewTimeoutError(requestType, token string, after time.Duration) *RequestError {
	return &RequestError{
		Code:        CodeTimeout,
		Token:       token,
		RequestType: requestType,
		Message:     fmt.Sprintf("no reply within %s", after),
	}
}

// NewEngineError creates a RequestError from an engine error payload.
func NewEngineError(requestType, token string, code int, message string) *RequestError {
	return &RequestError{
		Code:        CodeEngine,
		Token:       token,
		RequestType: requestType,
		EngineCode:  code,
		Message:     message,
	}
}

// NewDeadClientError creates a RequestError for a request against a closed
// client.
func NewDeadClientError(requestType, token string) *RequestError {
	return &RequestError{
		Code:        CodeDeadClient,
		Token:       token,
		RequestType: requestType,
		Message:     "client is closed",
	}
}

// NewSendError wraps a bridge send failure.
func NewSendError(requestType, token string, err error) *RequestError {
	return &RequestError{
		Code:        CodeSendFailed,
		Token:       token,
		RequestType: requestType,
		Message:     "bridge send failed",
		Err:         err,
	}
}
