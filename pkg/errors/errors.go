// SPDX-License-Identifier: Apache-2.0
// Package errors provides typed error handling with rich context for the orchestrator.
// Recoverable conditions (failed verifications, pending approvals) are reported as
// structured results; only conditions without a valid continuation become errors.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
)

// ErrorCode classifies orchestrator errors for monitoring and recovery.
type ErrorCode string

const (
	// CodeInternal indicates an internal system error.
	CodeInternal ErrorCode = "INTERNAL_ERROR"

	// CodeInvalidInput indicates the input was invalid.
	CodeInvalidInput ErrorCode = "INVALID_INPUT"

	// CodeToolFailure indicates a tool adapter failed to apply an action.
	CodeToolFailure ErrorCode = "TOOL_FAILURE"

	// CodeContextLost indicates context was lost (e.g., canceled during retry).
	CodeContextLost ErrorCode = "CONTEXT_LOST"

	// CodeTimeout indicates an operation exceeded its time limit.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeRateLimit indicates rate limiting was triggered.
	CodeRateLimit ErrorCode = "RATE_LIMITED"

	// CodeNotFound indicates a resource was not found.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodeUnauthorized indicates authorization failed.
	CodeUnauthorized ErrorCode = "UNAUTHORIZED"

	// CodePlanValidation indicates a malformed or empty plan.
	CodePlanValidation ErrorCode = "PLAN_VALIDATION"

	// CodeVerificationFailed marks a failed policy check. It is recorded, never raised.
	CodeVerificationFailed ErrorCode = "VERIFICATION_FAILED"

	// CodeApprovalRequired indicates execution is parked awaiting approval.
	CodeApprovalRequired ErrorCode = "APPROVAL_REQUIRED"

	// CodeApprovalRejected indicates an approval token was presented but is invalid.
	CodeApprovalRejected ErrorCode = "APPROVAL_REJECTED"

	// CodeCircuitOpen indicates a call was rejected without being attempted.
	CodeCircuitOpen ErrorCode = "CIRCUIT_OPEN"

	// CodeSecretNotFound indicates no credential provider yielded a value.
	CodeSecretNotFound ErrorCode = "SECRET_NOT_FOUND"

	// CodeSecretExpired indicates the only available value for a secret has expired.
	CodeSecretExpired ErrorCode = "SECRET_EXPIRED"

	// CodeRollbackUnavailable indicates an applied mutation cannot be reversed.
	CodeRollbackUnavailable ErrorCode = "ROLLBACK_UNAVAILABLE"

	// CodeInvalidState indicates an operation does not apply to the current execution state.
	CodeInvalidState ErrorCode = "INVALID_STATE"
)

// Error is a typed error with rich context for observability.
// It implements the error interface and can be unwrapped with errors.As().
type Error struct {
	Code        ErrorCode
	Message     string
	Err         error
	Context     map[string]interface{}
	Attributes  map[string]string
	Recoverable bool
	StatusCode  int // For HTTP/gRPC callers
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Err
}

// MarshalJSON implements json.Marshaler for structured logging.
func (e *Error) MarshalJSON() ([]byte, error) {
	cause := ""
	if e.Err != nil {
		cause = e.Err.Error()
	}
	return json.Marshal(&struct {
		Message     string                 `json:"message"`
		Code        string                 `json:"code"`
		Err         string                 `json:"error,omitempty"`
		Context     map[string]interface{} `json:"context,omitempty"`
		Attributes  map[string]string      `json:"attributes,omitempty"`
		Recoverable bool                   `json:"recoverable"`
		StatusCode  int                    `json:"status_code"`
	}{
		Message:     e.Error(),
		Code:        string(e.Code),
		Err:         cause,
		Context:     e.Context,
		Attributes:  e.Attributes,
		Recoverable: e.Recoverable,
		StatusCode:  e.StatusCode,
	})
}

// New creates a new Error with the given code, message, and cause.
func New(code ErrorCode, msg string, cause error) *Error {
	return &Error{
		Code:       code,
		Message:    msg,
		Err:        cause,
		Context:    make(map[string]interface{}),
		Attributes: make(map[string]string),
		StatusCode: codeToStatusCode(code),
	}
}

// WithContext adds a key-value pair to the error context.
// Returns the error for method chaining.
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithAttribute adds a string attribute for OTEL traces.
// Returns the error for method chaining.
func (e *Error) WithAttribute(key, value string) *Error {
	if e.Attributes == nil {
		e.Attributes = make(map[string]string)
	}
	e.Attributes[key] = value
	return e
}

// WithRecoverable sets whether the error can be recovered from.
// Returns the error for method chaining.
func (e *Error) WithRecoverable(recoverable bool) *Error {
	e.Recoverable = recoverable
	return e
}

// RecoverableString returns "true" or "false" as a string for observability.
func (e *Error) RecoverableString() string {
	if e.Recoverable {
		return "true"
	}
	return "false"
}

// As attempts to convert an error to an *Error.
// Returns the error itself if it is one (anywhere in the chain), or wraps it as internal.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var oe *Error
	if stderrors.As(err, &oe) {
		return oe
	}
	return New(CodeInternal, "wrapped error", err)
}

// CodeOf returns the code of the first *Error in the chain, or "" when there is none.
func CodeOf(err error) ErrorCode {
	var oe *Error
	if stderrors.As(err, &oe) {
		return oe.Code
	}
	return ""
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		var oe *Error
		if !stderrors.As(err, &oe) {
			return false
		}
		if oe.Code == code {
			return true
		}
		err = oe.Err
	}
	return false
}

// codeToStatusCode maps error codes to HTTP-style status codes.
func codeToStatusCode(code ErrorCode) int {
	switch code {
	case CodeNotFound, CodeSecretNotFound:
		return 404
	case CodeUnauthorized:
		return 401
	case CodeApprovalRejected:
		return 403
	case CodeInvalidInput, CodePlanValidation:
		return 400
	case CodeTimeout:
		return 408
	case CodeInvalidState:
		return 409
	case CodeSecretExpired:
		return 410
	case CodeRateLimit:
		return 429
	case CodeCircuitOpen:
		return 503
	default:
		return 500
	}
}
