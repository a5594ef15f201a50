// Package errors provides structured domain errors for the orchestration core.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind categorizes an error for propagation policy decisions
type Kind string

const (
	KindInput          Kind = "input"
	KindState          Kind = "state"
	KindNotFound       Kind = "not_found"
	KindTiming         Kind = "timing"
	KindDependency     Kind = "dependency"
	KindValidation     Kind = "validation"
	KindInfrastructure Kind = "infrastructure"
)

// Error represents a structured error with code and context
type Error struct {
	Code    Code
	Domain  string
	Message string
	Cause   error
}

// New creates a new error with the given code, domain, message, and optional cause
func New(code Code, domain string, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Domain:  domain,
		Message: message,
		Cause:   cause,
	}
}

// Newf creates a new error with a formatted message
func Newf(code Code, domain string, format string, args ...interface{}) *Error {
	return &Error{
		Code:    code,
		Domain:  domain,
		Message: fmt.Sprintf(format, args...),
	}
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Domain, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Domain, e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Kind maps the error code to its propagation category
func (e *Error) Kind() Kind {
	switch e.Code {
	case CodeTokenMalformed, CodeInvalidParameter, CodeMissingParameter,
		CodeValidationFailed, CodeDuplicateExecution:
		return KindInput
	case CodeInvalidTransition, CodeTokenStepMismatch, CodeStepNotRunning,
		CodeNotResumable, CodeAlreadyTerminal, CodeNotRunnable, CodeInvalidState:
		return KindState
	case CodeWorkflowNotFound, CodeExecutionNotFound, CodeAgentNotFound, CodeNotFound:
		return KindNotFound
	case CodeTokenExpired:
		return KindTiming
	case CodeDependenciesNotMet, CodeCyclicDependencies, CodeNoStartingPhase, CodeNoPhases:
		return KindDependency
	case CodeContractValidation:
		return KindValidation
	case CodeStoreError, CodeMigrationError, CodeIoError, CodeInternalError:
		return KindInfrastructure
	default:
		return KindInfrastructure
	}
}

// CodeOf extracts the domain error code from any error, or CodeUnknown
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// HasCode reports whether err is a domain error with the given code
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}
