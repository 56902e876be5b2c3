package errors

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeTransportFailure Code = "transport_failure"
	CodeAuthExpired      Code = "auth_expired"
	CodeAuthInvalid      Code = "auth_invalid"
	CodeResponse         Code = "response_error"
	CodeUnauthenticated  Code = "unauthenticated"
	CodeRenewalRejected  Code = "renewal_rejected"
	CodeInvalidInput     Code = "invalid_input"
)

const (
	CodeUnknown            Code = "unknown"
	CodeStorageUnavailable Code = "storage_unavailable"
	CodeNotImplemented     Code = "not_implemented"
)

var (
	ErrUnauthenticated = errors.New("planauth: no active session")
	ErrSessionEnded    = errors.New("planauth: session ended, re-authentication required")
)

type Error struct {
	Code    Code
	Message string
	Err     error

	// Status is the HTTP status code for CodeResponse and CodeRenewalRejected errors.
	Status int
	// Fields holds per-field messages for CodeInvalidInput errors.
	Fields map[string]string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	if e.Message != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v", e.Message, e.Err)
		}
		return e.Message
	}

	if e.Err != nil {
		return e.Err.Error()
	}

	return string(e.Code)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

func Wrap(code Code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

func Response(status int, message string) *Error {
	if message == "" {
		message = fmt.Sprintf("unexpected response status %d", status)
	}
	return &Error{
		Code:    CodeResponse,
		Message: message,
		Status:  status,
	}
}

func InvalidInput(fields map[string]string) *Error {
	return &Error{
		Code:    CodeInvalidInput,
		Message: "invalid input",
		Fields:  fields,
	}
}

// CodeOf returns the code of the outermost *Error in err's chain, or
// CodeUnknown when there is none.
func CodeOf(err error) Code {
	var typed *Error
	if !errors.As(err, &typed) {
		return CodeUnknown
	}
	return typed.Code
}

func IsCode(err error, code Code) bool {
	var typed *Error
	if !errors.As(err, &typed) {
		return false
	}
	return typed.Code == code
}

// IsAuthInvalid reports whether the session behind err has ended and the
// caller must re-authenticate instead of retrying.
func IsAuthInvalid(err error) bool {
	return IsCode(err, CodeAuthInvalid) || errors.Is(err, ErrSessionEnded)
}

func IsInternalCode(err error) bool {
	return IsCode(err, CodeUnknown) || IsCode(err, CodeStorageUnavailable) || IsCode(err, CodeNotImplemented)
}
